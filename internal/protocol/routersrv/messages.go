// Package routersrv declares the messages answered by a router itself.
package routersrv

import "time"

// ServiceName is the pseudo-service under which routers answer.
const ServiceName = "router"

// Prefix marks message types a router dispatches locally.
const Prefix = "router."

// RouterStatus asks a router for its registrations.
type RouterStatus struct{}

func (RouterStatus) MessageType() string { return "router.RouterStatus" }

// Replica describes one registered handler connection.
type Replica struct {
	InstanceID string    `json:"instanceId"`
	RemoteAddr string    `json:"remoteAddr"`
	Since      time.Time `json:"since"`
	InFlight   int       `json:"inFlight"`
}

// Service describes one service's replica set on a router.
type Service struct {
	Name         string    `json:"name"`
	MessageTypes []string  `json:"messageTypes"`
	Replicas     []Replica `json:"replicas"`
}

// RouterStatusReply is the reply to RouterStatus.
type RouterStatusReply struct {
	RouterID    string    `json:"routerId"`
	StartedAt   time.Time `json:"startedAt"`
	Connections int       `json:"connections"`
	Pending     int       `json:"pending"`
	Services    []Service `json:"services"`
}

func (RouterStatusReply) MessageType() string { return "router.RouterStatusReply" }
