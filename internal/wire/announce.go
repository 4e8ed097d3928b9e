package wire

import (
	"encoding/json"
	"fmt"
)

// Role describes what a connection does on the mesh.
type Role string

const (
	RoleCaller  Role = "caller"
	RoleHandler Role = "handler"
	RoleBoth    Role = "both"
)

// Handles reports whether the role serves requests.
func (r Role) Handles() bool {
	return r == RoleHandler || r == RoleBoth
}

// Announce is the payload of a Hello envelope. A handler announces the
// message types of its dispatch table; a caller announces none.
type Announce struct {
	Service      string   `json:"service"`
	InstanceID   string   `json:"instanceId"`
	Role         Role     `json:"role"`
	MessageTypes []string `json:"messageTypes,omitempty"`
}

// WelcomeInfo is the payload of a Welcome envelope.
type WelcomeInfo struct {
	RouterID string `json:"routerId"`
}

// NewHello builds the Hello envelope for a.
func NewHello(a Announce) (*Envelope, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal announce: %w", err)
	}
	return &Envelope{Kind: KindHello, CorrelationID: NewCorrelationID(), Payload: payload}, nil
}

// ParseAnnounce decodes the payload of a Hello envelope.
func ParseAnnounce(e *Envelope) (Announce, error) {
	var a Announce
	if e.Kind != KindHello {
		return a, fmt.Errorf("%w: expected hello, got %s", ErrInvalidKind, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, &a); err != nil {
		return a, fmt.Errorf("unmarshal announce: %w", err)
	}
	if a.Service == "" || a.InstanceID == "" {
		return a, fmt.Errorf("announce missing service or instance id")
	}
	return a, nil
}

// NewWelcome builds the router's answer to hello.
func NewWelcome(hello *Envelope, info WelcomeInfo) (*Envelope, error) {
	payload, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal welcome: %w", err)
	}
	return &Envelope{Kind: KindWelcome, CorrelationID: hello.CorrelationID, Payload: payload}, nil
}

// ParseWelcome decodes the payload of a Welcome envelope.
func ParseWelcome(e *Envelope) (WelcomeInfo, error) {
	var w WelcomeInfo
	if e.Kind != KindWelcome {
		return w, fmt.Errorf("%w: expected welcome, got %s", ErrInvalidKind, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, &w); err != nil {
		return w, fmt.Errorf("unmarshal welcome: %w", err)
	}
	return w, nil
}

// NewPing returns a ping envelope.
func NewPing() *Envelope {
	return &Envelope{Kind: KindPing, CorrelationID: NewCorrelationID()}
}

// NewPong answers ping.
func NewPong(ping *Envelope) *Envelope {
	return &Envelope{Kind: KindPong, CorrelationID: ping.CorrelationID}
}

// NewDrain returns a drain envelope.
func NewDrain() *Envelope {
	return &Envelope{Kind: KindDrain, CorrelationID: NewCorrelationID()}
}
