// Package jobsrv declares the messages of the job service.
package jobsrv

import "github.com/bldr-io/bldr/internal/protocol"

const ServiceName = "jobsrv"

// JobGet fetches a job by id.
type JobGet struct {
	ID uint64 `json:"id"`
}

func (JobGet) MessageType() string { return "jobsrv.JobGet" }

func (m JobGet) RouteKey() []byte { return protocol.Uint64Key(m.ID) }

// JobCancel requests cancellation of a running job.
type JobCancel struct {
	ID uint64 `json:"id"`
}

func (JobCancel) MessageType() string { return "jobsrv.JobCancel" }

func (m JobCancel) RouteKey() []byte { return protocol.Uint64Key(m.ID) }

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobDispatched JobState = "dispatched"
	JobRunning    JobState = "running"
	JobComplete   JobState = "complete"
	JobFailed     JobState = "failed"
	JobCanceled   JobState = "canceled"
)

// Job is the reply to JobGet and JobCancel.
type Job struct {
	ID      uint64   `json:"id"`
	OwnerID string   `json:"ownerId"`
	State   JobState `json:"state"`
	Package string   `json:"package"`
}

func (Job) MessageType() string { return "jobsrv.Job" }
