package fsm

import "github.com/cf7me/confirmflow/pkg/confirm"

// CommitRequest is the FSM input: one staged submission to replay.
type CommitRequest struct {
	RunID      string
	SessionID  string
	Key        string
	Submission confirm.HostSubmission
}

// CommitResponse is the FSM output (accumulated across transitions)
type CommitResponse struct {
	// From Replay
	Status  string
	Message string
	Invalid map[string]string

	// From Consume
	Consumed bool

	// From Failed
	ErrorMessage string
}

// State names
const (
	StateReplay   = "replay"
	StateConsume  = "consume"
	StateComplete = "complete"
	StateFailed   = "failed"
)
