package domain

import "time"

// RunStatus is the lifecycle state of a RunSession.
type RunStatus string

const (
	RunIdle       RunStatus = "idle"
	RunStreaming  RunStatus = "streaming"
	RunCancelling RunStatus = "cancelling"
)

// RunSession binds a UI session to a backend thread and its active run.
// At most one run streams per session at a time.
type RunSession struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Status     RunStatus `json:"status"`
	ActiveTurn string    `json:"active_turn,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}
