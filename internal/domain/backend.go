package domain

import "context"

// RunRequest describes one user message submitted to a thread.
type RunRequest struct {
	ThreadID    string
	AssistantID string
	Message     string
}

// RunStream is an open streaming run. RunID and ThreadID are filled from
// response headers when the backend sends them.
type RunStream struct {
	RunID    string
	ThreadID string
	Events   EventStream
}

// AgentBackend is the remote agent service the session controller drives.
type AgentBackend interface {
	// CreateThread creates a new conversation thread and returns its ID.
	CreateThread(ctx context.Context) (string, error)
	// StreamRun starts a run and returns its event stream. Cancelling ctx
	// aborts the underlying connection.
	StreamRun(ctx context.Context, req RunRequest) (*RunStream, error)
	// CancelRun asks the backend to stop a run. An empty runID cancels
	// whatever is active on the thread. A missing run is not an error.
	CancelRun(ctx context.Context, threadID, runID string) error
}
