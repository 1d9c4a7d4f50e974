package domain

import "encoding/json"

// StreamFrame is one decoded SSE unit. Done marks the [DONE] sentinel, which
// carries no payload.
type StreamFrame struct {
	Event string
	Data  json.RawMessage
	Done  bool
}

// NormalizedEvent is the closed set of stream events the turn assembler
// understands. Implementations: RunStarted, MessageDelta, ToolStarted,
// ToolEnded, ToolCallRequested, StreamError, StreamEnded.
type NormalizedEvent interface {
	normalizedEvent()
}

// RunStarted reports the backend-assigned run (and optionally thread) identifier.
type RunStarted struct {
	RunID    string
	ThreadID string
}

// MessageDelta carries the assistant text seen so far. Final is set for
// snapshot-derived text, which is complete-so-far rather than incremental.
type MessageDelta struct {
	Text  string
	Final bool
}

// ToolStarted reports that the agent began executing a tool.
type ToolStarted struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
}

// ToolEnded carries a tool result. ToolCallID may be empty.
type ToolEnded struct {
	ToolCallID string
	ToolName   string
	Result     string
}

// ToolCallRequested reports an assistant tool call that has no result yet.
type ToolCallRequested struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
}

// StreamError terminates the run. Cancelled distinguishes a user abort.
type StreamError struct {
	Message   string
	Cancelled bool
}

// StreamEnded marks a normal end of stream.
type StreamEnded struct{}

func (RunStarted) normalizedEvent()        {}
func (MessageDelta) normalizedEvent()      {}
func (ToolStarted) normalizedEvent()       {}
func (ToolEnded) normalizedEvent()         {}
func (ToolCallRequested) normalizedEvent() {}
func (StreamError) normalizedEvent()       {}
func (StreamEnded) normalizedEvent()       {}

// EventStream yields normalized events for one run. Next returns io.EOF after
// the stream ended; any other error is a transport failure.
type EventStream interface {
	Next() (NormalizedEvent, error)
	Close() error
}
