package domain

import (
	"context"
	"encoding/json"
	"time"
)

// SegmentKind distinguishes the two segment variants.
type SegmentKind string

const (
	SegmentText      SegmentKind = "text"
	SegmentToolGroup SegmentKind = "tool_group"
)

// ToolCallStatus is the lifecycle state of one tool call.
type ToolCallStatus string

const (
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
)

// CancelMarker is appended to the last text segment of a cancelled turn.
const CancelMarker = " [cancelled]"

// ToolCallState tracks a single tool call inside a tool group.
type ToolCallState struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Status    ToolCallStatus  `json:"status"`
	Result    string          `json:"result,omitempty"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time,omitzero"`
}

// Segment is a contiguous, independently completable chunk of a turn.
// Content is set for text segments, Calls for tool groups.
type Segment struct {
	ID       string          `json:"id"`
	Kind     SegmentKind     `json:"kind"`
	Content  string          `json:"content,omitempty"`
	Calls    []ToolCallState `json:"calls,omitempty"`
	Complete bool            `json:"complete"`
}

// Turn groups every segment produced in answer to one user message.
type Turn struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	UserMessage string    `json:"user_message"`
	Segments    []Segment `json:"segments"`
	Closed      bool      `json:"closed"`
	Cancelled   bool      `json:"cancelled,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	ClosedAt    time.Time `json:"closed_at,omitzero"`
	Revision    uint64    `json:"revision"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (t Turn) Clone() Turn {
	out := t
	out.Segments = make([]Segment, len(t.Segments))
	for i, s := range t.Segments {
		if s.Calls != nil {
			s.Calls = append([]ToolCallState(nil), s.Calls...)
		}
		out.Segments[i] = s
	}
	return out
}

// Text concatenates all text segments, separated by blank lines.
func (t Turn) Text() string {
	var out []byte
	for _, s := range t.Segments {
		if s.Kind != SegmentText {
			continue
		}
		if len(out) > 0 {
			out = append(out, "\n\n"...)
		}
		out = append(out, s.Content...)
	}
	return string(out)
}

// Status summarizes the turn outcome for listings.
func (t Turn) Status() string {
	switch {
	case !t.Closed:
		return "open"
	case t.Cancelled:
		return "cancelled"
	case t.Error != "":
		return "failed"
	default:
		return "completed"
	}
}

// TurnStore persists closed turns locally.
type TurnStore interface {
	SaveTurn(ctx context.Context, sessionID string, turn Turn) error
	ListTurns(ctx context.Context, threadID string, limit int) ([]Turn, error)
	RebindThread(ctx context.Context, previous, current string) error
	Threads(ctx context.Context) ([]ThreadSummary, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// ThreadSummary describes one locally cached thread.
type ThreadSummary struct {
	ThreadID   string    `json:"thread_id"`
	Turns      int       `json:"turns"`
	LastActive time.Time `json:"last_active"`
}
