package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventTurnStarted      EventType = "turn.started"
	EventTurnClosed       EventType = "turn.closed"
	EventRunStarted       EventType = "run.started"
	EventRunCancelled     EventType = "run.cancelled"
	EventThreadBound      EventType = "thread.bound"
	EventToolCompleted    EventType = "tool.completed"
	EventStreamError      EventType = "stream.error"
	EventArtifactCommands EventType = "artifact.commands"
	EventSessionCreated   EventType = "session.created"
	EventSessionClosed    EventType = "session.closed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event with a JSON-encoded payload. Marshal failures yield
// an event without payload rather than an error; payloads are plain structs.
func NewEvent(eventType EventType, sessionID string, payload any) Event {
	raw, _ := json.Marshal(payload)
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   raw,
	}
}

// TurnStartedPayload is the payload for EventTurnStarted.
type TurnStartedPayload struct {
	TurnID      string `json:"turn_id"`
	ThreadID    string `json:"thread_id,omitempty"`
	UserMessage string `json:"user_message"`
}

// TurnClosedPayload is the payload for EventTurnClosed.
type TurnClosedPayload struct {
	Turn Turn `json:"turn"`
}

// RunStartedPayload is the payload for EventRunStarted.
type RunStartedPayload struct {
	TurnID   string `json:"turn_id"`
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
}

// RunCancelledPayload is the payload for EventRunCancelled. RunID is empty
// when the run was cancelled before the backend reported it.
type RunCancelledPayload struct {
	TurnID   string `json:"turn_id"`
	ThreadID string `json:"thread_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
}

// ThreadBoundPayload is the payload for EventThreadBound. Previous is empty
// when the session had no thread before. A non-empty Previous means the
// backend replaced the thread the session asked for.
type ThreadBoundPayload struct {
	Previous string `json:"previous,omitempty"`
	Current  string `json:"current"`
}

// ToolCompletedPayload is the payload for EventToolCompleted.
type ToolCompletedPayload struct {
	TurnID   string        `json:"turn_id"`
	ThreadID string        `json:"thread_id,omitempty"`
	Call     ToolCallState `json:"call"`
}

// StreamErrorPayload is the payload for EventStreamError.
type StreamErrorPayload struct {
	TurnID    string    `json:"turn_id"`
	Error     string    `json:"error"`
	Code      ErrorCode `json:"code"`
	Cancelled bool      `json:"cancelled,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
