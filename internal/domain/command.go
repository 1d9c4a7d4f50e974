package domain

import (
	"context"
	"encoding/json"
)

// CommandType names a UI command understood by presentation surfaces.
type CommandType string

const (
	CommandSetView           CommandType = "set_view"
	CommandOpenDocument      CommandType = "open_document"
	CommandSetCalendarEvents CommandType = "set_calendar_events"
	CommandClearCalendar     CommandType = "clear_calendar"
	CommandRenderArtifact    CommandType = "render_artifact"
)

// CalendarEvent is one entry of a set_calendar_events command.
type CalendarEvent struct {
	Title       string `json:"title"`
	Start       string `json:"start"`
	End         string `json:"end,omitempty"`
	AllDay      bool   `json:"all_day,omitempty"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
}

// UICommand is a single presentation instruction derived from a tool result.
// Only the fields relevant to Type are set.
type UICommand struct {
	Type      CommandType     `json:"type"`
	View      string          `json:"view,omitempty"`
	Path      string          `json:"path,omitempty"`
	Title     string          `json:"title,omitempty"`
	Events    []CalendarEvent `json:"events,omitempty"`
	Component string          `json:"component,omitempty"`
	Props     json.RawMessage `json:"props,omitempty"`
}

// CommandBatch is the ordered output of interpreting one tool result.
// Text holds the result when it carried no commands.
type CommandBatch struct {
	SessionID  string      `json:"session_id,omitempty"`
	ThreadID   string      `json:"thread_id,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	Commands   []UICommand `json:"commands,omitempty"`
	Text       string      `json:"text,omitempty"`
}

// CommandSink receives command batches in order. Implementations must apply
// Commands in slice order.
type CommandSink interface {
	Present(ctx context.Context, batch CommandBatch) error
}
