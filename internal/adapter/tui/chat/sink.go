package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"agentdeck/internal/domain"
)

// maxNoteText bounds text-only tool results shown as notes.
const maxNoteText = 400

// Sender delivers messages into a running program. *tea.Program satisfies it.
type Sender interface {
	Send(msg tea.Msg)
}

// Sink presents command batches in the chat as system notes. Batches that
// arrive before Bind are dropped.
type Sink struct {
	mu     sync.RWMutex
	sender Sender
}

// NewSink creates an unbound sink.
func NewSink() *Sink { return &Sink{} }

// Bind attaches the program that receives batches.
func (s *Sink) Bind(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Present forwards batch as an ArtifactMsg.
func (s *Sink) Present(_ context.Context, batch domain.CommandBatch) error {
	s.mu.RLock()
	sender := s.sender
	s.mu.RUnlock()
	if sender != nil {
		sender.Send(ArtifactMsg{Batch: batch})
	}
	return nil
}

var _ domain.CommandSink = (*Sink)(nil)

// describeBatch renders a batch as note lines, one per command in order.
func describeBatch(b domain.CommandBatch) string {
	if len(b.Commands) == 0 {
		text := strings.TrimSpace(b.Text)
		if r := []rune(text); len(r) > maxNoteText {
			text = string(r[:maxNoteText]) + "..."
		}
		return text
	}
	lines := make([]string, 0, len(b.Commands))
	for _, c := range b.Commands {
		lines = append(lines, describeCommand(c))
	}
	return strings.Join(lines, "\n")
}

func describeCommand(c domain.UICommand) string {
	switch c.Type {
	case domain.CommandSetView:
		return "switch view to " + c.View
	case domain.CommandOpenDocument:
		if c.Title != "" {
			return fmt.Sprintf("open %s (%s)", c.Path, c.Title)
		}
		return "open " + c.Path
	case domain.CommandSetCalendarEvents:
		if len(c.Events) == 1 {
			return "calendar: 1 event, " + c.Events[0].Title
		}
		return fmt.Sprintf("calendar: %d events", len(c.Events))
	case domain.CommandClearCalendar:
		return "calendar cleared"
	case domain.CommandRenderArtifact:
		return "render " + c.Component
	default:
		return string(c.Type)
	}
}
