// Package turn assembles normalized stream events into an ordered chat turn.
package turn

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentdeck/internal/domain"
)

// Outcome reports what a single Apply call did.
type Outcome struct {
	// Changed is set when the turn snapshot differs from before the call.
	Changed bool
	// Completed carries a tool call that transitioned to completed.
	Completed *domain.ToolCallState
	// Closed is set when this event closed the turn.
	Closed bool
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the logger used for dropped-event diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// call origin flags
const (
	fromRequest uint8 = 1 << iota
	fromStart
)

// Assembler is the per-turn state machine. It is not safe for concurrent use
// and performs no I/O; the session controller serializes access.
type Assembler struct {
	turn    domain.Turn
	active  int // index of the active segment, -1 when none
	nextSeg int

	// origins records which event kinds reported a call, keyed by call ID.
	origins map[string]uint8
	// aliases maps a secondary call ID (trace run ID or tool_call_id) onto
	// the ID the call was first recorded under.
	aliases map[string]string

	logger *slog.Logger
	now    func() time.Time
}

// New starts an open turn for one user message.
func New(turnID, threadID, userMessage string, opts ...Option) *Assembler {
	a := &Assembler{
		active:  -1,
		origins: make(map[string]uint8),
		aliases: make(map[string]string),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.turn = domain.Turn{
		ID:          turnID,
		ThreadID:    threadID,
		UserMessage: userMessage,
		Segments:    []domain.Segment{},
		StartedAt:   a.now(),
	}
	return a
}

// Snapshot returns a deep copy of the current turn.
func (a *Assembler) Snapshot() domain.Turn { return a.turn.Clone() }

// Closed reports whether the turn has been closed.
func (a *Assembler) Closed() bool { return a.turn.Closed }

// Bind sets the thread and run identifiers reported by the transport. These
// take precedence over identifiers later seen in stream metadata.
func (a *Assembler) Bind(threadID, runID string) bool {
	changed := false
	if threadID != "" && threadID != a.turn.ThreadID {
		a.turn.ThreadID = threadID
		changed = true
	}
	if runID != "" && runID != a.turn.RunID {
		a.turn.RunID = runID
		changed = true
	}
	if changed {
		a.turn.Revision++
	}
	return changed
}

// Apply folds one event into the turn. Events after closure are ignored.
func (a *Assembler) Apply(ev domain.NormalizedEvent) Outcome {
	if a.turn.Closed {
		return Outcome{}
	}

	var out Outcome
	switch e := ev.(type) {
	case domain.RunStarted:
		out.Changed = a.applyRunStarted(e)
	case domain.MessageDelta:
		out.Changed = a.applyDelta(e)
	case domain.ToolStarted:
		out.Changed = a.applyToolCall(e.ToolCallID, e.ToolName, e.Args, fromStart)
	case domain.ToolCallRequested:
		out.Changed = a.applyToolCall(e.ToolCallID, e.ToolName, e.Args, fromRequest)
	case domain.ToolEnded:
		out.Completed = a.applyToolEnded(e)
		out.Changed = out.Completed != nil
	case domain.StreamError:
		out.Changed = a.applyError(e)
	case domain.StreamEnded:
		a.applyEnded()
		out.Changed, out.Closed = true, true
	default:
		a.logger.Debug("ignoring unknown stream event", "type", fmt.Sprintf("%T", ev))
	}

	if out.Changed {
		a.turn.Revision++
	}
	return out
}

func (a *Assembler) applyRunStarted(e domain.RunStarted) bool {
	changed := false
	if a.turn.RunID == "" && e.RunID != "" {
		a.turn.RunID = e.RunID
		changed = true
	}
	if a.turn.ThreadID == "" && e.ThreadID != "" {
		a.turn.ThreadID = e.ThreadID
		changed = true
	}
	return changed
}

func (a *Assembler) applyDelta(e domain.MessageDelta) bool {
	text := e.Text
	if text == "" {
		return false
	}

	if seg := a.activeSegment(); seg != nil && seg.Kind == domain.SegmentText {
		switch {
		case strings.HasPrefix(seg.Content, text):
			return false
		case strings.HasPrefix(text, seg.Content):
			seg.Content = text
			return true
		}
	}
	if e.Final && a.repeatsEarlierText(text) {
		return false
	}

	a.completeActive()
	a.openSegment(domain.Segment{Kind: domain.SegmentText, Content: text})
	return true
}

// repeatsEarlierText reports whether text equals or prefixes a text segment
// that is no longer active. Full-state snapshots replay earlier answers;
// streamed text never does, so only Final deltas are checked.
func (a *Assembler) repeatsEarlierText(text string) bool {
	for i, s := range a.turn.Segments {
		if i == a.active || s.Kind != domain.SegmentText {
			continue
		}
		if strings.HasPrefix(strings.TrimSuffix(s.Content, domain.CancelMarker), text) {
			return true
		}
	}
	return false
}

func (a *Assembler) applyToolCall(id, name string, args []byte, origin uint8) bool {
	if id != "" {
		if canon, ok := a.resolveID(id); ok {
			a.origins[canon] |= origin
			return false
		}
		if canon, ok := a.pairCall(name, origin); ok {
			a.aliases[id] = canon
			a.origins[canon] |= origin
			return false
		}
		a.origins[id] = origin
	}

	call := domain.ToolCallState{
		ID:        id,
		Name:      name,
		Args:      args,
		Status:    domain.ToolCallRunning,
		StartTime: a.now(),
	}
	if seg := a.activeSegment(); seg != nil && seg.Kind == domain.SegmentToolGroup {
		seg.Calls = append(seg.Calls, call)
		return true
	}
	a.completeActive()
	a.openSegment(domain.Segment{Kind: domain.SegmentToolGroup, Calls: []domain.ToolCallState{call}})
	return true
}

// pairCall finds the earliest call with the same name that was reported by
// the other event kind only. A trace tool start and a snapshot tool request
// describe the same call under different identifiers.
func (a *Assembler) pairCall(name string, origin uint8) (string, bool) {
	if name == "" {
		return "", false
	}
	other := fromRequest
	if origin == fromRequest {
		other = fromStart
	}
	for _, s := range a.turn.Segments {
		for _, c := range s.Calls {
			if c.Name != name || c.ID == "" {
				continue
			}
			// A trace start precedes its own end, so a finished call is
			// never the one starting now. Snapshot requests may lag behind.
			if origin == fromStart && c.Status == domain.ToolCallCompleted {
				continue
			}
			if a.origins[c.ID] == other {
				return c.ID, true
			}
		}
	}
	return "", false
}

func (a *Assembler) applyToolEnded(e domain.ToolEnded) *domain.ToolCallState {
	call := a.findCall(e.ToolCallID)
	if call == nil {
		call = a.latestRunning(e.ToolName)
		if call != nil && e.ToolCallID != "" && call.ID != "" {
			a.aliases[e.ToolCallID] = call.ID
		}
	}
	if call == nil {
		a.logger.Debug("dropping tool result without matching call",
			"turn_id", a.turn.ID,
			"tool_call_id", e.ToolCallID,
			"tool", e.ToolName,
		)
		return nil
	}
	if call.Status == domain.ToolCallCompleted {
		return nil
	}

	call.Status = domain.ToolCallCompleted
	call.Result = e.Result
	call.EndTime = a.now()
	done := *call
	return &done
}

func (a *Assembler) findCall(id string) *domain.ToolCallState {
	if id == "" {
		return nil
	}
	canon, ok := a.resolveID(id)
	if !ok {
		return nil
	}
	for i := range a.turn.Segments {
		calls := a.turn.Segments[i].Calls
		for j := range calls {
			if calls[j].ID == canon {
				return &calls[j]
			}
		}
	}
	return nil
}

func (a *Assembler) resolveID(id string) (string, bool) {
	if canon, ok := a.aliases[id]; ok {
		return canon, true
	}
	if _, ok := a.origins[id]; ok {
		return id, true
	}
	return "", false
}

// latestRunning returns the most recently started running call named name.
func (a *Assembler) latestRunning(name string) *domain.ToolCallState {
	if name == "" {
		return nil
	}
	var found *domain.ToolCallState
	matches := 0
	for i := range a.turn.Segments {
		calls := a.turn.Segments[i].Calls
		for j := range calls {
			if calls[j].Name == name && calls[j].Status == domain.ToolCallRunning {
				found = &calls[j]
				matches++
			}
		}
	}
	if matches > 1 {
		a.logger.Debug("ambiguous tool result matched by name",
			"turn_id", a.turn.ID,
			"tool", name,
			"candidates", matches,
		)
	}
	return found
}

func (a *Assembler) applyError(e domain.StreamError) bool {
	a.completeActive()
	if !e.Cancelled {
		if a.turn.Error == "" {
			a.turn.Error = e.Message
		}
		return true
	}

	a.turn.Cancelled = true
	for i := len(a.turn.Segments) - 1; i >= 0; i-- {
		s := &a.turn.Segments[i]
		if s.Kind != domain.SegmentText {
			continue
		}
		if !strings.HasSuffix(s.Content, strings.TrimSpace(domain.CancelMarker)) {
			s.Content += domain.CancelMarker
		}
		return true
	}
	a.openSegment(domain.Segment{
		Kind:    domain.SegmentText,
		Content: strings.TrimSpace(domain.CancelMarker),
	})
	a.completeActive()
	return true
}

func (a *Assembler) applyEnded() {
	for i := range a.turn.Segments {
		a.turn.Segments[i].Complete = true
	}
	a.active = -1
	a.turn.Closed = true
	a.turn.ClosedAt = a.now()
}

func (a *Assembler) activeSegment() *domain.Segment {
	if a.active < 0 {
		return nil
	}
	return &a.turn.Segments[a.active]
}

func (a *Assembler) completeActive() {
	if seg := a.activeSegment(); seg != nil {
		seg.Complete = true
	}
	a.active = -1
}

func (a *Assembler) openSegment(s domain.Segment) {
	a.nextSeg++
	s.ID = fmt.Sprintf("%s/%d", a.turn.ID, a.nextSeg)
	a.turn.Segments = append(a.turn.Segments, s)
	a.active = len(a.turn.Segments) - 1
}
