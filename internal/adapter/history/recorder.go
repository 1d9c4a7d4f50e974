package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"agentdeck/internal/domain"
)

const writeTimeout = 5 * time.Second

// Recorder persists closed turns and follows thread rebinds. It subscribes
// to all events on one subscription so a rebind is always applied before
// the turn that follows it.
type Recorder struct {
	store  domain.TurnStore
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store domain.TurnStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Attach subscribes the recorder and returns the unsubscribe function.
func (r *Recorder) Attach(bus domain.EventBus) func() {
	return bus.SubscribeAll(r.HandleEvent)
}

// HandleEvent applies turn.closed and thread.bound events.
func (r *Recorder) HandleEvent(ctx context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventTurnClosed:
		var p domain.TurnClosedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			r.logger.Warn("undecodable turn.closed payload", "session_id", ev.SessionID, "error", err)
			return
		}
		if p.Turn.ThreadID == "" {
			r.logger.Debug("skipping turn without thread", "turn_id", p.Turn.ID)
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()
		if err := r.store.SaveTurn(ctx, ev.SessionID, p.Turn); err != nil {
			r.logger.Warn("save turn failed", "turn_id", p.Turn.ID, "error", err)
		}

	case domain.EventThreadBound:
		var p domain.ThreadBoundPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			r.logger.Warn("undecodable thread.bound payload", "session_id", ev.SessionID, "error", err)
			return
		}
		if p.Previous == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()
		if err := r.store.RebindThread(ctx, p.Previous, p.Current); err != nil {
			r.logger.Warn("rebind thread failed", "previous", p.Previous, "current", p.Current, "error", err)
		}
	}
}
