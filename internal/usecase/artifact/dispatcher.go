package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"agentdeck/internal/domain"
)

// Dispatcher forwards interpreted tool results to a CommandSink. It only
// reads tool.completed events and never touches turn state.
type Dispatcher struct {
	interp *Interpreter
	sink   domain.CommandSink
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. interp may be nil to use the built-in
// schemas.
func NewDispatcher(interp *Interpreter, sink domain.CommandSink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interp == nil {
		interp = NewInterpreter(nil, logger)
	}
	return &Dispatcher{interp: interp, sink: sink, logger: logger}
}

// Attach subscribes to tool.completed on bus and returns the unsubscribe
// function. The bus delivers events to one subscriber in publish order, so
// batches reach the sink in tool-completion order.
func (d *Dispatcher) Attach(bus domain.EventBus) func() {
	return bus.Subscribe(domain.EventToolCompleted, d.HandleEvent)
}

// HandleEvent is the bus handler for tool.completed.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev domain.Event) {
	var p domain.ToolCompletedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		d.logger.Warn("undecodable tool.completed payload", "session_id", ev.SessionID, "error", err)
		return
	}
	if err := d.Dispatch(ctx, ev.SessionID, p.ThreadID, p.Call); err != nil {
		d.logger.Warn("command dispatch failed",
			"session_id", ev.SessionID,
			"tool", p.Call.Name,
			"tool_call_id", p.Call.ID,
			"error", err,
		)
	}
}

// Dispatch interprets one completed call and presents the result. Empty
// interpretations are not forwarded.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, threadID string, call domain.ToolCallState) error {
	in := d.interp.Interpret(call.Result)
	if in.Empty() {
		return nil
	}
	batch := domain.CommandBatch{
		SessionID:  sessionID,
		ThreadID:   threadID,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Commands:   in.Commands,
		Text:       in.Text,
	}
	if len(batch.Commands) > 0 {
		d.logger.Debug("dispatching ui commands",
			"session_id", sessionID,
			"tool", call.Name,
			"commands", len(batch.Commands),
		)
	}
	return d.sink.Present(ctx, batch)
}

// BusSink republishes batches as artifact.commands events so the gateway can
// forward them to the owning client.
type BusSink struct {
	bus domain.EventBus
}

// NewBusSink creates a sink that publishes on bus.
func NewBusSink(bus domain.EventBus) *BusSink {
	return &BusSink{bus: bus}
}

// Present publishes the batch.
func (s *BusSink) Present(ctx context.Context, batch domain.CommandBatch) error {
	s.bus.Publish(ctx, domain.NewEvent(domain.EventArtifactCommands, batch.SessionID, batch))
	return nil
}

// SinkFunc adapts a function to domain.CommandSink.
type SinkFunc func(ctx context.Context, batch domain.CommandBatch) error

// Present calls f.
func (f SinkFunc) Present(ctx context.Context, batch domain.CommandBatch) error {
	return f(ctx, batch)
}

// MultiSink presents each batch to every sink in order and joins failures.
type MultiSink []domain.CommandSink

// Present forwards batch to all sinks.
func (m MultiSink) Present(ctx context.Context, batch domain.CommandBatch) error {
	var errs []error
	for _, s := range m {
		if err := s.Present(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ domain.CommandSink = (*BusSink)(nil)
	_ domain.CommandSink = SinkFunc(nil)
	_ domain.CommandSink = MultiSink(nil)
)
