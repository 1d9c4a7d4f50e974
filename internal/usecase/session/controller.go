// Package session drives streaming runs for UI sessions. A Controller owns the
// binding between one UI session and a backend thread and allows at most one
// streaming run at a time. Sessions of one Manager also never stream on the
// same thread at once.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"agentdeck/internal/domain"
	"agentdeck/internal/infra/tracer"
	"agentdeck/internal/usecase/turn"
)

// Defaults applied when Config leaves a duration at zero.
const (
	DefaultRunTimeout    = 280 * time.Second
	DefaultCancelTimeout = 10 * time.Second
)

// Config tunes run lifecycles.
type Config struct {
	AssistantID   string
	RunTimeout    time.Duration
	CancelTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = DefaultCancelTimeout
	}
	return c
}

// Controller is the run/thread state machine for one UI session.
type Controller struct {
	id      string
	backend domain.AgentBackend
	bus     domain.EventBus
	cfg     Config
	logger  *slog.Logger
	threads *threadClaims // shared across a Manager's sessions; nil when standalone
	newID   func() string
	baseCtx context.Context

	startMu sync.Mutex // serializes StartTurn

	mu         sync.Mutex
	threadID   string
	runID      string
	status     domain.RunStatus
	active     *Run
	createdAt  time.Time
	lastActive time.Time
	closed     bool

	cancels sync.WaitGroup // background server-side cancels
}

// NewController creates an idle controller. bus may be nil.
func NewController(id string, backend domain.AgentBackend, bus domain.EventBus, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	return &Controller{
		id:         id,
		backend:    backend,
		bus:        bus,
		cfg:        cfg.withDefaults(),
		logger:     logger.With("session_id", id),
		newID:      func() string { return ulid.Make().String() },
		baseCtx:    domain.ContextWithSessionID(context.Background(), id),
		status:     domain.RunIdle,
		createdAt:  now,
		lastActive: now,
	}
}

// ID returns the UI session ID.
func (c *Controller) ID() string { return c.id }

// ThreadID returns the bound thread, or "".
func (c *Controller) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// Snapshot describes the session state.
func (c *Controller) Snapshot() domain.RunSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := domain.RunSession{
		ID:         c.id,
		ThreadID:   c.threadID,
		RunID:      c.runID,
		Status:     c.status,
		CreatedAt:  c.createdAt,
		LastActive: c.lastActive,
	}
	if c.active != nil {
		s.ActiveTurn = c.active.TurnID
	}
	return s
}

// StartTurn submits message and streams the answer. An in-flight run is
// cancelled and awaited first. threadID overrides the bound thread when set.
func (c *Controller) StartTurn(ctx context.Context, threadID, message string) (*Run, error) {
	if strings.TrimSpace(message) == "" {
		return nil, domain.NewDomainError("Controller.StartTurn", domain.ErrEmptyMessage, "")
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.NewDomainError("Controller.StartTurn", domain.ErrSessionClosed, c.id)
	}
	prev := c.active
	c.mu.Unlock()

	if prev != nil {
		c.Cancel()
		select {
		case <-prev.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.NewDomainError("Controller.StartTurn", domain.ErrSessionClosed, c.id)
	}
	if threadID == "" {
		threadID = c.threadID
	} else {
		c.threadID = threadID
	}

	base := context.WithoutCancel(domain.ContextWithSessionID(ctx, c.id))
	timeoutCtx, stopTimer := context.WithTimeoutCause(base, c.cfg.RunTimeout, errRunTimeout)
	runCtx, cancel := context.WithCancelCause(timeoutCtx)

	run := newRun(c.newID(), threadID, cancel)
	c.active = run
	c.status = domain.RunStreaming
	c.runID = ""
	c.lastActive = time.Now()
	c.mu.Unlock()

	c.emit(domain.EventTurnStarted, domain.TurnStartedPayload{
		TurnID:      run.TurnID,
		ThreadID:    threadID,
		UserMessage: message,
	})
	c.logger.Info("turn started", "turn_id", run.TurnID, "thread_id", threadID)

	go func() {
		defer stopTimer()
		defer cancel(nil)
		c.drive(runCtx, run, threadID, message)
	}()
	return run, nil
}

var errRunTimeout = domain.NewSubSystemError("run", "Controller.StartTurn", domain.ErrTimeout, "run deadline exceeded")

// drive runs on its own goroutine and owns the assembler.
func (c *Controller) drive(ctx context.Context, run *Run, threadID, message string) {
	ctx, span := tracer.StartSpan(ctx, "session.turn")
	span.SetAttributes(
		tracer.StringAttr("session.id", c.id),
		tracer.StringAttr("turn.id", run.TurnID),
	)

	asm := turn.New(run.TurnID, threadID, message, turn.WithLogger(c.logger))
	run.publish(asm.Snapshot())

	err := c.stream(ctx, run, asm, threadID, message)

	if !asm.Closed() {
		if ctx.Err() != nil {
			cause := context.Cause(ctx)
			asm.Apply(domain.StreamError{
				Message:   cause.Error(),
				Cancelled: errors.Is(cause, domain.ErrCancelled),
			})
			err = cause
			if errors.Is(cause, domain.ErrTimeout) {
				c.logger.Warn("run timed out", "turn_id", run.TurnID, "timeout", c.cfg.RunTimeout)
			}
			if errors.Is(cause, domain.ErrTimeout) && run.opened.Load() {
				c.mu.Lock()
				tid, rid := c.threadID, c.runID
				c.mu.Unlock()
				c.requestServerCancel(tid, rid)
			}
		} else if err != nil {
			asm.Apply(domain.StreamError{Message: err.Error()})
		}
		asm.Apply(domain.StreamEnded{})
	}

	c.threads.release(run)

	final := asm.Snapshot()
	if err == nil && final.Error != "" {
		err = domain.NewDomainError("Controller.StartTurn", domain.ErrRunFailed, final.Error)
	}
	span.SetAttributes(
		tracer.BoolAttr("turn.cancelled", final.Cancelled),
		tracer.IntAttr("turn.segments", len(final.Segments)),
	)
	tracer.EndWithError(span, err)

	run.finish(final, err)

	c.mu.Lock()
	if c.active == run {
		c.active = nil
		c.status = domain.RunIdle
	}
	c.lastActive = time.Now()
	c.mu.Unlock()

	c.emit(domain.EventTurnClosed, domain.TurnClosedPayload{Turn: final})
	if err != nil {
		c.emit(domain.EventStreamError, domain.StreamErrorPayload{
			TurnID:    run.TurnID,
			Error:     err.Error(),
			Code:      domain.ErrorCodeOf(err),
			Cancelled: final.Cancelled,
		})
		if final.Cancelled {
			c.logger.Info("turn cancelled", "turn_id", run.TurnID)
		} else {
			c.logger.Warn("turn failed", "turn_id", run.TurnID, "error", err)
		}
	} else {
		c.logger.Info("turn completed", "turn_id", run.TurnID, "segments", len(final.Segments))
	}
	close(run.done)
}

// stream resolves the thread, opens the run and folds its events into asm.
// It returns when the stream ends, fails or ctx is done.
func (c *Controller) stream(ctx context.Context, run *Run, asm *turn.Assembler, threadID, message string) error {
	if err := c.threads.acquire(ctx, threadID, c, run); err != nil {
		// ctx is done; drive closes the turn with its cause.
		return nil
	}
	if threadID == "" {
		id, err := c.backend.CreateThread(ctx)
		if err != nil {
			return domain.WrapOp("create thread", err)
		}
		threadID = id
		c.bindRun(run, id)
		if asm.Bind(id, "") {
			run.publish(asm.Snapshot())
		}
	}

	run.opened.Store(true)
	rs, err := c.backend.StreamRun(ctx, domain.RunRequest{
		ThreadID:    threadID,
		AssistantID: c.cfg.AssistantID,
		Message:     message,
	})
	if err != nil {
		return domain.WrapOp("stream run", err)
	}
	defer rs.Events.Close()

	headerThread := rs.ThreadID != ""
	if headerThread && rs.ThreadID != threadID {
		threadID = rs.ThreadID
		c.bindRun(run, threadID)
	}
	if asm.Bind(rs.ThreadID, rs.RunID) {
		run.publish(asm.Snapshot())
	}
	if rs.RunID != "" {
		c.runStarted(run, threadID, rs.RunID)
	}

	for {
		ev, err := rs.Events.Next()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if rsEv, ok := ev.(domain.RunStarted); ok {
			if !headerThread && rsEv.ThreadID != "" && rsEv.ThreadID != threadID {
				threadID = rsEv.ThreadID
				c.bindRun(run, threadID)
				asm.Bind(threadID, "")
			}
			if rs.RunID == "" && rsEv.RunID != "" {
				c.runStarted(run, threadID, rsEv.RunID)
			}
		}

		out := asm.Apply(ev)
		if out.Completed != nil {
			c.emit(domain.EventToolCompleted, domain.ToolCompletedPayload{
				TurnID:   run.TurnID,
				ThreadID: threadID,
				Call:     *out.Completed,
			})
		}
		if _, failed := ev.(domain.StreamError); failed && !out.Closed {
			asm.Apply(domain.StreamEnded{})
			out.Changed, out.Closed = true, true
		}
		if out.Changed {
			run.publish(asm.Snapshot())
		}
		if out.Closed {
			return nil
		}
	}
}

// runStarted records the first run ID seen for the active run.
func (c *Controller) runStarted(run *Run, threadID, runID string) {
	c.mu.Lock()
	if c.active != run || c.runID != "" {
		c.mu.Unlock()
		return
	}
	c.runID = runID
	c.mu.Unlock()
	c.emit(domain.EventRunStarted, domain.RunStartedPayload{
		TurnID:   run.TurnID,
		ThreadID: threadID,
		RunID:    runID,
	})
}

// bindRun moves the session and run onto threadID.
func (c *Controller) bindRun(run *Run, threadID string) {
	c.rebind(threadID)
	run.setThread(threadID)
	c.threads.move(threadID, c, run)
}

// rebind replaces the session's thread binding.
func (c *Controller) rebind(threadID string) {
	c.mu.Lock()
	previous := c.threadID
	c.threadID = threadID
	c.mu.Unlock()
	if previous == threadID {
		return
	}
	c.logger.Info("thread bound", "previous", previous, "thread_id", threadID)
	c.emit(domain.EventThreadBound, domain.ThreadBoundPayload{Previous: previous, Current: threadID})
}

// Cancel stops the active run. It reports whether a run was cancelled; a
// second call while the first is still winding down is a no-op.
func (c *Controller) Cancel() bool {
	return c.cancel(nil)
}

// cancelRun cancels run if it is still the active one.
func (c *Controller) cancelRun(run *Run) bool {
	return c.cancel(run)
}

// cancel stops the active run. When want is set, only that run is stopped.
func (c *Controller) cancel(want *Run) bool {
	c.mu.Lock()
	run := c.active
	if run == nil || (want != nil && run != want) || c.status == domain.RunCancelling {
		c.mu.Unlock()
		return false
	}
	c.status = domain.RunCancelling
	threadID, runID := c.threadID, c.runID
	c.mu.Unlock()

	run.cancel(domain.ErrCancelled)
	c.emit(domain.EventRunCancelled, domain.RunCancelledPayload{
		TurnID:   run.TurnID,
		ThreadID: threadID,
		RunID:    runID,
	})
	if run.opened.Load() {
		c.requestServerCancel(threadID, runID)
	}
	return true
}

// requestServerCancel asks the backend to stop the run without blocking the
// caller. Without a thread there is nothing to cancel server-side.
func (c *Controller) requestServerCancel(threadID, runID string) {
	if threadID == "" {
		return
	}
	c.cancels.Add(1)
	go func() {
		defer c.cancels.Done()
		ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.CancelTimeout)
		defer cancel()
		if err := c.backend.CancelRun(ctx, threadID, runID); err != nil {
			c.logger.Warn("server-side cancel failed",
				"thread_id", threadID,
				"run_id", runID,
				"error", err,
			)
			return
		}
		c.logger.Debug("server-side cancel sent", "thread_id", threadID, "run_id", runID)
	}()
}

// ForgetThread drops the thread binding so the next turn starts a new
// thread. An active run is cancelled.
func (c *Controller) ForgetThread() {
	c.Cancel()
	c.mu.Lock()
	previous := c.threadID
	c.threadID = ""
	c.mu.Unlock()
	if previous != "" {
		c.logger.Info("thread binding cleared", "previous", previous)
	}
}

// Idle reports whether no run is active and the session has been unused
// for at least ttl.
func (c *Controller) Idle(ttl time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == nil && now.Sub(c.lastActive) >= ttl
}

// Close cancels the active run, waits for it to finish and drains pending
// server-side cancels. Further StartTurn calls fail with ErrSessionClosed.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	run := c.active
	c.mu.Unlock()

	if run != nil {
		c.Cancel()
		select {
		case <-run.Done():
		case <-ctx.Done():
			return fmt.Errorf("close session %s: %w", c.id, ctx.Err())
		}
	}

	drained := make(chan struct{})
	go func() {
		c.cancels.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("close session %s: %w", c.id, ctx.Err())
	}

	c.emit(domain.EventSessionClosed, c.Snapshot())
	c.logger.Info("session closed")
	return nil
}

func (c *Controller) emit(t domain.EventType, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(c.baseCtx, domain.NewEvent(t, c.id, payload))
}
