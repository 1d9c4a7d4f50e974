package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"agentdeck/internal/domain"
	"agentdeck/internal/usecase/eventbus"
)

type cancelCall struct {
	threadID, runID string
}

// fakeStream is driven by the test through its channels. Next unblocks when
// the run context is done, like a closed HTTP body.
type fakeStream struct {
	ctx    context.Context
	events chan domain.NormalizedEvent
	fail   chan error
	closed atomic.Bool
}

func (s *fakeStream) Next() (domain.NormalizedEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	case err := <-s.fail:
		return nil, err
	case <-s.ctx.Done():
		return nil, context.Cause(s.ctx)
	}
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeStream) send(evs ...domain.NormalizedEvent) {
	for _, ev := range evs {
		s.events <- ev
	}
}

type fakeBackend struct {
	mu        sync.Mutex
	threadID  string
	createErr error
	streamErr error
	header    domain.RunStream
	creates   int
	requests  []domain.RunRequest

	streams  chan *fakeStream
	canceled chan cancelCall
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		threadID: "th-1",
		streams:  make(chan *fakeStream, 4),
		canceled: make(chan cancelCall, 4),
	}
}

func (b *fakeBackend) CreateThread(_ context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates++
	return b.threadID, b.createErr
}

func (b *fakeBackend) StreamRun(ctx context.Context, req domain.RunRequest) (*domain.RunStream, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	err, header := b.streamErr, b.header
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := &fakeStream{
		ctx:    ctx,
		events: make(chan domain.NormalizedEvent, 16),
		fail:   make(chan error, 1),
	}
	b.streams <- s
	return &domain.RunStream{RunID: header.RunID, ThreadID: header.ThreadID, Events: s}, nil
}

func (b *fakeBackend) CancelRun(_ context.Context, threadID, runID string) error {
	b.canceled <- cancelCall{threadID, runID}
	return nil
}

func (b *fakeBackend) lastRequest() domain.RunRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1]
}

func (b *fakeBackend) nextStream(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-b.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no stream opened")
		return nil
	}
}

func (b *fakeBackend) nextCancel(t *testing.T) cancelCall {
	t.Helper()
	select {
	case c := <-b.canceled:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no server-side cancel")
		return cancelCall{}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(_ context.Context, e domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) find(t domain.EventType) (domain.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return e, true
		}
	}
	return domain.Event{}, false
}

func newTestController(t *testing.T, cfg Config) (*Controller, *fakeBackend, *eventbus.Bus, *recorder) {
	t.Helper()
	backend := newFakeBackend()
	bus := eventbus.New(slog.Default())
	rec := &recorder{}
	bus.SubscribeAll(rec.handle)
	c := NewController("01HZX3W6M6J1Q9Q2V7N2T5A8BC", backend, bus, cfg, slog.Default())
	t.Cleanup(bus.Close)
	return c, backend, bus, rec
}

func waitRun(t *testing.T, run *Run) (domain.Turn, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	turn, err := run.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "run did not finish")
	return turn, err
}

// waitForSegments reads updates until a snapshot has at least n segments.
func waitForSegments(t *testing.T, run *Run, n int) domain.Turn {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-run.Updates():
			require.True(t, ok, "updates closed early")
			if len(snap.Segments) >= n {
				return snap
			}
		case <-deadline:
			t.Fatalf("no snapshot with %d segments", n)
		}
	}
}

func TestStartTurnCreatesThreadAndStreams(t *testing.T) {
	c, backend, bus, rec := newTestController(t, Config{AssistantID: "agent"})

	run, err := c.StartTurn(context.Background(), "", "find go docs")
	require.NoError(t, err)
	assert.NotEmpty(t, run.TurnID)

	s := backend.nextStream(t)
	s.send(
		domain.MessageDelta{Text: "Let me search."},
		domain.ToolStarted{ToolCallID: "call-1", ToolName: "search", Args: json.RawMessage(`{"q":"go"}`)},
		domain.ToolEnded{ToolCallID: "call-1", ToolName: "search", Result: "3 hits"},
		domain.MessageDelta{Text: "Found three.", Final: true},
		domain.StreamEnded{},
	)

	turn, err := waitRun(t, run)
	require.NoError(t, err)
	assert.True(t, turn.Closed)
	assert.Equal(t, "th-1", turn.ThreadID)
	require.Len(t, turn.Segments, 3)
	assert.Equal(t, "Let me search.", turn.Segments[0].Content)
	assert.Equal(t, domain.ToolCallCompleted, turn.Segments[1].Calls[0].Status)
	assert.Equal(t, "Found three.", turn.Segments[2].Content)
	assert.True(t, s.closed.Load(), "event stream must be closed")

	req := backend.lastRequest()
	assert.Equal(t, domain.RunRequest{ThreadID: "th-1", AssistantID: "agent", Message: "find go docs"}, req)
	assert.Equal(t, "th-1", run.ThreadID())

	snap := c.Snapshot()
	assert.Equal(t, domain.RunIdle, snap.Status)
	assert.Equal(t, "th-1", snap.ThreadID)
	assert.Empty(t, snap.ActiveTurn)

	bus.Close()
	types := rec.types()
	assert.Equal(t, []domain.EventType{
		domain.EventTurnStarted,
		domain.EventThreadBound,
		domain.EventToolCompleted,
		domain.EventTurnClosed,
	}, types)

	ev, ok := rec.find(domain.EventToolCompleted)
	require.True(t, ok)
	var payload domain.ToolCompletedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "3 hits", payload.Call.Result)
	assert.Equal(t, run.TurnID, payload.TurnID)
}

func TestStartTurnRejectsEmptyMessage(t *testing.T) {
	c, _, _, _ := newTestController(t, Config{})
	_, err := c.StartTurn(context.Background(), "", "  \n")
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)
}

func TestStartTurnUsesBoundThread(t *testing.T) {
	c, backend, _, _ := newTestController(t, Config{})

	run, err := c.StartTurn(context.Background(), "th-explicit", "one")
	require.NoError(t, err)
	backend.nextStream(t).send(domain.StreamEnded{})
	_, err = waitRun(t, run)
	require.NoError(t, err)

	run, err = c.StartTurn(context.Background(), "", "two")
	require.NoError(t, err)
	backend.nextStream(t).send(domain.StreamEnded{})
	_, err = waitRun(t, run)
	require.NoError(t, err)

	assert.Equal(t, "th-explicit", backend.lastRequest().ThreadID)
	assert.Zero(t, backend.creates)
}

func TestCancelMarksTurnAndCancelsServerSide(t *testing.T) {
	c, backend, bus, rec := newTestController(t, Config{})
	backend.header = domain.RunStream{RunID: "run-1"}

	assert.False(t, c.Cancel(), "cancel while idle is a no-op")

	run, err := c.StartTurn(context.Background(), "", "long task")
	require.NoError(t, err)
	s := backend.nextStream(t)
	s.send(domain.MessageDelta{Text: "Working on it"})
	waitForSegments(t, run, 1)

	assert.True(t, c.Cancel())
	assert.False(t, c.Cancel(), "second cancel is a no-op")

	turn, err := waitRun(t, run)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.True(t, turn.Closed)
	assert.True(t, turn.Cancelled)
	assert.Equal(t, "Working on it"+domain.CancelMarker, turn.Segments[0].Content)

	assert.Equal(t, cancelCall{"th-1", "run-1"}, backend.nextCancel(t))
	assert.Equal(t, domain.RunIdle, c.Snapshot().Status)

	bus.Close()
	ev, ok := rec.find(domain.EventStreamError)
	require.True(t, ok)
	var payload domain.StreamErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.True(t, payload.Cancelled)
	assert.Equal(t, domain.CodeCancelled, payload.Code)
	assert.Contains(t, rec.types(), domain.EventRunCancelled)
}

func TestCancelWithoutRunIDUsesThreadCancel(t *testing.T) {
	c, backend, _, _ := newTestController(t, Config{})

	run, err := c.StartTurn(context.Background(), "th-9", "hi")
	require.NoError(t, err)
	backend.nextStream(t)

	require.True(t, c.Cancel())
	turn, err := waitRun(t, run)
	assert.ErrorIs(t, err, domain.ErrCancelled)
	require.Len(t, turn.Segments, 1)
	assert.Equal(t, "[cancelled]", turn.Segments[0].Content)
	assert.Equal(t, cancelCall{"th-9", ""}, backend.nextCancel(t))
}

func TestRunTimeout(t *testing.T) {
	c, backend, _, _ := newTestController(t, Config{RunTimeout: 50 * time.Millisecond})
	backend.header = domain.RunStream{RunID: "run-t"}

	run, err := c.StartTurn(context.Background(), "", "slow")
	require.NoError(t, err)
	backend.nextStream(t)

	turn, err := waitRun(t, run)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.CodeRunTimeout, domain.ErrorCodeOf(err))
	assert.True(t, turn.Closed)
	assert.False(t, turn.Cancelled)
	assert.Contains(t, turn.Error, "run deadline exceeded")
	assert.Equal(t, cancelCall{"th-1", "run-t"}, backend.nextCancel(t))
	assert.Equal(t, domain.RunIdle, c.Snapshot().Status)
}

func TestTransportErrorClosesTurn(t *testing.T) {
	c, backend, bus, rec := newTestController(t, Config{})

	run, err := c.StartTurn(context.Background(), "", "hi")
	require.NoError(t, err)
	s := backend.nextStream(t)
	s.send(domain.MessageDelta{Text: "partial"})
	waitForSegments(t, run, 1)
	s.fail <- domain.NewDomainError("Decoder.Next", domain.ErrStreamTransport, "connection reset")

	turn, err := waitRun(t, run)
	assert.ErrorIs(t, err, domain.ErrStreamTransport)
	assert.True(t, turn.Closed)
	assert.Contains(t, turn.Error, "connection reset")
	assert.Equal(t, "partial", turn.Segments[0].Content)
	assert.True(t, turn.Segments[0].Complete)
	assert.Equal(t, domain.RunIdle, c.Snapshot().Status)

	bus.Close()
	ev, ok := rec.find(domain.EventStreamError)
	require.True(t, ok)
	var payload domain.StreamErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, domain.CodeStreamTransport, payload.Code)
}

func TestBackendErrorEventFailsRun(t *testing.T) {
	c, backend, _, _ := newTestController(t, Config{})

	run, err := c.StartTurn(context.Background(), "", "hi")
	require.NoError(t, err)
	backend.nextStream(t).send(domain.StreamError{Message: "GraphRecursionError"}, domain.StreamEnded{})

	turn, err := waitRun(t, run)
	assert.ErrorIs(t, err, domain.ErrRunFailed)
	assert.Equal(t, "GraphRecursionError", turn.Error)
}

func TestStreamErrorEndsRunBeforeLaterEvents(t *testing.T) {
	c, backend, _, _ := newTestController(t, Config{})

	run, err := c.StartTurn(context.Background(), "th-1", "hi")
	require.NoError(t, err)
	s := backend.nextStream(t)
	s.send(
		domain.MessageDelta{Text: "partial"},
		domain.StreamError{Message: "boom"},
		domain.MessageDelta{Text: "after error"},
	)

	turn, err := waitRun(t, run)
	assert.ErrorIs(t, err, domain.ErrRunFailed)
	assert.True(t, turn.Closed)
	assert.Equal(t, "boom", turn.Error)
	require.Len(t, turn.Segments, 1)
	assert.Equal(t, "partial", turn.Segments[0].Content)
	assert.True(t, turn.Segments[0].Complete)
	assert.Equal(t, domain.RunIdle, c.Snapshot().Status)
	assert.True(t, s.closed.Load(), "stream is closed after the error")
}

func TestTurnSpanCarriesSessionAndTurn(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	c, backend, _, _ := newTestController(t, Config{})
	run, err := c.StartTurn(context.Background(), "th-1", "hi")
	require.NoError(t, err)
	backend.nextStream(t).send(domain.StreamEnded{})
	_, err = waitRun(t, run)
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "session.turn", spans[0].Name())
	attrs := spans[0].Attributes()
	assert.Contains(t, attrs, attribute.String("session.id", c.ID()))
	assert.Contains(t, attrs, attribute.String("turn.id", run.TurnID))
}

func TestEOFWithoutEndClosesTurn(t *testing.T) {
	c, backend, _, _ := newTestController(t, Config{})

	run, err := c.StartTurn(context.Background(), "", "hi")
	require.NoError(t, err)
	s := backend.nextStream(t)
	s.send(domain.MessageDelta{Text: "done"})
	close(s.events)

	turn, err := waitRun(t, run)
	require.NoError(t, err)
	assert.True(t, turn.Closed)
	assert.True(t, turn.Segments[0].Complete)
}

func TestStreamRunFailure(t *testing.T) {
	c, backend, _, _ := newTestController(t, Config{})
	backend.streamErr = domain.ErrBackendUnavailable

	run, err := c.StartTurn(context.Background(), "", "hi")
	require.NoError(t, err)

	turn, err := waitRun(t, run)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.True(t, turn.Closed)
	assert.NotEmpty(t, turn.Error)
	assert.Equal(t, "th-1", c.ThreadID(), "created thread stays bound")
}

func TestCreateThreadFailure(t *testing.T) {
	c, backend, _, _ := newTestController(t, Config{})
	backend.createErr = domain.ErrAuthInvalid

	run, err := c.StartTurn(context.Background(), "", "hi")
	require.NoError(t, err)
	_, err = waitRun(t, run)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
	assert.Equal(t, domain.RunIdle, c.Snapshot().Status)
}

func TestSingleFlightCancelsPreviousRun(t *testing.T) {
	c, backend, _, _ := newTestController(t, Config{})

	first, err := c.StartTurn(context.Background(), "", "first")
	require.NoError(t, err)
	backend.nextStream(t)

	second, err := c.StartTurn(context.Background(), "", "second")
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatal("previous run must be finished before the next starts")
	}
	turn, err := first.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.True(t, turn.Cancelled)

	backend.nextStream(t).send(domain.MessageDelta{Text: "ok"}, domain.StreamEnded{})
	turn, err = waitRun(t, second)
	require.NoError(t, err)
	assert.Equal(t, "second", turn.UserMessage)
	assert.Equal(t, "th-1", backend.lastRequest().ThreadID)
}

func TestHeaderThreadRebindsSession(t *testing.T) {
	c, backend, bus, rec := newTestController(t, Config{})
	backend.header = domain.RunStream{RunID: "run-h", ThreadID: "th-new"}

	run, err := c.StartTurn(context.Background(), "th-old", "hi")
	require.NoError(t, err)
	backend.nextStream(t).send(
		domain.RunStarted{RunID: "run-meta", ThreadID: "th-meta"},
		domain.StreamEnded{},
	)

	turn, err := waitRun(t, run)
	require.NoError(t, err)
	assert.Equal(t, "th-new", turn.ThreadID)
	assert.Equal(t, "run-h", turn.RunID, "header run id wins over metadata")
	assert.Equal(t, "th-new", c.ThreadID())
	assert.Equal(t, "th-new", run.ThreadID())

	bus.Close()
	ev, ok := rec.find(domain.EventThreadBound)
	require.True(t, ok)
	var payload domain.ThreadBoundPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, domain.ThreadBoundPayload{Previous: "th-old", Current: "th-new"}, payload)
}

func TestMetadataFillsMissingHeaders(t *testing.T) {
	c, backend, bus, rec := newTestController(t, Config{})

	run, err := c.StartTurn(context.Background(), "th-1", "hi")
	require.NoError(t, err)
	backend.nextStream(t).send(
		domain.RunStarted{RunID: "run-meta", ThreadID: "th-1"},
		domain.StreamEnded{},
	)

	turn, err := waitRun(t, run)
	require.NoError(t, err)
	assert.Equal(t, "run-meta", turn.RunID)
	assert.Equal(t, "run-meta", c.Snapshot().RunID)

	bus.Close()
	ev, ok := rec.find(domain.EventRunStarted)
	require.True(t, ok)
	var payload domain.RunStartedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "run-meta", payload.RunID)
	_, rebound := rec.find(domain.EventThreadBound)
	assert.False(t, rebound)
}

func TestUpdatesCarryRevisions(t *testing.T) {
	c, backend, _, _ := newTestController(t, Config{})

	run, err := c.StartTurn(context.Background(), "th-1", "hi")
	require.NoError(t, err)
	s := backend.nextStream(t)

	s.send(domain.MessageDelta{Text: "a"})
	first := waitForSegments(t, run, 1)
	s.send(domain.MessageDelta{Text: "ab"}, domain.StreamEnded{})

	var last domain.Turn
	for snap := range run.Updates() {
		last = snap
	}
	assert.True(t, last.Closed, "the final snapshot is always delivered")
	assert.Greater(t, last.Revision, first.Revision)
	assert.Equal(t, "ab", last.Segments[0].Content)
}

func TestRunPublishCoalesces(t *testing.T) {
	run := newRun("t", "", func(error) {})
	run.publish(domain.Turn{Revision: 1})
	run.publish(domain.Turn{Revision: 2})
	run.publish(domain.Turn{Revision: 3})

	got := <-run.Updates()
	assert.Equal(t, uint64(3), got.Revision)
	select {
	case <-run.Updates():
		t.Fatal("stale snapshots must be dropped")
	default:
	}
}

func TestForgetThread(t *testing.T) {
	c, backend, _, _ := newTestController(t, Config{})
	backend.threadID = "th-fresh"

	run, err := c.StartTurn(context.Background(), "th-old", "hi")
	require.NoError(t, err)
	backend.nextStream(t).send(domain.StreamEnded{})
	_, err = waitRun(t, run)
	require.NoError(t, err)

	c.ForgetThread()
	assert.Empty(t, c.ThreadID())

	run, err = c.StartTurn(context.Background(), "", "again")
	require.NoError(t, err)
	backend.nextStream(t).send(domain.StreamEnded{})
	turn, err := waitRun(t, run)
	require.NoError(t, err)
	assert.Equal(t, "th-fresh", turn.ThreadID)
	assert.Equal(t, 1, backend.creates)
}

func TestCloseCancelsActiveRun(t *testing.T) {
	c, backend, bus, rec := newTestController(t, Config{})

	run, err := c.StartTurn(context.Background(), "th-1", "hi")
	require.NoError(t, err)
	backend.nextStream(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))

	select {
	case <-run.Done():
	default:
		t.Fatal("close must wait for the run")
	}
	backend.nextCancel(t)

	_, err = c.StartTurn(context.Background(), "", "after close")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	require.NoError(t, c.Close(ctx), "close is idempotent")

	bus.Close()
	assert.Contains(t, rec.types(), domain.EventSessionClosed)
}
