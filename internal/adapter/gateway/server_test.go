package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentdeck/internal/domain"
	"agentdeck/internal/infra/config"
	"agentdeck/internal/usecase/eventbus"
	"agentdeck/internal/usecase/session"
)

// --- test doubles ---

// scriptStream replays a fixed event list. With block set it then waits for
// the run context, like an open HTTP body.
type scriptStream struct {
	ctx    context.Context
	mu     sync.Mutex
	events []domain.NormalizedEvent
	block  bool
}

func (s *scriptStream) Next() (domain.NormalizedEvent, error) {
	s.mu.Lock()
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		s.mu.Unlock()
		return ev, nil
	}
	s.mu.Unlock()
	if s.block {
		<-s.ctx.Done()
		return nil, context.Cause(s.ctx)
	}
	return nil, io.EOF
}

func (s *scriptStream) Close() error { return nil }

type scriptBackend struct {
	mu      sync.Mutex
	script  []domain.NormalizedEvent
	block   bool
	cancels int
}

func (b *scriptBackend) set(block bool, script ...domain.NormalizedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script, b.block = script, block
}

func (b *scriptBackend) CreateThread(context.Context) (string, error) { return "th-1", nil }

func (b *scriptBackend) StreamRun(ctx context.Context, req domain.RunRequest) (*domain.RunStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := append([]domain.NormalizedEvent(nil), b.script...)
	return &domain.RunStream{
		RunID:    "run-1",
		ThreadID: req.ThreadID,
		Events:   &scriptStream{ctx: ctx, events: events, block: b.block},
	}, nil
}

func (b *scriptBackend) CancelRun(context.Context, string, string) error {
	b.mu.Lock()
	b.cancels++
	b.mu.Unlock()
	return nil
}

const testToken = "test-token"

type harness struct {
	srv      *Server
	http     *httptest.Server
	bus      *eventbus.Bus
	sessions *session.Manager
	backend  *scriptBackend
}

func newHarness(t *testing.T, tweak ...func(*HandlerDeps)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(logger)
	backend := &scriptBackend{}
	sessions := session.NewManager(backend, bus, session.Config{AssistantID: "agent"}, logger)

	auth := NewStaticTokenAuth([]config.TokenConfig{{Token: testToken, Name: "tester"}})
	srv := NewServer(bus, auth, "127.0.0.1:0", logger)
	deps := HandlerDeps{Sessions: sessions, Bus: bus, Logger: logger, Version: "test"}
	for _, fn := range tweak {
		fn(&deps)
	}
	RegisterDefaultHandlers(srv, deps)
	RegisterRESTHandlers(srv, deps)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop(context.Background())
		hs.Close()
		sessions.Shutdown(context.Background())
		bus.Close()
	})
	return &harness{srv: srv, http: hs, bus: bus, sessions: sessions, backend: backend}
}

type wsClient struct {
	t      *testing.T
	ws     *websocket.Conn
	nextID uint64
}

func (h *harness) dial(t *testing.T) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws?token=" + testToken
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) call(method string, payload any) uint64 {
	c.t.Helper()
	c.nextID++
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(c.t, wsjson.Write(ctx, c.ws, Frame{Type: FrameTypeRequest, ID: c.nextID, Method: method, Payload: raw}))
	return c.nextID
}

func (c *wsClient) read() Frame {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var f Frame
	require.NoError(c.t, wsjson.Read(ctx, c.ws, &f))
	return f
}

// response reads frames until the response for id, returning the frames
// skipped on the way.
func (c *wsClient) response(id uint64) (Frame, []Frame) {
	c.t.Helper()
	var skipped []Frame
	for {
		f := c.read()
		if f.Type == FrameTypeResponse && f.ID == id {
			return f, skipped
		}
		skipped = append(skipped, f)
	}
}

func (c *wsClient) rpc(method string, payload any) Frame {
	c.t.Helper()
	resp, _ := c.response(c.call(method, payload))
	return resp
}

// --- tests ---

func TestUpgradeRejectsBadToken(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.http.URL + "/ws?token=wrong")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpgradeAcceptsBearerHeader(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + testToken}},
	})
	require.NoError(t, err)
	ws.Close(websocket.StatusNormalClosure, "")
}

func TestUnknownMethod(t *testing.T) {
	c := newHarness(t).dial(t)
	resp := c.rpc("nope.method", map[string]any{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeRPCMethodNotFound, resp.Error.Code)
}

func TestPayloadValidation(t *testing.T) {
	c := newHarness(t).dial(t)
	tests := []struct {
		method  string
		payload any
	}{
		{"chat.send", map[string]any{}},
		{"chat.send", map[string]any{"content": ""}},
		{"chat.send", map[string]any{"content": 42}},
		{"chat.cancel", map[string]any{}},
		{"session.get", map[string]any{"session_id": 7}},
	}
	for _, tt := range tests {
		resp := c.rpc(tt.method, tt.payload)
		require.NotNil(t, resp.Error, "%s %v", tt.method, tt.payload)
		assert.Equal(t, domain.CodeRPCInvalidPayload, resp.Error.Code)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	c := newHarness(t).dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.ws.Write(ctx, websocket.MessageText, []byte("{not json")))

	f := c.read()
	assert.Equal(t, FrameTypeResponse, f.Type)
	require.NotNil(t, f.Error)
	assert.Equal(t, domain.CodeRPCInvalidPayload, f.Error.Code)

	resp := c.rpc("nope", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeRPCMethodNotFound, resp.Error.Code)
}

func TestEventsReachOnlyOwners(t *testing.T) {
	h := newHarness(t)
	ctrl, _, err := h.sessions.GetOrCreate("")
	require.NoError(t, err)

	owner := h.dial(t)
	other := h.dial(t)
	resp := owner.rpc("session.get", map[string]string{"session_id": ctrl.ID()})
	require.Nil(t, resp.Error)

	h.bus.Publish(context.Background(), domain.NewEvent(domain.EventThreadBound, ctrl.ID(),
		domain.ThreadBoundPayload{Current: "th-9"}))

	// session.created may still be in flight from GetOrCreate.
	f := owner.read()
	for f.Method == string(domain.EventSessionCreated) {
		f = owner.read()
	}
	assert.Equal(t, FrameTypeEvent, f.Type)
	assert.Equal(t, string(domain.EventThreadBound), f.Method)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(f.Payload, &ev))
	assert.Equal(t, ctrl.ID(), ev.SessionID)

	// The other connection's next frame is its own response, not the event.
	id := other.call("nope", nil)
	next := other.read()
	assert.Equal(t, FrameTypeResponse, next.Type)
	assert.Equal(t, id, next.ID)
}

func TestConnectionsCount(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	c.rpc("nope", nil)
	assert.Equal(t, 1, h.srv.Connections())
}
