// Package gateway is the WebSocket and HTTP surface for web front-ends.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentdeck/internal/domain"
)

const (
	sendQueueSize = 256
	maxFrameBytes = 1 << 20
	writeTimeout  = 5 * time.Second
)

var defaultOrigins = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

// RPCHandler handles a single RPC method call. The returned value is
// marshalled into the response payload.
type RPCHandler func(ctx context.Context, call *Call) (any, error)

// Call is one RPC request in flight.
type Call struct {
	Client  *ClientInfo
	Method  string
	Payload json.RawMessage

	server *Server
	conn   *clientConn
	after  []func()
}

// Decode unmarshals the payload into v.
func (c *Call) Decode(v any) error {
	if len(c.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return domain.NewDomainError(c.Method, domain.ErrRPCInvalidPayload, err.Error())
	}
	return nil
}

// Watch routes bus events for sessionID to the calling connection.
func (c *Call) Watch(sessionID string) {
	c.server.own(sessionID, c.conn)
}

// AfterReply schedules fn to run once the response frame is queued, so
// frames it sends follow the response.
func (c *Call) AfterReply(fn func()) {
	c.after = append(c.after, fn)
}

// Send queues an event frame for the calling connection, blocking while the
// queue is full. It reports false once the connection is gone.
func (c *Call) Send(method string, v any) bool {
	frame, err := eventFrame(method, v)
	if err != nil {
		c.server.logger.Warn("gateway: unencodable event", "method", method, "error", err)
		return true
	}
	return c.conn.send(frame)
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	id        uint64
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) send(f Frame) bool {
	select {
	case cc.sendCh <- f:
		return true
	case <-cc.done:
		return false
	}
}

func (cc *clientConn) trySend(f Frame) bool {
	select {
	case cc.sendCh <- f:
		return true
	default:
		return false
	}
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins sets the WebSocket origin patterns. Empty keeps the
// localhost defaults.
func WithAllowedOrigins(patterns []string) Option {
	return func(s *Server) {
		if len(patterns) > 0 {
			s.origins = patterns
		}
	}
}

// WithMiddleware wraps every HTTP route, including the WebSocket upgrade.
// The first middleware is outermost.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

// Server is the WebSocket gateway that exposes RPC methods and forwards
// session events to the connections that own the session.
type Server struct {
	bus        domain.EventBus
	auth       Authenticator
	validator  *payloadValidator
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	logger     *slog.Logger
	addr       string
	origins    []string
	middleware []func(http.Handler) http.Handler
	httpRoutes []httpRoute

	mu     sync.RWMutex
	conns  map[uint64]*clientConn
	owners map[string]map[uint64]*clientConn // session ID -> connections

	attachOnce sync.Once
	unsubAll   func()
	httpSrv    *http.Server
	boundAddr  string
	nextID     atomic.Uint64
}

type httpRoute struct {
	pattern string
	handler http.Handler
}

// NewServer creates a gateway server.
func NewServer(bus domain.EventBus, auth Authenticator, addr string, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := newPayloadValidator()
	if err != nil {
		panic(fmt.Sprintf("gateway: %v", err))
	}
	s := &Server{
		bus:       bus,
		auth:      auth,
		validator: validator,
		handlers:  make(map[string]RPCHandler),
		logger:    logger,
		addr:      addr,
		origins:   defaultOrigins,
		conns:     make(map[uint64]*clientConn),
		owners:    make(map[string]map[uint64]*clientConn),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Handler or Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.Handler) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Handler returns the gateway's HTTP handler and starts event forwarding.
func (s *Server) Handler() http.Handler {
	s.attachOnce.Do(func() {
		if s.bus != nil {
			s.unsubAll = s.bus.SubscribeAll(s.forward)
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for _, route := range s.httpRoutes {
		mux.Handle(route.pattern, route.handler)
	}
	var h http.Handler = mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	return h
}

// Start begins accepting connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubAll != nil {
		s.unsubAll()
	}

	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for _, cc := range s.conns {
		conns = append(conns, cc)
	}
	s.mu.Unlock()
	for _, cc := range conns {
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// Connections returns the number of open WebSocket connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(requestToken(r))
	if err != nil {
		s.logger.Debug("gateway auth rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	cc := &clientConn{
		id:     s.nextID.Add(1),
		info:   info,
		ws:     ws,
		sendCh: make(chan Frame, sendQueueSize),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[cc.id] = cc
	s.mu.Unlock()

	s.logger.Info("gateway client connected", "conn_id", cc.id, "client", info.Name)

	go s.writeLoop(cc)
	s.readLoop(domain.ContextWithClientName(r.Context(), info.Name), cc)

	cc.close()
	s.drop(cc)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", cc.id)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		_, data, err := cc.ws.Read(ctx)
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("gateway: malformed frame", "conn_id", cc.id, "error", err)
			cc.trySend(Frame{Type: FrameTypeResponse, Error: newFrameError(
				domain.NewDomainError("readLoop", domain.ErrRPCInvalidPayload, "frame is not valid JSON"))})
			continue
		}
		if frame.Type != FrameTypeRequest {
			continue
		}

		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				s.logger.Debug("gateway write failed", "conn_id", cc.id, "error", err)
				cc.close()
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	call := &Call{Client: cc.info, Method: req.Method, Payload: req.Payload, server: s, conn: cc}

	result, err := s.invoke(ctx, call)
	if err != nil && domain.ErrorCodeOf(err) == domain.CodeUnknown {
		s.logger.Error("rpc failed", "method", req.Method, "conn_id", cc.id, "error", err)
	}
	if !s.sendResponse(cc, req.ID, result, err) {
		return
	}
	for _, fn := range call.after {
		fn()
	}
}

func (s *Server) invoke(ctx context.Context, call *Call) (result any, err error) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[call.Method]
	s.handlersMu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError(call.Method, domain.ErrRPCMethodNotFound, "")
	}
	if err := s.validator.Validate(call.Method, call.Payload); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc handler panicked", "method", call.Method, "panic", r)
			call.after = nil
			result, err = nil, fmt.Errorf("rpc %s: handler panic", call.Method)
		}
	}()
	return handler(ctx, call)
}

func (s *Server) sendResponse(cc *clientConn, id uint64, result any, err error) bool {
	resp := Frame{Type: FrameTypeResponse, ID: id, Error: newFrameError(err)}
	if err == nil && result != nil {
		payload, mErr := json.Marshal(result)
		if mErr != nil {
			resp.Error = newFrameError(mErr)
		} else {
			resp.Payload = payload
		}
	}
	return cc.send(resp) && err == nil
}

// forward delivers a session event to the connections that own the session.
func (s *Server) forward(_ context.Context, ev domain.Event) {
	if ev.SessionID == "" {
		return
	}
	s.mu.RLock()
	owners := s.owners[ev.SessionID]
	targets := make([]*clientConn, 0, len(owners))
	for _, cc := range owners {
		targets = append(targets, cc)
	}
	s.mu.RUnlock()

	if len(targets) > 0 {
		frame, err := eventFrame(string(ev.Type), ev)
		if err != nil {
			s.logger.Warn("gateway: unencodable event", "type", ev.Type, "error", err)
			return
		}
		for _, cc := range targets {
			if !cc.trySend(frame) {
				s.logger.Warn("gateway: dropped event for slow client", "conn_id", cc.id, "type", ev.Type)
			}
		}
	}
	if ev.Type == domain.EventSessionClosed {
		s.mu.Lock()
		delete(s.owners, ev.SessionID)
		s.mu.Unlock()
	}
}

func (s *Server) own(sessionID string, cc *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[cc.id]; !ok {
		return
	}
	set := s.owners[sessionID]
	if set == nil {
		set = make(map[uint64]*clientConn)
		s.owners[sessionID] = set
	}
	set[cc.id] = cc
}

func (s *Server) drop(cc *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, cc.id)
	for id, set := range s.owners {
		delete(set, cc.id)
		if len(set) == 0 {
			delete(s.owners, id)
		}
	}
}
