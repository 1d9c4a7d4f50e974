package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"agentdeck/internal/domain"
)

// Manager owns one Controller per UI session. Its sessions share a thread
// claim table, so at most one of them streams on a given thread.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Controller
	threads  *threadClaims

	backend domain.AgentBackend
	bus     domain.EventBus
	cfg     Config
	logger  *slog.Logger
	closed  bool
}

// NewManager creates an empty session manager. bus may be nil.
func NewManager(backend domain.AgentBackend, bus domain.EventBus, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Controller),
		threads:  newThreadClaims(),
		backend:  backend,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
	}
}

// validateSessionID accepts only canonical ULIDs.
func validateSessionID(id string) error {
	if _, err := ulid.ParseStrict(id); err != nil {
		return domain.NewSubSystemError("session", "Manager.GetOrCreate", domain.ErrInvalidInput, "session id must be a ULID")
	}
	return nil
}

// Get returns an existing session or ErrSessionNotFound.
func (m *Manager) Get(id string) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[id]
	if !ok {
		return nil, domain.NewSubSystemError("session", "Manager.Get", domain.ErrSessionNotFound, id)
	}
	return c, nil
}

// GetOrCreate returns the session for id, creating it when missing. An empty
// id always creates a session with a fresh ULID. created reports whether a
// new session was made.
func (m *Manager) GetOrCreate(id string) (c *Controller, created bool, err error) {
	if id != "" {
		if err := validateSessionID(id); err != nil {
			return nil, false, err
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, domain.NewDomainError("Manager.GetOrCreate", domain.ErrSessionClosed, "manager closed")
	}
	if id != "" {
		if c, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			return c, false, nil
		}
	} else {
		id = ulid.Make().String()
	}
	c = NewController(id, m.backend, m.bus, m.cfg, m.logger)
	c.threads = m.threads
	m.sessions[id] = c
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", id)
	if m.bus != nil {
		m.bus.Publish(domain.ContextWithSessionID(context.Background(), id),
			domain.NewEvent(domain.EventSessionCreated, id, c.Snapshot()))
	}
	return c, true, nil
}

// List returns a snapshot of every session, oldest first.
func (m *Manager) List() []domain.RunSession {
	m.mu.RLock()
	out := make([]domain.RunSession, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close removes a session, cancelling its run.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	c, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return domain.NewSubSystemError("session", "Manager.Close", domain.ErrSessionNotFound, id)
	}
	return c.Close(ctx)
}

// ReapIdle closes sessions without an active run that have been unused for
// at least ttl. Returns the number of sessions removed.
func (m *Manager) ReapIdle(ctx context.Context, ttl time.Duration) int {
	now := time.Now()

	m.mu.Lock()
	var stale []*Controller
	for id, c := range m.sessions {
		if c.Idle(ttl, now) {
			stale = append(stale, c)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, c := range stale {
		if err := c.Close(ctx); err != nil {
			m.logger.Warn("reap session failed", "session_id", c.ID(), "error", err)
		}
	}
	if len(stale) > 0 {
		m.logger.Info("reaped idle sessions", "count", len(stale), "ttl", ttl)
	}
	return len(stale)
}

// Shutdown closes every session. Later GetOrCreate calls fail.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		all = append(all, c)
	}
	m.sessions = make(map[string]*Controller)
	m.mu.Unlock()

	var errs []error
	for _, c := range all {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
