// Package eventbus is the in-process publish/subscribe hub between the session
// controller and its observers (history, artifact dispatch, gateway fan-out).
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"agentdeck/internal/domain"
)

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// mailbox is an unbounded FIFO drained by one goroutine per subscription.
// Each subscriber sees events in publish order; a slow subscriber never
// blocks Publish or other subscribers.
type mailbox struct {
	mu     sync.Mutex
	items  []delivery
	notify chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(d delivery) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, d)
	m.mu.Unlock()
	m.wake()
	return true
}

func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// close stops accepting deliveries. When drop is set, queued items are
// discarded instead of drained.
func (m *mailbox) close(drop bool) {
	m.mu.Lock()
	m.closed = true
	if drop {
		m.items = nil
	}
	m.mu.Unlock()
	m.wake()
}

// next blocks until a batch is available. ok is false once the mailbox is
// closed and empty.
func (m *mailbox) next() (batch []delivery, ok bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			batch, m.items = m.items, nil
			m.mu.Unlock()
			return batch, true
		}
		if m.closed {
			m.mu.Unlock()
			return nil, false
		}
		m.mu.Unlock()
		<-m.notify
	}
}

type subscription struct {
	id      uint64
	handler domain.EventHandler
	box     *mailbox
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

// Publish queues an event for matching typed subscribers and all-event
// subscribers. It never blocks on handlers.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	d := delivery{ctx: ctx, event: event}
	for _, sub := range b.typed[event.Type] {
		sub.box.push(d)
	}
	for _, sub := range b.allSubs {
		sub.box.push(d)
	}
}

func (b *Bus) start(sub *subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			batch, ok := sub.box.next()
			if !ok {
				return
			}
			for _, d := range batch {
				b.invoke(sub, d)
			}
		}
	}()
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"session_id", d.event.SessionID,
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

func (b *Bus) newSubscription(handler domain.EventHandler) *subscription {
	sub := &subscription{id: b.nextID.Add(1), handler: handler, box: newMailbox()}
	b.start(sub)
	return sub
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function. Events still queued for the handler when
// it unsubscribes are dropped.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.newSubscription(handler)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.typed[eventType] = remove(b.typed[eventType], sub.id)
			b.mu.Unlock()
			sub.box.close(true)
		})
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := b.newSubscription(handler)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.allSubs = remove(b.allSubs, sub.id)
			b.mu.Unlock()
			sub.box.close(true)
		})
	}
}

func remove(subs []*subscription, id uint64) []*subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Close prevents new publishes and waits until every queued event has been
// handled. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	for _, subs := range b.typed {
		for _, sub := range subs {
			sub.box.close(false)
		}
	}
	for _, sub := range b.allSubs {
		sub.box.close(false)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
