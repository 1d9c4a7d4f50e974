package session

import (
	"context"
	"sync"
	"sync/atomic"

	"agentdeck/internal/domain"
)

// Run is a handle on one streaming turn.
type Run struct {
	TurnID string

	updates chan domain.Turn
	done    chan struct{}
	cancel  context.CancelCauseFunc
	// opened is set once the run request may have reached the backend.
	opened atomic.Bool

	mu     sync.Mutex
	thread string
	final  domain.Turn
	err    error
}

func newRun(turnID, threadID string, cancel context.CancelCauseFunc) *Run {
	return &Run{
		TurnID:  turnID,
		updates: make(chan domain.Turn, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
		thread:  threadID,
	}
}

// Updates delivers turn snapshots. The channel holds at most one snapshot;
// a slow reader only ever sees the latest one. It is closed after the final
// (closed) snapshot has been offered.
func (r *Run) Updates() <-chan domain.Turn { return r.updates }

// Done is closed once the run has finished and the session is idle again.
func (r *Run) Done() <-chan struct{} { return r.done }

// ThreadID returns the thread the run is bound to. It may be empty until the
// backend has created the thread.
func (r *Run) ThreadID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thread
}

func (r *Run) setThread(id string) {
	r.mu.Lock()
	r.thread = id
	r.mu.Unlock()
}

// Wait blocks until the run finishes and returns the closed turn together
// with the error that ended it, if any.
func (r *Run) Wait(ctx context.Context) (domain.Turn, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return domain.Turn{}, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final.Clone(), r.err
}

// publish replaces any unread snapshot with t. Only the run goroutine sends.
func (r *Run) publish(t domain.Turn) {
	for {
		select {
		case r.updates <- t:
			return
		default:
		}
		select {
		case <-r.updates:
		default:
		}
	}
}

func (r *Run) finish(t domain.Turn, err error) {
	r.publish(t)
	close(r.updates)
	r.mu.Lock()
	r.final = t
	r.err = err
	r.mu.Unlock()
}
