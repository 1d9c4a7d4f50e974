package session

import (
	"context"
	"sync"
)

// threadClaims records which run is streaming on each backend thread so
// that sessions sharing a thread never stream into it at the same time. A
// nil *threadClaims claims nothing.
type threadClaims struct {
	mu     sync.Mutex
	owners map[string]claim
}

type claim struct {
	owner *Controller
	run   *Run
}

func newThreadClaims() *threadClaims {
	return &threadClaims{owners: make(map[string]claim)}
}

// acquire claims threadID for run. A run of another session holding the
// thread is cancelled and awaited first.
func (t *threadClaims) acquire(ctx context.Context, threadID string, c *Controller, run *Run) error {
	if t == nil || threadID == "" {
		return nil
	}
	for {
		t.mu.Lock()
		cur, held := t.owners[threadID]
		if !held || cur.run == run {
			t.owners[threadID] = claim{owner: c, run: run}
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()

		c.logger.Info("thread busy in another session, cancelling its run",
			"thread_id", threadID,
			"holder_session_id", cur.owner.ID(),
		)
		cur.owner.cancelRun(cur.run)
		select {
		case <-cur.run.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// move transfers run's claim to threadID after a rebind. Another holder of
// threadID is cancelled but not awaited, since the run is already streaming.
func (t *threadClaims) move(threadID string, c *Controller, run *Run) {
	if t == nil || threadID == "" {
		return
	}
	t.mu.Lock()
	for id, cl := range t.owners {
		if cl.run == run {
			delete(t.owners, id)
		}
	}
	cur, held := t.owners[threadID]
	t.owners[threadID] = claim{owner: c, run: run}
	t.mu.Unlock()

	if held && cur.run != run {
		c.logger.Warn("rebound onto a thread streaming in another session",
			"thread_id", threadID,
			"holder_session_id", cur.owner.ID(),
		)
		cur.owner.cancelRun(cur.run)
	}
}

// release drops every claim held by run.
func (t *threadClaims) release(run *Run) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cl := range t.owners {
		if cl.run == run {
			delete(t.owners, id)
		}
	}
}
