package chat

import (
	"context"
	"sync"

	"agentdeck/internal/domain"
	"agentdeck/internal/usecase/session"
)

// Conversation is the chat model's view of a session.
type Conversation interface {
	// Send starts a turn for message. The returned channel delivers turn
	// snapshots and is closed after the closed snapshot.
	Send(ctx context.Context, message string) (<-chan domain.Turn, error)
	Cancel() bool
	Reset()
	ThreadID() string
}

// ControllerConversation adapts a session controller. The initial thread,
// when set, is resumed by the first turn.
type ControllerConversation struct {
	ctrl *session.Controller

	mu     sync.Mutex
	resume string
}

// NewControllerConversation wraps ctrl. thread may be empty.
func NewControllerConversation(ctrl *session.Controller, thread string) *ControllerConversation {
	return &ControllerConversation{ctrl: ctrl, resume: thread}
}

// Send starts a turn on the controller.
func (c *ControllerConversation) Send(ctx context.Context, message string) (<-chan domain.Turn, error) {
	c.mu.Lock()
	thread := c.resume
	c.resume = ""
	c.mu.Unlock()

	run, err := c.ctrl.StartTurn(ctx, thread, message)
	if err != nil {
		return nil, err
	}
	return run.Updates(), nil
}

// Cancel stops the active run.
func (c *ControllerConversation) Cancel() bool { return c.ctrl.Cancel() }

// Reset forgets the bound thread so the next turn starts a new one.
func (c *ControllerConversation) Reset() {
	c.mu.Lock()
	c.resume = ""
	c.mu.Unlock()
	c.ctrl.ForgetThread()
}

// ThreadID returns the bound thread, falling back to the one waiting to be
// resumed.
func (c *ControllerConversation) ThreadID() string {
	if id := c.ctrl.ThreadID(); id != "" {
		return id
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resume
}

var _ Conversation = (*ControllerConversation)(nil)
