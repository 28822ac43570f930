package statemachine

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiroq/fluentcap/internal/diaglog"
)

// User is the opaque current user handed over by the identity layer.
type User struct {
	ID    string `json:"id"`
	Type  string `json:"type"` // "patient" or "slp"
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Context is the explicit session object passed to the components that need
// the current user. Close runs the registered teardown hooks once, newest
// first.
type Context struct {
	User      User
	SessionID string
	StartedAt time.Time
	Logger    *diaglog.Logger

	mu       sync.Mutex
	teardown []func()
	closed   bool
}

// NewContext starts a session for user.
func NewContext(user User, logger *diaglog.Logger) (*Context, error) {
	if user.ID == "" {
		return nil, errors.New("session requires a user id")
	}
	return &Context{
		User:      user,
		SessionID: uuid.NewString(),
		StartedAt: time.Now(),
		Logger:    logger,
	}, nil
}

// OnClose registers fn to run at teardown. Registering on a closed context
// runs fn immediately.
func (c *Context) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.teardown = append(c.teardown, fn)
	c.mu.Unlock()
}

// Close tears the session down. Later calls are no-ops.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.teardown
	c.teardown = nil
	c.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// Closed reports whether Close has run.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
