package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/harun/lintd/internal/tracing"
	"github.com/harun/lintd/pkg/cancel"
	"github.com/harun/lintd/pkg/promise"
)

// WorkFunc is the closure a command runs. ctx is done once the token is canceled or
// the scheduler is stopping.
type WorkFunc func(ctx context.Context, token *cancel.Token) (any, error)

// Command pairs a work closure with its cancellation token and result promise.
// A command is posted once.
type Command struct {
	id           string
	name         string
	moduleKey    string
	supersedeKey string
	ready        func() bool
	work         WorkFunc
	token        *cancel.Token
	promise      *promise.Promise[any]
	ctx          context.Context

	enqueuedAt time.Time
	startedAt  time.Time
	posted     atomic.Bool
	finished   atomic.Bool
	// announced is closed once the enqueued event has been emitted
	announced chan struct{}
}

// CommandOption configures a command
type CommandOption func(*Command)

// WithName sets a human readable name used in logs, events and metrics
func WithName(name string) CommandOption {
	return func(c *Command) { c.name = name }
}

// WithModuleKey tags the command with the client module it belongs to
func WithModuleKey(key string) CommandOption {
	return func(c *Command) { c.moduleKey = key }
}

// WithSupersedeKey makes the command replace still-queued commands carrying the same key.
func WithSupersedeKey(key string) CommandOption {
	return func(c *Command) { c.supersedeKey = key }
}

// WithReadiness sets a predicate the worker waits on before running the closure.
func WithReadiness(ready func() bool) CommandOption {
	return func(c *Command) { c.ready = ready }
}

// WithToken shares an existing token with the command instead of a fresh one.
func WithToken(token *cancel.Token) CommandOption {
	return func(c *Command) {
		if token != nil {
			c.token = token
		}
	}
}

// WithContext sets the context whose tracing values the command carries.
// Its cancellation is not inherited; use Token.Forward for that.
func WithContext(ctx context.Context) CommandOption {
	return func(c *Command) {
		if ctx != nil {
			c.ctx = ctx
		}
	}
}

// NewCommand creates a command around work
func NewCommand(work WorkFunc, opts ...CommandOption) *Command {
	cmd := &Command{
		id:      tracing.NewCommandID(),
		name:    "command",
		work:    work,
		token:   cancel.New(),
		promise: promise.New[any](),
		ctx:     context.Background(),

		announced: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cmd)
	}
	cmd.ctx = tracing.PropagateToCommand(tracing.Detach(cmd.ctx), cmd.id)
	return cmd
}

func (c *Command) ID() string { return c.id }
func (c *Command) Name() string { return c.name }
func (c *Command) ModuleKey() string { return c.moduleKey }
func (c *Command) SupersedeKey() string { return c.supersedeKey }
func (c *Command) Token() *cancel.Token { return c.token }
func (c *Command) Promise() *promise.Promise[any] { return c.promise }
func (c *Command) Context() context.Context { return c.ctx }

// Cancel cancels the token and settles the promise as canceled if still pending.
func (c *Command) Cancel() {
	c.token.Cancel()
	c.promise.Cancel()
}

// CommandInfo is a read-only view of a command for introspection.
type CommandInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ModuleKey    string    `json:"moduleKey,omitempty"`
	SupersedeKey string    `json:"supersedeKey,omitempty"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
}

func (c *Command) info() CommandInfo {
	return CommandInfo{
		ID:           c.id,
		Name:         c.name,
		ModuleKey:    c.moduleKey,
		SupersedeKey: c.supersedeKey,
		EnqueuedAt:   c.enqueuedAt,
		StartedAt:    c.startedAt,
	}
}
