// Package cancel provides the cancellation token shared between a command's producer
// and the scheduler worker that executes it.
//
// A Token is monotonic: once canceled it stays canceled. Querying it never blocks.
// Work closures poll IsCanceled at safe points; closures that block instead receive a
// context derived with Bind, which is done as soon as the token is canceled.
package cancel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCanceled is reported by Err once the token has been canceled.
var ErrCanceled = errors.New("canceled")

// Token is a thread-safe, write-once cancellation flag.
type Token struct {
	canceled atomic.Bool
	once     sync.Once
	done     chan struct{}
}

// New creates an active token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Canceled returns a token that is already canceled.
func Canceled() *Token {
	t := New()
	t.Cancel()
	return t
}

// Cancel transitions the token to canceled. Safe to call multiple times.
func (t *Token) Cancel() {
	t.once.Do(func() {
		t.canceled.Store(true)
		close(t.done)
	})
}

// IsCanceled reports whether Cancel has been called.
func (t *Token) IsCanceled() bool {
	return t.canceled.Load()
}

// Done returns a channel closed when the token is canceled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err returns ErrCanceled once the token is canceled, nil before.
func (t *Token) Err() error {
	if t.IsCanceled() {
		return ErrCanceled
	}
	return nil
}

// Forward cancels the token when ctx is done. It is how an external signal, such as a
// client cancel request or a caller deadline, reaches the command. The returned
// function detaches the forwarding and reports whether it was still attached.
func (t *Token) Forward(ctx context.Context) (stop func() bool) {
	if ctx == nil {
		return func() bool { return false }
	}
	return context.AfterFunc(ctx, t.Cancel)
}

// Bind derives a context that is done when parent is done or the token is canceled,
// whichever happens first. Context cause is ErrCanceled when the token fired.
func Bind(parent context.Context, t *Token) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	if t == nil {
		return ctx, func() { cancel(context.Canceled) }
	}
	if t.IsCanceled() {
		cancel(ErrCanceled)
		return ctx, func() {}
	}

	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-t.Done():
			cancel(ErrCanceled)
		case <-ctx.Done():
		case <-stopWatch:
		}
	}()

	var stopOnce sync.Once
	return ctx, func() {
		stopOnce.Do(func() { close(stopWatch) })
		cancel(context.Canceled)
	}
}
