// Package promise provides a write-once result cell with three terminal variants:
// Resolved(value), Failed(error) and Canceled. Cancellation is kept distinct from
// failure so callers can tell an aborted command from a broken one.
package promise

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCanceled is returned by Await and Poll for a canceled promise.
var ErrCanceled = errors.New("promise canceled")

// State is the lifecycle state of a promise.
type State int

const (
	Pending State = iota
	Resolved
	Failed
	Canceled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Promise is a single-assignment result cell. The zero value is not usable; use New.
type Promise[T any] struct {
	mu    sync.Mutex
	state State
	value T
	err   error
	done  chan struct{}
}

// New creates a pending promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve settles the promise with a value. It reports false if already settled.
func (p *Promise[T]) Resolve(value T) bool {
	return p.settle(Resolved, value, nil)
}

// Fail settles the promise with an error. It reports false if already settled.
func (p *Promise[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("promise failed with nil error")
	}
	var zero T
	return p.settle(Failed, zero, err)
}

// Cancel settles the promise as canceled. It reports false if already settled.
// For a scheduled command this abandons the result and interrupts the closure's
// context; the command's token is not canceled.
func (p *Promise[T]) Cancel() bool {
	var zero T
	return p.settle(Canceled, zero, ErrCanceled)
}

func (p *Promise[T]) settle(state State, value T, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Pending {
		return false
	}
	p.state = state
	p.value = value
	p.err = err
	close(p.done)
	return true
}

// Done returns a channel closed once the promise is settled.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// State returns the current state.
func (p *Promise[T]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsDone reports whether the promise reached a terminal state.
func (p *Promise[T]) IsDone() bool {
	return p.State() != Pending
}

// IsCanceled reports whether the promise was canceled.
func (p *Promise[T]) IsCanceled() bool {
	return p.State() == Canceled
}

// Poll returns the outcome without blocking. settled is false while pending.
func (p *Promise[T]) Poll() (value T, settled bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Pending {
		return value, false, nil
	}
	return p.value, true, p.err
}

// Await blocks until the promise settles or ctx is done. A canceled promise yields
// ErrCanceled; giving up on ctx yields ctx.Err() and leaves the promise untouched.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
		value, _, err := p.Poll()
		return value, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Rejected returns a promise already settled as canceled.
func Rejected[T any]() *Promise[T] {
	p := New[T]()
	p.Cancel()
	return p
}
