package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/lintd/internal/observability"
	"github.com/harun/lintd/internal/tracing"
	"github.com/harun/lintd/pkg/cancel"
	"github.com/harun/lintd/pkg/commandqueue"
	"github.com/harun/lintd/pkg/promise"
)

// run is the worker loop. It exits once the queue is closed or the scheduler is
// interrupted with nothing left to dispatch.
func (s *Scheduler) run() {
	defer close(s.done)
	defer observability.SetWorkerIdle(s.opts.Name)

	for {
		cmd, err := s.queue.Dequeue(s.ctx)
		if err != nil {
			if errors.Is(err, commandqueue.ErrClosed) || errors.Is(err, context.Canceled) {
				s.logger.Debug().Msg("Scheduler worker exiting")
			} else {
				s.logger.Warn().Err(err).Msg("Scheduler worker exiting unexpectedly")
			}
			return
		}
		s.dispatch(cmd)
	}
}

func (s *Scheduler) dispatch(cmd *Command) {
	defer observability.SetWorkerIdle(s.opts.Name)
	// keep a command's events in lifecycle order
	<-cmd.announced

	wait := time.Since(cmd.enqueuedAt)
	observability.RecordDispatch(s.opts.Name, wait, s.queue.Len())
	logger := s.commandLogger(cmd.ctx, cmd)

	if !s.claim(cmd) {
		cmd.Cancel()
		logger.Debug().Msg("Not picking next command, is canceled")
		s.finish(cmd, 0)
		return
	}
	defer s.release()

	if !s.awaitReady(cmd) {
		cmd.Cancel()
		logger.Debug().Msg("Command canceled while waiting to be ready")
		s.finish(cmd, 0)
		return
	}

	s.emit(eventFor(EventStarted, cmd, map[string]interface{}{
		"waitMs": wait.Milliseconds(),
	}))

	ctx, span := tracing.StartSpan(
		cmd.ctx,
		tracing.TracerScheduler,
		"scheduler.execute",
		attribute.String("scheduler", s.opts.Name),
		attribute.String("command", cmd.name),
		attribute.String("command_id", cmd.id),
	)
	logger = s.commandLogger(ctx, cmd)
	logger.Debug().Int64("waitMs", wait.Milliseconds()).Msg("Command started")

	// interrupting the worker cancels whatever it is running
	stopInterrupt := context.AfterFunc(s.ctx, cmd.token.Cancel)
	runCtx, releaseCtx := cancel.Bind(ctx, cmd.token)
	runCtx, abandon := context.WithCancelCause(context.WithValue(runCtx, workerKey{}, s))
	stopAbandon := abandonOnPromiseCancel(cmd, abandon)

	start := time.Now()
	value, err := s.invoke(runCtx, cmd)
	duration := time.Since(start)

	stopAbandon()
	abandon(nil)
	releaseCtx()
	stopInterrupt()

	switch {
	case cmd.token.IsCanceled() || cmd.promise.IsCanceled():
		cmd.promise.Cancel()
		event := logger.Debug().Dur("duration", duration)
		if err != nil {
			event = event.AnErr("closureErr", err)
		}
		event.Msg("Command canceled")
		tracing.EndSpan(span, nil)
	case err != nil:
		execErr := &ExecutionError{CommandID: cmd.id, Command: cmd.name, Err: err}
		if cmd.promise.Fail(execErr) {
			event := logger.Error().Err(err).Dur("duration", duration)
			var panicErr *PanicError
			if errors.As(err, &panicErr) {
				event = event.Str("stack", string(panicErr.Stack))
			}
			event.Msg("Command failed")
		}
		tracing.EndSpan(span, err)
	default:
		cmd.promise.Resolve(value)
		logger.Debug().Dur("duration", duration).Msg("Command completed")
		tracing.EndSpan(span, nil)
	}

	s.finish(cmd, duration)
}

// workerKey marks the contexts handed to work closures with their scheduler
type workerKey struct{}

// onWorker reports whether ctx belongs to a closure running on s
func (s *Scheduler) onWorker(ctx context.Context) bool {
	owner, _ := ctx.Value(workerKey{}).(*Scheduler)
	return owner == s
}

// abandonOnPromiseCancel interrupts the closure when a caller cancels the
// command's promise. The token is left alone since callers may share it.
func abandonOnPromiseCancel(cmd *Command, abandon context.CancelCauseFunc) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-cmd.promise.Done():
			abandon(promise.ErrCanceled)
		case <-done:
		}
	}()
	return func() { close(done) }
}

// claim makes cmd the running command unless it or the scheduler is canceled
func (s *Scheduler) claim(cmd *Command) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil || cmd.token.IsCanceled() || cmd.promise.IsDone() {
		return false
	}
	cmd.startedAt = time.Now()
	s.running = cmd
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.running = nil
	s.mu.Unlock()
}

// invoke runs the work closure, converting a panic into an error
func (s *Scheduler) invoke(ctx context.Context, cmd *Command) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if cmd.work == nil {
		return nil, nil
	}
	return cmd.work(ctx, cmd.token)
}

// awaitReady blocks until the command's readiness predicate holds. It reports false
// if the command or the scheduler is canceled first.
func (s *Scheduler) awaitReady(cmd *Command) bool {
	if cmd.ready == nil || cmd.ready() {
		return true
	}

	s.commandLogger(cmd.ctx, cmd).Debug().Msg("Command not ready, waiting")

	ticker := time.NewTicker(s.opts.ReadinessPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return false
		case <-cmd.token.Done():
			return false
		case <-cmd.promise.Done():
			return false
		case <-ticker.C:
			if cmd.ready() {
				return true
			}
		}
	}
}

// startWarnTimer logs once if cmd is still queued after WarnAfter
func (s *Scheduler) startWarnTimer(cmd *Command) {
	timer := time.NewTimer(s.opts.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		queuePos := -1
		for i, queued := range s.queue.Snapshot() {
			if queued == cmd {
				queuePos = i
				break
			}
		}
		if queuePos < 0 {
			return
		}

		waitMs := time.Since(cmd.enqueuedAt).Milliseconds()
		s.commandLogger(cmd.ctx, cmd).Warn().
			Int64("waitMs", waitMs).
			Int("queuePos", queuePos).
			Msg("Command waiting longer than expected")

		s.emit(eventFor(EventWaiting, cmd, map[string]interface{}{
			"waitMs":   waitMs,
			"queuePos": queuePos,
		}))
	case <-cmd.promise.Done():
	case <-s.ctx.Done():
	}
}
