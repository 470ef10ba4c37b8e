package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/lintd/pkg/cancel"
	"github.com/harun/lintd/pkg/promise"
)

// logBuffer is a goroutine-safe sink for the worker's log output
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) countLevel(t *testing.T, level string) int {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, line := range bytes.Split(b.buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["level"] == level {
			count++
		}
	}
	return count
}

// entries returns the log lines whose message is msg
func (b *logBuffer) entries(t *testing.T, msg string) []map[string]interface{} {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]interface{}
	for _, line := range bytes.Split(b.buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["message"] == msg {
			out = append(out, entry)
		}
	}
	return out
}

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *logBuffer) {
	t.Helper()
	logs := &logBuffer{}
	logger := zerolog.New(logs).Level(zerolog.DebugLevel)
	opts.Logger = &logger
	if opts.Name == "" {
		opts.Name = t.Name()
	}
	s := New(opts)
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
	})
	return s, logs
}

func awaitWithin(t *testing.T, p *promise.Promise[any]) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	value, err := p.Await(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "promise did not settle in time")
	return value, err
}

// blocker returns a command that runs until release is closed or it is canceled
func blocker(started chan<- struct{}, release <-chan struct{}, opts ...CommandOption) *Command {
	return NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		close(started)
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, opts...)
}

func TestScheduler_FIFOOrder(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	var mu sync.Mutex
	var order []int
	promises := make([]*promise.Promise[any], 0, 20)
	for i := 0; i < 20; i++ {
		i := i
		promises = append(promises, s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		})))
	}

	for i, p := range promises {
		value, err := awaitWithin(t, p)
		require.NoError(t, err)
		assert.Equal(t, i, value)
	}

	expected := make([]int, 20)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
}

func TestScheduler_MutualExclusion(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	var active atomic.Int32
	var overlapped atomic.Bool

	var mu sync.Mutex
	var promises []*promise.Promise[any]

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				pr := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
					if active.Add(1) > 1 {
						overlapped.Store(true)
					}
					time.Sleep(time.Millisecond)
					active.Add(-1)
					return nil, nil
				}))
				mu.Lock()
				promises = append(promises, pr)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, p := range promises {
		_, err := awaitWithin(t, p)
		require.NoError(t, err)
	}
	assert.False(t, overlapped.Load(), "two commands ran at the same time")
	assert.Equal(t, uint64(40), s.Stats().Completed)
}

func TestScheduler_PreCanceledCommandIsSkipped(t *testing.T) {
	s, logs := newTestScheduler(t, Options{})

	var ran atomic.Bool
	token := cancel.Canceled()
	p := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		ran.Store(true)
		return nil, nil
	}, WithToken(token)))

	assert.True(t, p.IsCanceled(), "promise must be settled synchronously")
	_, err := p.Await(context.Background())
	assert.ErrorIs(t, err, promise.ErrCanceled)
	assert.False(t, ran.Load())
	assert.Empty(t, s.Pending())
	assert.Equal(t, uint64(1), s.Stats().Precanceled)
	assert.Equal(t, 0, logs.countLevel(t, "error"))
}

func TestScheduler_CanceledWhileQueuedIsSkipped(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	first := s.Post(blocker(started, release))
	<-started

	var ran atomic.Bool
	cmd := NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	second := s.Post(cmd)
	cmd.Token().Cancel()
	close(release)

	_, err := awaitWithin(t, first)
	require.NoError(t, err)
	_, err = awaitWithin(t, second)
	assert.ErrorIs(t, err, promise.ErrCanceled)
	assert.False(t, ran.Load())
}

func TestScheduler_StopCancelsRunningAndPending(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	var interrupted atomic.Bool
	first := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		select {
		case <-time.After(300 * time.Millisecond):
			return "finished", nil
		case <-ctx.Done():
			interrupted.Store(true)
			return nil, ctx.Err()
		}
	}))

	var secondRan atomic.Bool
	second := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		secondRan.Store(true)
		return nil, nil
	}))

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, promise.Canceled, first.State())
	assert.True(t, interrupted.Load(), "running closure was not interrupted")
	assert.Equal(t, promise.Canceled, second.State())
	assert.False(t, secondRan.Load())
}

func TestScheduler_FailureIsolation(t *testing.T) {
	s, logs := newTestScheduler(t, Options{})

	boom := errors.New("boom")
	a := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return "a", nil
	}, WithName("a")))
	b := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return nil, boom
	}, WithName("b")))
	c := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return "c", nil
	}, WithName("c")))

	value, err := awaitWithin(t, a)
	require.NoError(t, err)
	assert.Equal(t, "a", value)

	_, err = awaitWithin(t, b)
	assert.ErrorIs(t, err, boom)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "b", execErr.Command)
	assert.Equal(t, promise.Failed, b.State())

	value, err = awaitWithin(t, c)
	require.NoError(t, err)
	assert.Equal(t, "c", value)

	assert.Equal(t, 1, logs.countLevel(t, "error"))
}

func TestScheduler_PanicIsIsolated(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	bad := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		panic("kaboom")
	}))
	good := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return "ok", nil
	}))

	_, err := awaitWithin(t, bad)
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)

	value, err := awaitWithin(t, good)
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
}

func TestScheduler_IdleStopIsQuiet(t *testing.T) {
	s, logs := newTestScheduler(t, Options{})

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	select {
	case <-s.Done():
	default:
		t.Fatal("worker still running after Stop")
	}
	assert.Equal(t, 0, logs.countLevel(t, "error"))
	assert.Equal(t, 0, logs.countLevel(t, "warn"))
}

func TestScheduler_StopInterruptsBlockedClosure(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	started := make(chan struct{})
	causes := make(chan error, 1)
	p := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		close(started)
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return nil, errors.New("interrupted")
	}))
	<-started

	require.NoError(t, s.Stop(context.Background()))

	assert.ErrorIs(t, <-causes, cancel.ErrCanceled)
	assert.Equal(t, promise.Canceled, p.State(), "an interrupted closure is canceled, not failed")
	assert.Equal(t, uint64(0), s.Stats().Failed)
}

func TestScheduler_PostAfterStopIsRejected(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	require.NoError(t, s.Stop(context.Background()))

	var ran atomic.Bool
	p := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		ran.Store(true)
		return nil, nil
	}))

	assert.True(t, p.IsCanceled())
	assert.False(t, ran.Load())
	assert.Equal(t, uint64(1), s.Stats().Rejected)
	assert.True(t, s.Stats().Stopped)
}

func TestScheduler_PostAfterStopLeavesSharedTokenActive(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	token := cancel.New()

	_, err := awaitWithin(t, s.Post(NewCommand(nil, WithToken(token))))
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))

	p := s.Post(NewCommand(nil, WithToken(token)))

	assert.True(t, p.IsCanceled())
	assert.False(t, token.IsCanceled(), "a rejected post must not cancel a token its caller still holds")
	assert.Equal(t, uint64(1), s.Stats().Rejected)
}

func TestScheduler_StopTimeout(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		close(started)
		<-release
		return nil, nil
	}))
	<-started

	ctx, cancelCtx := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelCtx()
	err := s.Stop(ctx)
	assert.ErrorIs(t, err, ErrStopTimeout)

	close(release)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after the closure returned")
	}
	assert.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_DoublePostRunsOnce(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	var runs atomic.Int32
	cmd := NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		runs.Add(1)
		return nil, nil
	})

	p1 := s.Post(cmd)
	p2 := s.Post(cmd)
	assert.Same(t, p1, p2)

	_, err := awaitWithin(t, p1)
	require.NoError(t, err)

	// flush the queue behind it
	_, err = awaitWithin(t, s.Post(NewCommand(nil)))
	require.NoError(t, err)
	assert.Equal(t, int32(1), runs.Load())
}

func TestScheduler_SupersedeReplacesQueuedCommand(t *testing.T) {
	s, logs := newTestScheduler(t, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	s.Post(blocker(started, release))
	<-started

	stale := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return "stale", nil
	}, WithSupersedeKey("module-a:main.go"), WithName("stale")))
	other := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return "other", nil
	}, WithSupersedeKey("module-a:util.go")))
	fresh := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return "fresh", nil
	}, WithSupersedeKey("module-a:main.go")))

	assert.True(t, stale.IsCanceled())
	require.Len(t, s.Pending(), 2)
	close(release)

	value, err := awaitWithin(t, other)
	require.NoError(t, err)
	assert.Equal(t, "other", value)
	value, err = awaitWithin(t, fresh)
	require.NoError(t, err)
	assert.Equal(t, "fresh", value)
	assert.Equal(t, uint64(1), s.Stats().Superseded)

	superseded := logs.entries(t, "Command superseded")
	require.Len(t, superseded, 1)
	assert.Equal(t, "stale", superseded[0]["command"])
	assert.NotEmpty(t, superseded[0]["command_id"])
	assert.NotEmpty(t, superseded[0]["supersededBy"])
}

func TestScheduler_CancelModule(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	started := make(chan struct{})
	running := s.Post(blocker(started, make(chan struct{}), WithModuleKey("module-a")))
	<-started

	queuedA := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return "a", nil
	}, WithModuleKey("module-a")))
	queuedB := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return "b", nil
	}, WithModuleKey("module-b")))

	info, ok := s.Running()
	require.True(t, ok)
	assert.Equal(t, "module-a", info.ModuleKey)

	assert.Equal(t, 2, s.CancelModule("module-a"))

	_, err := awaitWithin(t, running)
	assert.ErrorIs(t, err, promise.ErrCanceled)
	assert.True(t, queuedA.IsCanceled())

	value, err := awaitWithin(t, queuedB)
	require.NoError(t, err)
	assert.Equal(t, "b", value)
}

func TestScheduler_WaitsForReadiness(t *testing.T) {
	s, _ := newTestScheduler(t, Options{ReadinessPollInterval: 5 * time.Millisecond})

	var ready atomic.Bool
	var mu sync.Mutex
	var order []string

	record := func(name string) WorkFunc {
		return func(ctx context.Context, token *cancel.Token) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	first := s.Post(NewCommand(record("first"), WithReadiness(ready.Load)))
	second := s.Post(NewCommand(record("second")))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, first.IsDone())
	assert.False(t, second.IsDone(), "commands behind a not-ready command must wait")

	ready.Store(true)

	_, err := awaitWithin(t, first)
	require.NoError(t, err)
	_, err = awaitWithin(t, second)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestScheduler_StopWhileWaitingForReadiness(t *testing.T) {
	s, _ := newTestScheduler(t, Options{ReadinessPollInterval: 5 * time.Millisecond})

	p := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return nil, nil
	}, WithReadiness(func() bool { return false })))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, p.IsCanceled())
}

func TestScheduler_Events(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	var mu sync.Mutex
	var seen []EventType
	record := func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	}
	s.On(EventEnqueued, record)
	s.On(EventStarted, record)
	s.On(EventCompleted, record)
	s.On(EventFailed, record)

	seenCount := func(n int) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == n
		}
	}

	_, err := awaitWithin(t, s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return nil, nil
	})))
	require.NoError(t, err)
	require.Eventually(t, seenCount(3), time.Second, 5*time.Millisecond)

	_, err = awaitWithin(t, s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return nil, errors.New("nope")
	})))
	require.Error(t, err)
	require.Eventually(t, seenCount(6), time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []EventType{
		EventEnqueued, EventStarted, EventCompleted,
		EventEnqueued, EventStarted, EventFailed,
	}, seen)
	mu.Unlock()

	s.Off(EventEnqueued)
	s.Post(NewCommand(nil))
	mu.Lock()
	assert.NotContains(t, seen[6:], EventEnqueued)
	mu.Unlock()
}

func TestScheduler_WarnsAboutLongQueueWait(t *testing.T) {
	s, logs := newTestScheduler(t, Options{WarnAfter: 20 * time.Millisecond})

	waiting := make(chan Event, 1)
	s.On(EventWaiting, func(e Event) {
		select {
		case waiting <- e:
		default:
		}
	})

	started := make(chan struct{})
	release := make(chan struct{})
	s.Post(blocker(started, release))
	<-started
	queued := s.Post(NewCommand(nil, WithName("queued")))

	select {
	case e := <-waiting:
		assert.Equal(t, "queued", e.Name)
		assert.Equal(t, 0, e.Data["queuePos"])
	case <-time.After(time.Second):
		t.Fatal("no waiting event")
	}
	close(release)

	_, err := awaitWithin(t, queued)
	require.NoError(t, err)
	assert.Equal(t, 1, logs.countLevel(t, "warn"))
}

func TestScheduler_ForwardedCancellation(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})

	ctx, cancelCtx := context.WithCancel(context.Background())
	token := cancel.New()
	defer token.Forward(ctx)()

	started := make(chan struct{})
	p := s.Post(blocker(started, make(chan struct{}), WithToken(token)))
	<-started

	cancelCtx()

	_, err := awaitWithin(t, p)
	assert.ErrorIs(t, err, promise.ErrCanceled)
}

func TestScheduler_PromiseCancelInterruptsClosure(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	token := cancel.New()

	started := make(chan struct{})
	causes := make(chan error, 1)
	p := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		close(started)
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return nil, ctx.Err()
	}, WithToken(token)))
	<-started

	require.True(t, p.Cancel())

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, promise.ErrCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("closure was not interrupted")
	}
	assert.False(t, token.IsCanceled())

	// the worker is free for the next command
	value, err := awaitWithin(t, s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return "next", nil
	})))
	require.NoError(t, err)
	assert.Equal(t, "next", value)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Canceled)
	assert.Equal(t, uint64(0), stats.Failed)
}

func TestScheduler_StopFromRunningCommand(t *testing.T) {
	s, logs := newTestScheduler(t, Options{StopTimeout: 300 * time.Millisecond})

	stopErr := make(chan error, 1)
	var stopTook time.Duration
	p := s.Post(NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		start := time.Now()
		stopErr <- s.Stop(ctx)
		stopTook = time.Since(start)
		return nil, nil
	}))
	queued := s.Post(NewCommand(nil))

	require.NoError(t, <-stopErr)
	_, err := awaitWithin(t, p)
	assert.ErrorIs(t, err, promise.ErrCanceled, "stopping cancels the running command")
	assert.Less(t, stopTook, 300*time.Millisecond)
	assert.True(t, queued.IsCanceled())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
	assert.Equal(t, 0, logs.countLevel(t, "error"))
}
