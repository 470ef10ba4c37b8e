package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/lintd/internal/observability"
	"github.com/harun/lintd/internal/tracing"
	"github.com/harun/lintd/pkg/commandqueue"
	"github.com/harun/lintd/pkg/promise"
)

const (
	defaultName                  = "default"
	defaultReadinessPollInterval = 100 * time.Millisecond
	defaultStopTimeout           = 10 * time.Second
)

// Options configures a Scheduler
type Options struct {
	// Name labels metrics and logs
	Name string
	// Logger defaults to the global zerolog logger
	Logger *zerolog.Logger
	// WarnAfter logs a warning for commands queued longer than this. Zero disables it.
	WarnAfter time.Duration
	// ReadinessPollInterval is how often a not-ready command is re-checked
	ReadinessPollInterval time.Duration
	// StopTimeout bounds Stop when its context has no deadline
	StopTimeout time.Duration
}

// Stats is a point-in-time summary of a scheduler
type Stats struct {
	Name        string `json:"name"`
	Pending     int    `json:"pending"`
	Running     bool   `json:"running"`
	Stopped     bool   `json:"stopped"`
	Posted      uint64 `json:"posted"`
	Rejected    uint64 `json:"rejected"`
	Precanceled uint64 `json:"precanceled"`
	Superseded  uint64 `json:"superseded"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	Canceled    uint64 `json:"canceled"`
}

type counters struct {
	posted      atomic.Uint64
	rejected    atomic.Uint64
	precanceled atomic.Uint64
	superseded  atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64
	canceled    atomic.Uint64
}

// Scheduler runs posted commands one at a time in posting order
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	queue  *commandqueue.Queue[*Command]

	// ctx is canceled by Stop to interrupt the worker
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	stopped  bool
	running  *Command
	stopOnce sync.Once

	stats counters

	eventMu       sync.RWMutex
	eventHandlers map[EventType][]EventHandler
}

// New creates a scheduler and starts its worker
func New(opts Options) *Scheduler {
	if opts.Name == "" {
		opts.Name = defaultName
	}
	if opts.ReadinessPollInterval <= 0 {
		opts.ReadinessPollInterval = defaultReadinessPollInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}

	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		opts:          opts,
		logger:        base.With().Str("scheduler", opts.Name).Logger(),
		queue:         commandqueue.New[*Command](),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		eventHandlers: make(map[EventType][]EventHandler),
	}

	go s.run()

	s.logger.Debug().Msg("Scheduler started")
	return s
}

// Name returns the scheduler name
func (s *Scheduler) Name() string {
	return s.opts.Name
}

// Post submits a command and returns its promise. Post never blocks on the worker.
//
// After Stop, or when the command's token is already canceled, the promise is
// settled as canceled and the command is not queued.
func (s *Scheduler) Post(cmd *Command) *promise.Promise[any] {
	if cmd == nil {
		return promise.Rejected[any]()
	}

	ctx, span := tracing.StartSpan(
		cmd.ctx,
		tracing.TracerScheduler,
		"scheduler.post",
		attribute.String("scheduler", s.opts.Name),
		attribute.String("command", cmd.name),
		attribute.String("command_id", cmd.id),
	)
	defer span.End()

	logger := s.commandLogger(ctx, cmd)

	if !cmd.posted.CompareAndSwap(false, true) {
		logger.Warn().Msg("Command already posted")
		return cmd.promise
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		// the token may be shared with other commands; only the promise is settled
		cmd.promise.Cancel()
		s.stats.rejected.Add(1)
		observability.RecordPost(s.opts.Name, "rejected", s.queue.Len())
		logger.Debug().Msg("Scheduler stopped, rejecting command")
		s.finish(cmd, 0)
		return cmd.promise
	}

	if cmd.token.IsCanceled() {
		s.mu.Unlock()
		cmd.promise.Cancel()
		s.stats.precanceled.Add(1)
		observability.RecordPost(s.opts.Name, "precanceled", s.queue.Len())
		logger.Debug().Msg("Not picking next command, is canceled")
		s.finish(cmd, 0)
		return cmd.promise
	}

	var superseded []*Command
	if cmd.supersedeKey != "" {
		superseded = s.queue.RemoveIf(func(queued *Command) bool {
			return queued.supersedeKey == cmd.supersedeKey
		})
	}

	cmd.enqueuedAt = time.Now()
	err := s.queue.Enqueue(cmd)
	queueSize := s.queue.Len()
	s.mu.Unlock()

	for _, old := range superseded {
		old.Cancel()
		s.stats.superseded.Add(1)
		s.commandLogger(old.ctx, old).Debug().
			Str("supersededBy", cmd.id).
			Msg("Command superseded")
		s.finish(old, 0)
	}

	if err != nil {
		// queue closed underneath us: treat as rejected
		cmd.promise.Cancel()
		s.stats.rejected.Add(1)
		observability.RecordPost(s.opts.Name, "rejected", queueSize)
		logger.Debug().Err(err).Msg("Scheduler stopped, rejecting command")
		s.finish(cmd, 0)
		return cmd.promise
	}

	s.stats.posted.Add(1)
	observability.RecordPost(s.opts.Name, "enqueued", queueSize)

	logger.Debug().
		Int("queueSize", queueSize).
		Msg("Command enqueued")

	s.emit(eventFor(EventEnqueued, cmd, map[string]interface{}{
		"queueSize": queueSize,
	}))
	close(cmd.announced)

	if s.opts.WarnAfter > 0 {
		go s.startWarnTimer(cmd)
	}

	return cmd.promise
}

// Stop rejects further posts, cancels the running command, cancels every queued
// command and waits for the worker to exit. It is idempotent. ErrStopTimeout is
// returned if the worker is still running when ctx is done (or after StopTimeout
// when ctx has no deadline).
//
// A work closure may stop its own scheduler by passing the ctx it was given;
// Stop then returns without waiting, as the worker exits once the closure returns.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.onWorker(ctx) {
		s.stopOnce.Do(s.beginStop)
		s.logger.Debug().Msg("Stop called from a running command, not waiting for the worker")
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.StopTimeout)
		defer cancel()
	}

	start := time.Now()
	s.stopOnce.Do(s.beginStop)

	select {
	case <-s.done:
		observability.RecordStop(time.Since(start))
		return nil
	case <-ctx.Done():
		s.logger.Error().
			Dur("waited", time.Since(start)).
			Msg("Scheduler worker did not terminate")
		return fmt.Errorf("%w: %w", ErrStopTimeout, ctx.Err())
	}
}

func (s *Scheduler) beginStop() {
	s.mu.Lock()
	s.stopped = true
	running := s.running
	// interrupt the worker while holding mu so it cannot start a command past this point
	s.cancel()
	s.mu.Unlock()

	if running != nil {
		s.commandLogger(running.ctx, running).Debug().Msg("Canceling running command")
		running.token.Cancel()
	}

	s.queue.Close()
	pending := s.queue.Snapshot()
	canceled := s.queue.DrainAndCancelAll()
	for _, cmd := range pending {
		s.finish(cmd, 0)
	}

	s.logger.Debug().
		Int("canceledPending", canceled).
		Bool("wasRunning", running != nil).
		Msg("Scheduler stopping")
}

// Done returns a channel closed once the worker has exited
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// IsStopped reports whether Stop has been called
func (s *Scheduler) IsStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// CancelWhere cancels every queued command matching pred and the running command
// if it matches. It returns the number of commands canceled.
func (s *Scheduler) CancelWhere(pred func(CommandInfo) bool) int {
	removed := s.queue.RemoveIf(func(cmd *Command) bool {
		return pred(cmd.info())
	})
	for _, cmd := range removed {
		cmd.Cancel()
		s.finish(cmd, 0)
	}

	count := len(removed)

	s.mu.Lock()
	running := s.running
	var match bool
	if running != nil {
		match = pred(running.info())
	}
	s.mu.Unlock()

	if match && !running.token.IsCanceled() {
		running.token.Cancel()
		count++
	}

	if count > 0 {
		s.logger.Debug().Int("canceled", count).Msg("Commands canceled")
	}
	return count
}

// CancelModule cancels the queued and running commands of a module
func (s *Scheduler) CancelModule(moduleKey string) int {
	return s.CancelWhere(func(info CommandInfo) bool {
		return info.ModuleKey == moduleKey
	})
}

// Running returns the command currently owned by the worker, if any
func (s *Scheduler) Running() (CommandInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == nil {
		return CommandInfo{}, false
	}
	return s.running.info(), true
}

// Pending returns the queued commands in dispatch order
func (s *Scheduler) Pending() []CommandInfo {
	queued := s.queue.Snapshot()
	out := make([]CommandInfo, 0, len(queued))
	for _, cmd := range queued {
		out = append(out, cmd.info())
	}
	return out
}

// Stats returns counters and queue state
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	running := s.running != nil
	stopped := s.stopped
	s.mu.Unlock()

	return Stats{
		Name:        s.opts.Name,
		Pending:     s.queue.Len(),
		Running:     running,
		Stopped:     stopped,
		Posted:      s.stats.posted.Load(),
		Rejected:    s.stats.rejected.Load(),
		Precanceled: s.stats.precanceled.Load(),
		Superseded:  s.stats.superseded.Load(),
		Completed:   s.stats.completed.Load(),
		Failed:      s.stats.failed.Load(),
		Canceled:    s.stats.canceled.Load(),
	}
}

func (s *Scheduler) commandLogger(ctx context.Context, cmd *Command) *zerolog.Logger {
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("command", cmd.name).Logger()
	return &logger
}

// finish records the terminal state of a settled command once
func (s *Scheduler) finish(cmd *Command, ran time.Duration) {
	state := cmd.promise.State()
	if state == promise.Pending || !cmd.finished.CompareAndSwap(false, true) {
		return
	}

	var eventType EventType
	switch state {
	case promise.Resolved:
		s.stats.completed.Add(1)
		eventType = EventCompleted
	case promise.Failed:
		s.stats.failed.Add(1)
		eventType = EventFailed
	default:
		s.stats.canceled.Add(1)
		eventType = EventCanceled
	}

	observability.RecordSettled(s.opts.Name, state.String(), ran)
	observability.RecordCommandAudit(cmd.ctx, cmd.name, s.opts.Name, state.String(), map[string]interface{}{
		"command_id": cmd.id,
		"module_key": cmd.moduleKey,
		"duration":   ran.Milliseconds(),
	})

	data := map[string]interface{}{
		"duration": ran.Milliseconds(),
		"state":    state.String(),
	}
	if state == promise.Failed {
		if _, _, err := cmd.promise.Poll(); err != nil {
			data["error"] = err.Error()
		}
	}
	s.emit(eventFor(eventType, cmd, data))
}
