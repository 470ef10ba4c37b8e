package daemon

import (
	"context"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"

	"github.com/harun/lintd/internal/observability"
)

const defaultMaintenanceInterval = 30 * time.Second

// EventLoop runs periodic maintenance while the daemon is up
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
	// watchdog pings systemd at this period; zero when no watchdog is configured
	watchdog time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	interval := d.config.Scheduler.Maintenance()
	if interval <= 0 {
		interval = defaultMaintenanceInterval
	}
	return &EventLoop{
		daemon:   d,
		interval: interval,
		watchdog: watchdogInterval(),
	}
}

// Run runs the event loop until ctx is done
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	var watchdog <-chan time.Time
	if e.watchdog > 0 {
		wt := time.NewTicker(e.watchdog)
		defer wt.Stop()
		watchdog = wt.C
	}

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)

		case <-watchdog:
			// a stopped scheduler cannot serve; let systemd restart us
			if !e.daemon.engine.Scheduler().IsStopped() {
				e.daemon.notifySystemd(sdnotify.SdNotifyWatchdog)
			}
		}
	}
}

// processTasks refreshes gauges and reports a command that has been running
// longer than the configured warning threshold.
func (e *EventLoop) processTasks(ctx context.Context) {
	engine := e.daemon.engine
	sched := engine.Scheduler()
	stats := sched.Stats()

	observability.SetQueueSize(stats.Name, stats.Pending)
	e.daemon.metrics.SetModulesRegistered(engine.Modules().Len())

	if stats.Pending > 0 || stats.Running {
		e.daemon.logger.Debug().
			Str("scheduler", stats.Name).
			Int("pending", stats.Pending).
			Bool("running", stats.Running).
			Uint64("completed", stats.Completed).
			Uint64("failed", stats.Failed).
			Uint64("canceled", stats.Canceled).
			Msg("Scheduler stats")
	}

	if relay := e.daemon.relay; relay != nil {
		if dropped := relay.takeDropped(); dropped > 0 {
			e.daemon.logger.Warn().Uint64("dropped", dropped).Msg("Scheduler events dropped, gateway relay is behind")
		}
	}

	warnAfter := e.daemon.GetConfig().Scheduler.WarnAfter()
	if running, ok := sched.Running(); ok && warnAfter > 0 && !running.StartedAt.IsZero() {
		if elapsed := time.Since(running.StartedAt); elapsed > warnAfter {
			e.daemon.logger.Warn().
				Str("command_id", running.ID).
				Str("command", running.Name).
				Str("module_key", running.ModuleKey).
				Dur("elapsed", elapsed).
				Msg("Command is taking long to complete")
		}
	}
}
