package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"github.com/harun/lintd/internal/config"
	"github.com/harun/lintd/internal/logger"
	"github.com/harun/lintd/internal/metrics"
	"github.com/harun/lintd/internal/observability"
	"github.com/harun/lintd/internal/tracing"
	"github.com/harun/lintd/pkg/analysis"
	"github.com/harun/lintd/pkg/analysis/textrules"
	"github.com/harun/lintd/pkg/gateway"
	"github.com/harun/lintd/pkg/scheduler"
)

// ErrSchedulerStopped is reported by Wait when the analysis scheduler stops
// while the daemon is still running.
var ErrSchedulerStopped = errors.New("analysis scheduler stopped unexpectedly")

// Daemon represents the lintd daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	engine        *analysis.Engine
	metrics       *metrics.Metrics
	gatewayServer *gateway.Server
	configWatcher *config.Watcher
	relay         *eventRelay

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config:  cfg,
		logger:  log,
		metrics: metrics.NewMetrics(),
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.Tracing.Enabled {
		opts := tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}
		if cfg.Tracing.LogSpans {
			spanLog := log.Component("tracing")
			opts.SpanLogger = &spanLog
		}
		if err := tracing.InitOpenTelemetry(opts); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Float64("sample_ratio", cfg.Tracing.SampleRatio).Msg("Tracing initialized")
		}
	}

	if err := d.initializeEngine(); err != nil {
		cancel()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize analysis engine: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		_ = d.engine.Stop(context.Background())
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.bindSchedulerEvents()
	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeEngine builds the analyzer registry and starts the analysis scheduler
func (d *Daemon) initializeEngine() error {
	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := os.MkdirAll(d.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, audit events are dropped")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	analyzers, err := analysis.NewRegistry(textrules.New())
	if err != nil {
		return fmt.Errorf("failed to register analyzers: %w", err)
	}

	zl := d.logger.GetZerolog()
	d.engine = analysis.NewEngine(analysis.EngineOptions{
		Scheduler: scheduler.Options{
			Name:                  "analysis",
			WarnAfter:             d.config.Scheduler.WarnAfter(),
			ReadinessPollInterval: d.config.Scheduler.ReadinessPoll(),
			StopTimeout:           d.config.Scheduler.StopTimeout(),
		},
		Analyzers:    analyzers,
		DefaultRules: d.config.EffectiveRules(textrules.DefaultRules()),
		Logger:       &zl,
		Metrics:      d.metrics,
	})
	d.logger.Info().
		Int("analyzers", len(analyzers.All())).
		Int("default_rules", len(d.engine.DefaultRules())).
		Msg("Analysis engine initialized")

	return nil
}

// initializeServices creates the gateway server when enabled
func (d *Daemon) initializeServices() error {
	if !d.config.Gateway.Enabled {
		d.logger.Info().Msg("Gateway disabled")
		return nil
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:              d.config.Gateway.Host,
		Port:              d.config.Gateway.Port,
		SharedSecret:      d.config.Gateway.SharedSecret,
		TickInterval:      d.config.Gateway.Tick(),
		RequestsPerMinute: d.config.Gateway.RequestsPerMinute,
		MaxConcurrent:     d.config.Gateway.MaxConcurrent,
		Engine:            d.engine,
		Metrics:           d.metrics,
		Logger:            d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server
	d.logger.Info().
		Str("host", d.config.Gateway.Host).
		Int("port", d.config.Gateway.Port).
		Msg("Gateway server initialized")
	return nil
}

// WatchConfig reloads the config file behind loader while the daemon runs.
// Must be called before Start.
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	w, err := config.NewWatcher(loader, 0)
	if err != nil {
		return err
	}
	w.Subscribe(d.applyConfig)
	d.configWatcher = w
	return nil
}

// applyConfig applies the parts of a reloaded config that can change at runtime
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.mu.Lock()
	previous := d.config
	d.config = cfg
	d.mu.Unlock()

	d.logger.SetLevel(cfg.Logging.Level)
	d.engine.SetDefaultRules(cfg.EffectiveRules(textrules.DefaultRules()))

	observability.RecordConfigAudit(d.ctx, "reload", "config-watcher", map[string]interface{}{
		"log_level":     cfg.Logging.Level,
		"default_rules": len(d.engine.DefaultRules()),
	})

	if d.gatewayServer != nil {
		d.gatewayServer.SetRateLimits(cfg.Gateway.RequestsPerMinute, cfg.Gateway.MaxConcurrent)
	}

	// rate limits apply live; compare the rest of the gateway section
	prevGateway, nextGateway := previous.Gateway, cfg.Gateway
	prevGateway.RequestsPerMinute, prevGateway.MaxConcurrent = 0, 0
	nextGateway.RequestsPerMinute, nextGateway.MaxConcurrent = 0, 0
	if prevGateway != nextGateway || previous.Scheduler != cfg.Scheduler || previous.Tracing != cfg.Tracing {
		d.logger.Warn().Msg("Gateway, scheduler and tracing settings take effect after a restart")
	}
	d.logger.Info().
		Str("log_level", cfg.Logging.Level).
		Int("default_rules", len(d.engine.DefaultRules())).
		Msg("Configuration applied")
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting lintd daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	ctx := tracing.WithTraceID(d.ctx, traceID)
	for _, module := range d.config.Modules() {
		if err := d.registerModule(ctx, module); err != nil {
			logger.Error().Err(err).Str("module_key", module.Key).Msg("Failed to register configured module")
			continue
		}
		logger.Info().Str("module_key", module.Key).Str("base_dir", module.BaseDir).Msg("Module registered")
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
			_ = d.lifecycle.Stop()
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	if d.configWatcher != nil {
		if err := d.configWatcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher")
		}
	}

	g, gctx := errgroup.WithContext(d.ctx)
	g.Go(func() error {
		d.eventLoop.Run(gctx)
		return nil
	})
	if d.relay != nil {
		g.Go(func() error {
			d.relay.run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-d.engine.Scheduler().Done():
			if d.Status().Running {
				return ErrSchedulerStopped
			}
			return nil
		}
	})
	d.group = g

	d.notifySystemd(sdnotify.SdNotifyReady)
	logger.Info().Msg("Daemon started successfully")

	return nil
}

func (d *Daemon) registerModule(ctx context.Context, module analysis.Module) error {
	p, err := d.engine.RegisterModule(ctx, module)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, d.config.Scheduler.StopTimeout())
	defer cancel()
	_, err = p.Await(waitCtx)
	return err
}

// Stop stops the daemon: gateway first so no new work arrives, then the
// scheduler, which cancels whatever is still queued or running.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.notifySystemd(sdnotify.SdNotifyStopping)

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping lintd daemon")

	if d.configWatcher != nil {
		if err := d.configWatcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if d.gatewayServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.gatewayServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
		cancel()
	}

	var stopErr error
	if err := d.engine.Stop(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Failed to stop analysis engine")
		stopErr = err
	} else {
		logger.Info().Msg("Analysis engine stopped")
	}

	d.cancel()

	if d.group != nil {
		done := make(chan error, 1)
		go func() { done <- d.group.Wait() }()

		select {
		case err := <-done:
			if err != nil {
				logger.Warn().Err(err).Msg("Background task ended with error")
			}
			logger.Info().Msg("All goroutines stopped")
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("Timeout waiting for goroutines to stop")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")

	return stopErr
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Scheduler scheduler.Stats
	Modules   int
}

// Status returns the current daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:   d.running,
		Scheduler: d.engine.Scheduler().Stats(),
		Modules:   d.engine.Modules().Len(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// RotateLogs starts fresh daemon and audit log files, e.g. on SIGHUP
func (d *Daemon) RotateLogs() {
	if err := d.logger.Rotate(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to rotate log file")
	}
	if err := observability.GetAuditLogger().Rotate(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to rotate audit log")
	}
	d.logger.Info().Msg("Log files rotated")
}

// Wait blocks until SIGINT/SIGTERM or a failed background task, then stops the daemon.
// SIGHUP rotates the log files and keeps waiting.
func (d *Daemon) Wait() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	failed := make(chan error, 1)
	if d.group != nil {
		go func() {
			if err := d.group.Wait(); err != nil {
				failed <- err
			}
		}()
	}

	var cause error
wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				d.RotateLogs()
				continue
			}
			d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
			break wait
		case cause = <-failed:
			d.logger.Error().Err(cause).Msg("Daemon background task failed")
			break wait
		}
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
		if cause == nil {
			cause = err
		}
	}
	return cause
}

// GetConfig returns the current configuration
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetEngine returns the analysis engine
func (d *Daemon) GetEngine() *analysis.Engine {
	return d.engine
}

// GetGatewayServer returns the gateway server, nil when disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
