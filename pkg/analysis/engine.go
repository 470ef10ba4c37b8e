package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/lintd/internal/metrics"
	"github.com/harun/lintd/internal/tracing"
	"github.com/harun/lintd/pkg/cancel"
	"github.com/harun/lintd/pkg/promise"
	"github.com/harun/lintd/pkg/scheduler"
)

// ErrEngineStopped is returned by engine operations after Stop
var ErrEngineStopped = errors.New("analysis engine is stopped")

// EngineOptions configures an Engine
type EngineOptions struct {
	Scheduler scheduler.Options
	Analyzers *Registry
	// DefaultRules are used when a request carries no ConfigSupplier
	DefaultRules []ActiveRule
	Logger       *zerolog.Logger
	Metrics      *metrics.Metrics
}

// Engine runs analyses and module operations through a single scheduler
type Engine struct {
	sched     *scheduler.Scheduler
	analyzers *Registry
	modules   *ModuleRegistry
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	rulesMu sync.RWMutex
	rules   []ActiveRule

	closeOnce sync.Once
}

// NewEngine creates an engine and starts its scheduler
func NewEngine(opts EngineOptions) *Engine {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Scheduler.Name == "" {
		opts.Scheduler.Name = "analysis"
	}
	if opts.Scheduler.Logger == nil {
		opts.Scheduler.Logger = &logger
	}
	analyzers := opts.Analyzers
	if analyzers == nil {
		analyzers, _ = NewRegistry()
	}

	e := &Engine{
		sched:     scheduler.New(opts.Scheduler),
		analyzers: analyzers,
		modules:   NewModuleRegistry(),
		logger:    logger.With().Str("component", "analysis").Logger(),
		metrics:   opts.Metrics,
	}
	e.SetDefaultRules(opts.DefaultRules)
	return e
}

// Scheduler returns the engine scheduler
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Analyzers returns the analyzer registry
func (e *Engine) Analyzers() *Registry { return e.analyzers }

// Modules returns the module registry
func (e *Engine) Modules() *ModuleRegistry { return e.modules }

// SetDefaultRules replaces the rules used by requests without a ConfigSupplier
func (e *Engine) SetDefaultRules(rules []ActiveRule) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	e.rules = append([]ActiveRule(nil), rules...)
}

// DefaultRules returns a copy of the default rules
func (e *Engine) DefaultRules() []ActiveRule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	return append([]ActiveRule(nil), e.rules...)
}

// Analyze posts an analysis. ctx only carries tracing values; cancel through
// req.Token (see cancel.Token.Forward). The promise resolves with *Results.
func (e *Engine) Analyze(ctx context.Context, req AnalyzeRequest) (*promise.Promise[any], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.sched.IsStopped() {
		return nil, ErrEngineStopped
	}

	var module *Module
	if req.ModuleKey != "" {
		m, ok := e.modules.Get(req.ModuleKey)
		if !ok {
			return nil, fmt.Errorf("%w '%s'", ErrUnknownModule, req.ModuleKey)
		}
		module = &m
	}

	if req.AnalysisID == "" {
		req.AnalysisID = tracing.NewAnalysisID()
	}
	if req.Trigger == "" {
		req.Trigger = TriggerForced
	}
	if req.Token == nil {
		req.Token = cancel.New()
	}
	if req.ConfigSupplier == nil {
		req.ConfigSupplier = e.defaultConfigSupplier(module, req)
	}

	return e.sched.Post(e.newAnalyzeCommand(ctx, req)), nil
}

// defaultConfigSupplier resolves the request files inside the module (or the working
// directory) and applies the request rules, falling back to the engine defaults.
// With no files, the whole module is analyzed.
func (e *Engine) defaultConfigSupplier(module *Module, req AnalyzeRequest) ConfigSupplier {
	return func(ctx context.Context) (*Configuration, error) {
		config := &Configuration{
			ActiveRules:     req.Rules,
			ExtraProperties: req.ExtraProperties,
		}
		if len(config.ActiveRules) == 0 {
			config.ActiveRules = e.DefaultRules()
		}
		if module != nil {
			config.BaseDir = module.BaseDir
		}

		if len(req.Files) == 0 {
			if module == nil {
				return config, nil
			}
			files, err := module.Files(ctx)
			if err != nil {
				return nil, err
			}
			config.InputFiles = files
			return config, nil
		}

		for _, path := range req.Files {
			file, err := NewInputFile(config.BaseDir, path)
			if err != nil {
				return nil, err
			}
			if content, ok := req.Contents[path]; ok {
				file = file.WithContent(content)
			}
			config.InputFiles = append(config.InputFiles, file)
		}
		return config, nil
	}
}

// RegisterModule adds a module and posts its start notification to the analyzers
func (e *Engine) RegisterModule(ctx context.Context, module Module) (*promise.Promise[any], error) {
	if e.sched.IsStopped() {
		return nil, ErrEngineStopped
	}
	if err := e.modules.Register(module); err != nil {
		return nil, err
	}
	e.metrics.SetModulesRegistered(e.modules.Len())

	cmd := scheduler.NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return nil, e.notifyModule(ctx, module, ModuleListener.ModuleStarted)
	},
		scheduler.WithName("module.start"),
		scheduler.WithModuleKey(module.Key),
		scheduler.WithContext(tracing.WithModuleKey(ctx, module.Key)),
	)
	return e.sched.Post(cmd), nil
}

// UnregisterModule removes a module, cancels its queued and running commands, then
// posts its stop notification. The key is free for a new registration immediately.
func (e *Engine) UnregisterModule(ctx context.Context, moduleKey string) (*promise.Promise[any], error) {
	module, ok := e.modules.Unregister(moduleKey)
	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownModule, moduleKey)
	}
	e.metrics.SetModulesRegistered(e.modules.Len())

	canceled := e.sched.CancelModule(moduleKey)
	e.logger.Debug().
		Str("module_key", moduleKey).
		Int("canceled", canceled).
		Msg("Module unregistered")

	cmd := scheduler.NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		return nil, e.notifyModule(ctx, module, ModuleListener.ModuleStopped)
	}, scheduler.WithName("module.stop"), scheduler.WithContext(tracing.WithModuleKey(ctx, moduleKey)))
	return e.sched.Post(cmd), nil
}

// FireModuleFileEvent forwards a file change of a registered module to the analyzers
func (e *Engine) FireModuleFileEvent(ctx context.Context, moduleKey string, event FileEvent) (*promise.Promise[any], error) {
	module, ok := e.modules.Get(moduleKey)
	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownModule, moduleKey)
	}

	cmd := scheduler.NewCommand(func(ctx context.Context, token *cancel.Token) (any, error) {
		var errs []error
		for _, a := range e.analyzers.All() {
			listener, ok := a.(FileEventListener)
			if !ok {
				continue
			}
			if err := listener.OnFileEvent(ctx, module, event); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", a.Key(), err))
			}
		}
		return nil, errors.Join(errs...)
	},
		scheduler.WithName("module.file_event"),
		scheduler.WithModuleKey(moduleKey),
		scheduler.WithContext(tracing.WithModuleKey(ctx, moduleKey)),
	)
	return e.sched.Post(cmd), nil
}

func (e *Engine) notifyModule(ctx context.Context, module Module, notify func(ModuleListener, context.Context, Module) error) error {
	var errs []error
	for _, a := range e.analyzers.All() {
		listener, ok := a.(ModuleListener)
		if !ok {
			continue
		}
		if err := notify(listener, ctx, module); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// Stop stops the scheduler, then closes analyzers implementing io.Closer
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.sched.Stop(ctx); err != nil {
		return err
	}
	e.closeOnce.Do(func() {
		for _, a := range e.analyzers.All() {
			if closer, ok := a.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					e.logger.Warn().Err(err).Str("analyzer", a.Key()).Msg("Failed to close analyzer")
				}
			}
		}
	})
	return nil
}
