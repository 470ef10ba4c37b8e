package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/lintd/pkg/analysis"
)

// Config represents the main lintd configuration
type Config struct {
	// Data directory (pid file, default log file)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Scheduler tuning
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Analysis rules and modules
	Analysis AnalysisConfig `json:"analysis" mapstructure:"analysis"`

	// OpenTelemetry tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	MaxSize    int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`   // days
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
	Console    bool   `json:"console" mapstructure:"console"`
}

// SchedulerConfig holds scheduler tuning, all durations in milliseconds
type SchedulerConfig struct {
	WarnAfterMs     int `json:"warn_after_ms" mapstructure:"warn_after_ms"`
	ReadinessPollMs int `json:"readiness_poll_ms" mapstructure:"readiness_poll_ms"`
	StopTimeoutMs   int `json:"stop_timeout_ms" mapstructure:"stop_timeout_ms"`
	MaintenanceMs   int `json:"maintenance_ms" mapstructure:"maintenance_ms"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled           bool   `json:"enabled" mapstructure:"enabled"`
	Port              int    `json:"port" mapstructure:"port"`
	Host              string `json:"host" mapstructure:"host"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	TickInterval      int    `json:"tick_interval_ms" mapstructure:"tick_interval_ms"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// AnalysisConfig holds the default rules and the modules registered at startup
type AnalysisConfig struct {
	// Rules replaces the built-in default rules when not empty
	Rules []analysis.ActiveRule `json:"rules" mapstructure:"rules"`
	// DisabledRules removes rules by key from the effective set
	DisabledRules []string       `json:"disabled_rules" mapstructure:"disabled_rules"`
	Modules       []ModuleConfig `json:"modules" mapstructure:"modules"`
}

// ModuleConfig is a module registered when the daemon starts
type ModuleConfig struct {
	Key     string   `json:"key" mapstructure:"key"`
	BaseDir string   `json:"base_dir" mapstructure:"base_dir"`
	Ignore  []string `json:"ignore" mapstructure:"ignore"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	LogSpans    bool    `json:"log_spans" mapstructure:"log_spans"` // finished spans go to the debug log
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
			Compress:   true,
			Redaction:  true,
			Console:    true,
		},
		Scheduler: SchedulerConfig{
			WarnAfterMs:     5000,
			ReadinessPollMs: 100,
			StopTimeoutMs:   10000,
			MaintenanceMs:   60000,
		},
		Gateway: GatewayConfig{
			Enabled:           true,
			Port:              8765,
			Host:              "127.0.0.1",
			TickInterval:      30000,
			RequestsPerMinute: 120,
			MaxConcurrent:     10,
		},
		Analysis: AnalysisConfig{
			Rules:         []analysis.ActiveRule{},
			DisabledRules: []string{},
			Modules:       []ModuleConfig{},
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "lintd",
			SampleRatio: 1.0,
		},
	}
}

// String returns a JSON representation of the config with the shared secret masked
func (c *Config) String() string {
	masked := *c
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway.Enabled && c.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway shared_secret is required when the gateway is enabled")
	}

	seen := make(map[string]bool, len(c.Analysis.Modules))
	for i, m := range c.Analysis.Modules {
		if m.Key == "" {
			return fmt.Errorf("module %d: key is required", i)
		}
		if m.BaseDir == "" {
			return fmt.Errorf("module %s: base_dir is required", m.Key)
		}
		if seen[m.Key] {
			return fmt.Errorf("module %s: duplicate key", m.Key)
		}
		seen[m.Key] = true
	}

	return errors.Join(NewValidator().ValidateConfig(c)...)
}

// EffectiveRules returns the configured rules, or defaults when none are configured,
// minus the disabled ones.
func (c *Config) EffectiveRules(defaults []analysis.ActiveRule) []analysis.ActiveRule {
	rules := c.Analysis.Rules
	if len(rules) == 0 {
		rules = defaults
	}
	if len(c.Analysis.DisabledRules) == 0 {
		return append([]analysis.ActiveRule(nil), rules...)
	}

	disabled := make(map[string]bool, len(c.Analysis.DisabledRules))
	for _, key := range c.Analysis.DisabledRules {
		disabled[key] = true
	}
	out := make([]analysis.ActiveRule, 0, len(rules))
	for _, rule := range rules {
		if !disabled[rule.RuleKey] {
			out = append(out, rule)
		}
	}
	return out
}

// Modules converts the configured modules for registration
func (c *Config) Modules() []analysis.Module {
	out := make([]analysis.Module, 0, len(c.Analysis.Modules))
	for _, m := range c.Analysis.Modules {
		out = append(out, analysis.Module{Key: m.Key, BaseDir: m.BaseDir, Ignore: m.Ignore})
	}
	return out
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// WarnAfter returns the queue wait after which commands are reported
func (s SchedulerConfig) WarnAfter() time.Duration { return millis(s.WarnAfterMs) }

// ReadinessPoll returns the readiness re-check interval
func (s SchedulerConfig) ReadinessPoll() time.Duration { return millis(s.ReadinessPollMs) }

// StopTimeout returns how long Stop waits for the worker
func (s SchedulerConfig) StopTimeout() time.Duration { return millis(s.StopTimeoutMs) }

// Maintenance returns the interval of the daemon maintenance loop
func (s SchedulerConfig) Maintenance() time.Duration { return millis(s.MaintenanceMs) }

// Tick returns the gateway tick interval
func (g GatewayConfig) Tick() time.Duration { return millis(g.TickInterval) }
