package config

import (
	"fmt"
	"regexp"
	"strings"
)

var ruleKeyPattern = regexp.MustCompile(`^[^:\s]+:\S+$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePort validates a TCP port. Zero asks the OS for a free port.
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d (must be between 0 and 65535)", port)
	}
	return nil
}

// ValidateRuleKey validates a "repository:rule" key
func (v *Validator) ValidateRuleKey(key string) error {
	if !ruleKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid rule key: %q (expected repository:rule)", key)
	}
	return nil
}

// ValidateSampleRatio validates a trace sampling ratio
func (v *Validator) ValidateSampleRatio(ratio float64) error {
	if ratio < 0 || ratio > 1 {
		return fmt.Errorf("sample ratio must be between 0 and 1, got %f", ratio)
	}
	return nil
}

func nonNegative(name string, value int) error {
	if value < 0 {
		return fmt.Errorf("%s must be >= 0", name)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))
	add(nonNegative("logging.max_size", cfg.Logging.MaxSize))
	add(nonNegative("logging.max_age", cfg.Logging.MaxAge))
	add(nonNegative("logging.max_backups", cfg.Logging.MaxBackups))

	add(nonNegative("scheduler.warn_after_ms", cfg.Scheduler.WarnAfterMs))
	add(nonNegative("scheduler.readiness_poll_ms", cfg.Scheduler.ReadinessPollMs))
	add(nonNegative("scheduler.stop_timeout_ms", cfg.Scheduler.StopTimeoutMs))
	add(nonNegative("scheduler.maintenance_ms", cfg.Scheduler.MaintenanceMs))

	if cfg.Gateway.Enabled {
		add(v.ValidatePort(cfg.Gateway.Port))
		if cfg.Gateway.RequestsPerMinute <= 0 {
			add(fmt.Errorf("gateway.requests_per_minute must be > 0"))
		}
		if cfg.Gateway.MaxConcurrent <= 0 {
			add(fmt.Errorf("gateway.max_concurrent must be > 0"))
		}
	}

	for i, rule := range cfg.Analysis.Rules {
		if err := v.ValidateRuleKey(rule.RuleKey); err != nil {
			add(fmt.Errorf("analysis rule %d: %w", i, err))
		}
	}
	for _, key := range cfg.Analysis.DisabledRules {
		if err := v.ValidateRuleKey(key); err != nil {
			add(fmt.Errorf("analysis disabled_rules: %w", err))
		}
	}

	if cfg.Tracing.Enabled {
		add(v.ValidateSampleRatio(cfg.Tracing.SampleRatio))
	}

	return errs
}
