package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"
)

const (
	appDir     = ".lintd"
	configName = "lintd.json"
	envPrefix  = "LINTD"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file. A missing file yields the defaults.
// The file is JSON with optional comments and trailing commas.
// Environment variables such as LINTD_GATEWAY_SHARED_SECRET override file values.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	raw, err := os.ReadFile(configPath)
	if err == nil {
		// comments and trailing commas are allowed, as in editor settings files
		raw = jsonc.ToJSON(raw)
		if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := restoreRuleParams(raw, cfg); err != nil {
		return nil, err
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, appDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "lintd.log")
	}

	return cfg, nil
}

// restoreRuleParams re-reads the analysis rules with encoding/json.
// viper lowercases every map key, which would break camelCase rule params.
func restoreRuleParams(raw []byte, cfg *Config) error {
	if len(raw) == 0 {
		return nil
	}
	var file struct {
		Analysis struct {
			Rules json.RawMessage `json:"rules"`
		} `json:"analysis"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse analysis rules: %w", err)
	}
	if len(file.Analysis.Rules) == 0 {
		return nil
	}
	if err := json.Unmarshal(file.Analysis.Rules, &cfg.Analysis.Rules); err != nil {
		return fmt.Errorf("failed to parse analysis rules: %w", err)
	}
	return nil
}

// bindEnv registers the keys that can be set from the environment alone.
// AutomaticEnv only applies to keys viper already knows about.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"data_dir",
		"logging.level",
		"logging.file",
		"gateway.enabled",
		"gateway.port",
		"gateway.host",
		"gateway.shared_secret",
		"tracing.enabled",
	} {
		_ = v.BindEnv(key)
	}
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("logging", cfg.Logging)
	v.Set("scheduler", cfg.Scheduler)
	v.Set("gateway", cfg.Gateway)
	v.Set("analysis", cfg.Analysis)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	// the file holds the shared secret
	if err := os.Chmod(configPath, 0o600); err != nil {
		return fmt.Errorf("failed to restrict config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, appDir, configName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
