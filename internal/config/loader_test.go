package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/lintd.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/lintd.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 8765, cfg.Gateway.Port)
		assert.Equal(t, "info", cfg.Logging.Level)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "lintd.json")

		testConfig := `{
			"data_dir": "` + filepath.ToSlash(tmpDir) + `",
			"logging": {"level": "debug"},
			"gateway": {"port": 9999, "shared_secret": "abc"},
			"analysis": {
				"rules": [{"ruleKey": "text:line-length", "params": {"maxLength": "80"}}],
				"modules": [{"key": "app", "base_dir": "/src/app"}]
			}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 9999, cfg.Gateway.Port)
		assert.Equal(t, "abc", cfg.Gateway.SharedSecret)
		assert.Equal(t, "127.0.0.1", cfg.Gateway.Host, "unset keys keep their defaults")
		require.Len(t, cfg.Analysis.Rules, 1)
		assert.Equal(t, "text:line-length", cfg.Analysis.Rules[0].RuleKey)
		assert.Equal(t, "80", cfg.Analysis.Rules[0].Params["maxLength"])
		require.Len(t, cfg.Analysis.Modules, 1)
		assert.Equal(t, "/src/app", cfg.Analysis.Modules[0].BaseDir)
	})

	t.Run("set default paths", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "lintd.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{}`), 0o644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.NotEmpty(t, cfg.DataDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "lintd.log"), cfg.Logging.File)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "lintd.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"gateway": {"shared_secret": "from-file"}}`), 0o644))
		t.Setenv("LINTD_GATEWAY_SHARED_SECRET", "from-env")
		t.Setenv("LINTD_LOGGING_LEVEL", "warn")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Gateway.SharedSecret)
		assert.Equal(t, "warn", cfg.Logging.Level)
	})

	t.Run("comments and trailing commas", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "lintd.json")
		content := `{
			// editors write settings like this
			"gateway": {"port": 7000, "shared_secret": "abc",},
			/* rule params keep their case */
			"analysis": {"rules": [{"ruleKey": "text:line-length", "params": {"maxLength": "100"}},]},
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 7000, cfg.Gateway.Port)
		require.Len(t, cfg.Analysis.Rules, 1)
		assert.Equal(t, "100", cfg.Analysis.Rules[0].Params["maxLength"])
	})

	t.Run("invalid JSON", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0o644))

		_, err := NewLoader(configPath).Load()

		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("save config to file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "lintd.json")

		cfg := validConfig()
		cfg.Gateway.Port = 7000
		cfg.Analysis.DisabledRules = []string{"text:todo-comment"}

		loader := NewLoader(configPath)
		require.NoError(t, loader.Save(cfg))

		info, err := os.Stat(configPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		loaded, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "s3cret", loaded.Gateway.SharedSecret)
		assert.Equal(t, 7000, loaded.Gateway.Port)
		assert.Equal(t, []string{"text:todo-comment"}, loaded.Analysis.DisabledRules)
	})

	t.Run("create directory if not exists", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "subdir", "lintd.json")

		require.NoError(t, NewLoader(configPath).Save(validConfig()))

		_, err := os.Stat(filepath.Dir(configPath))
		assert.NoError(t, err)
	})
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("custom path", func(t *testing.T) {
		loader := NewLoader("/custom/path/lintd.json")
		assert.Equal(t, "/custom/path/lintd.json", loader.GetConfigPath())
	})

	t.Run("default path", func(t *testing.T) {
		path := NewLoader("").GetConfigPath()
		assert.NotEmpty(t, path)
		assert.Contains(t, path, ".lintd")
		assert.Equal(t, "lintd.json", filepath.Base(path))
	})
}
