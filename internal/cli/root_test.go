package cli

import (
	"bytes"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/lintd/internal/config"
)

// runCLI executes the root command with args after resetting every flag
// left over from earlier runs.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	resetFlags(rootCmd)
	cfgFile = ""

	output := &bytes.Buffer{}
	rootCmd.SetOut(output)
	rootCmd.SetErr(output)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return output.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, child := range cmd.Commands() {
		resetFlags(child)
	}
}

// writeTestConfig saves a valid config under a temp data dir and returns its path
func writeTestConfig(t *testing.T, mutate func(cfg *config.Config)) string {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Logging.Console = false
	cfg.Gateway.SharedSecret = "s3cret"
	if mutate != nil {
		mutate(cfg)
	}

	path := filepath.Join(dir, "lintd.json")
	require.NoError(t, config.NewLoader(path).Save(cfg))
	return path
}

// pointAt directs the gateway config at a test server
func pointAt(t *testing.T, srv *httptest.Server) func(cfg *config.Config) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return func(cfg *config.Config) {
		cfg.Gateway.Host = host
		cfg.Gateway.Port = port
	}
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		output, err := runCLI(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, output, "lintd version")
		assert.Contains(t, output, version)
	})

	t.Run("version command", func(t *testing.T) {
		output, err := runCLI(t, "version")
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(output, "lintd version "+version))
	})

	t.Run("help flag", func(t *testing.T) {
		output, err := runCLI(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "lintd")
		assert.Contains(t, output, "analysis scheduler")
		for _, name := range []string{"start", "stop", "status", "analyze"} {
			assert.Contains(t, output, name)
		}
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := rootCmd

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)

		assert.NotNil(t, cmd.PersistentFlags().Lookup("data-dir"))
	})

	t.Run("unknown command", func(t *testing.T) {
		_, err := runCLI(t, "bogus")
		assert.Error(t, err)
	})
}

func TestLoadConfigLogLevelOverride(t *testing.T) {
	path := writeTestConfig(t, nil)

	var level string
	inspect := &cobra.Command{
		Use: "inspect",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			level = cfg.Logging.Level
			return nil
		},
	}
	rootCmd.AddCommand(inspect)
	t.Cleanup(func() { rootCmd.RemoveCommand(inspect) })

	_, err := runCLI(t, "inspect", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "info", level)

	_, err = runCLI(t, "inspect", "--config", path, "--log-level", "debug")
	require.NoError(t, err)
	assert.Equal(t, "debug", level)
}

func TestLoadConfigDataDirOverride(t *testing.T) {
	path := writeTestConfig(t, nil)
	override := t.TempDir()

	var got string
	inspect := &cobra.Command{
		Use: "inspect",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			got = cfg.DataDir
			return nil
		},
	}
	rootCmd.AddCommand(inspect)
	t.Cleanup(func() { rootCmd.RemoveCommand(inspect) })

	_, err := runCLI(t, "inspect", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(path), got)

	_, err = runCLI(t, "inspect", "--config", path, "--data-dir", override)
	require.NoError(t, err)
	assert.Equal(t, override, got)
}
