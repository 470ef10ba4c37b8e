package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/lintd/internal/config"
)

// version is overridden at build time:
//
//	go build -ldflags "-X github.com/harun/lintd/internal/cli.version=1.2.3" ./cmd/lintd
var version = "0.1.0-dev"

// Persistent flags
var (
	cfgFile  string
	logLevel string
	dataDir  string
)

var rootCmd = &cobra.Command{
	Use:   "lintd",
	Short: "lintd - IDE analysis command scheduler",
	Long: `lintd runs code analyses for editor clients.
Requests from any number of editors are serialized onto a single
analysis scheduler and findings are streamed back as they are found.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line; main prints the returned error
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.lintd/lintd.json)")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&dataDir, "data-dir", "", "override the data directory holding the PID file and logs")

	rootCmd.SetVersionTemplate("{{.Name}} version {{.Version}}\n")
}

// loadConfig reads the config file, then applies flags the user set explicitly
func loadConfig(cmd *cobra.Command) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	return cfg, loader, nil
}
