package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/lintd/internal/daemon"
	"github.com/harun/lintd/internal/logger"
)

var (
	startNoWatch bool
	startPretty  bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the lintd daemon service",
	Long: `Start the lintd daemon in the foreground.
The daemon serves editor clients over WebSocket and HTTP JSON-RPC until it
receives SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startNoWatch, "no-watch", false, "do not reload the config file when it changes")
	startCmd.Flags().BoolVar(&startPretty, "pretty", false, "human readable console logs")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	pidFile := daemon.NewPIDFile(cfg.DataDir)
	if running, pid := pidFile.Running(); running {
		return fmt.Errorf("daemon is already running (pid %d, PID file: %s)", pid, pidFile.Path)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		Console:    cfg.Logging.Console,
		Pretty:     startPretty,
		Redaction:  cfg.Logging.Redaction,
		Secrets:    []string{cfg.Gateway.SharedSecret},
		MaxSize:    cfg.Logging.MaxSize,
		MaxAge:     cfg.Logging.MaxAge,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if !startNoWatch {
		if err := d.WatchConfig(loader); err != nil {
			log.Warn().Err(err).Msg("Config hot reload disabled")
		}
	}

	if err := d.Start(); err != nil {
		return err
	}
	return d.Wait()
}
