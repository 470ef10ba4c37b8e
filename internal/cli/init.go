package cli

import (
	"fmt"
	"os"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cobra"

	"github.com/harun/lintd/internal/config"
)

const secretLength = 32

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file with a fresh shared secret",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()
	if path == "" {
		return fmt.Errorf("failed to resolve config path")
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file %s already exists, use --force to overwrite", path)
	}

	secret, err := gonanoid.New(secretLength)
	if err != nil {
		return fmt.Errorf("failed to generate shared secret: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.Gateway.SharedSecret = secret
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
