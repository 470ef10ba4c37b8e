package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/lintd/internal/daemon"
	"github.com/harun/lintd/pkg/scheduler"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the lintd daemon service.
When the gateway is reachable the scheduler counters are shown as well.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := daemon.NewPIDFile(cfg.DataDir)

	running, pid := pidFile.Running()
	if !running {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile.Path); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	client, err := newRPCClient(cfg)
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()

	var result struct {
		Stats   scheduler.Stats        `json:"stats"`
		Running *scheduler.CommandInfo `json:"running"`
	}
	if err := client.call(ctx, "scheduler.stats", nil, &result); err != nil {
		fmt.Fprintf(out, "Scheduler: unavailable (%v)\n", err)
		return nil
	}
	stats := result.Stats
	fmt.Fprintf(out, "Scheduler: %d pending\n", stats.Pending)
	if result.Running != nil {
		fmt.Fprintf(out, "Running: %s %s (%s)\n", result.Running.Name, result.Running.ModuleKey, result.Running.ID)
	}
	fmt.Fprintf(out, "Commands: %d posted, %d completed, %d failed, %d canceled\n",
		stats.Posted, stats.Completed, stats.Failed, stats.Canceled)

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
