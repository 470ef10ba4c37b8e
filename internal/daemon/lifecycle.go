package daemon

import (
	"fmt"
	"os"
)

// LifecycleManager claims the data directory for one daemon process
type LifecycleManager struct {
	daemon *Daemon
	pid    PIDFile
}

func NewLifecycleManager(d *Daemon) *LifecycleManager {
	return &LifecycleManager{
		daemon: d,
		pid:    NewPIDFile(d.config.DataDir),
	}
}

// Start creates the data directory and takes the pid file
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(l.daemon.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := l.pid.Acquire(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	l.daemon.logger.Info().
		Str("pid_file", l.pid.Path).
		Int("pid", os.Getpid()).
		Msg("PID file written")
	return nil
}

// Stop gives the pid file up
func (l *LifecycleManager) Stop() error {
	if err := l.pid.Release(); err != nil {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	l.daemon.logger.Debug().Str("pid_file", l.pid.Path).Msg("PID file removed")
	return nil
}
