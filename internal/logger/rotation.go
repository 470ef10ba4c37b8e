package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// minRotateMB is the smallest rotation size lumberjack supports
const minRotateMB = 1

// newFileWriter opens the rotating log file described by cfg.
// A zero MaxSize keeps a single file that is never rotated by size.
func newFileWriter(cfg Config) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		// lumberjack treats 0 as its 100MB default; approximate "never"
		maxSize = 1 << 20
	} else if maxSize < minRotateMB {
		maxSize = minRotateMB
	}

	w := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}

	// open eagerly so permission problems surface at startup
	if _, err := w.Write(nil); err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return w, nil
}
