package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the daemon's root zerolog logger plus the outputs it owns.
// Levels are global: SetLevel affects every logger derived from it.
type Logger struct {
	zerolog.Logger

	file     *lumberjack.Logger
	redactor *Redactor
}

type Config struct {
	Level     string
	File      string // empty logs to the console only
	Console   bool
	Pretty    bool // human readable console output instead of JSON
	Redaction bool
	// Secrets are literal values always masked, e.g. the gateway shared secret.
	Secrets []string

	// Rotation of File; see lumberjack.Logger.
	MaxSize    int // megabytes, 0 disables size based rotation
	MaxAge     int // days, 0 keeps rotated files forever
	MaxBackups int // 0 keeps all
	Compress   bool
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		Pretty:     true,
		Redaction:  true,
		MaxSize:    100,
		MaxAge:     7,
		MaxBackups: 5,
		Compress:   true,
	}
}

// New builds the logger and installs it as zerolog's global logger
func New(cfg Config) (*Logger, error) {
	l := &Logger{}

	var outputs []io.Writer
	if cfg.Console {
		outputs = append(outputs, consoleOutput(cfg.Pretty))
	}
	if cfg.File != "" {
		file, err := newFileWriter(cfg)
		if err != nil {
			return nil, err
		}
		l.file = file
		outputs = append(outputs, file)
	}

	var out io.Writer
	switch len(outputs) {
	case 0:
		out = os.Stderr
	case 1:
		out = outputs[0]
	default:
		out = zerolog.MultiLevelWriter(outputs...)
	}

	if cfg.Redaction || len(cfg.Secrets) > 0 {
		l.redactor = NewRedactor()
		for _, secret := range cfg.Secrets {
			l.redactor.AddSecret(secret)
		}
		out = l.redactor.Wrap(out)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	l.Logger = zerolog.New(out).With().Timestamp().Logger()
	log.Logger = l.Logger
	return l, nil
}

func consoleOutput(pretty bool) io.Writer {
	if !pretty {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
}

// parseLevel falls back to info for empty or unknown names
func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return level
}

// SetLevel changes the global log level, e.g. after a config reload
func (l *Logger) SetLevel(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
}

// Component returns a child logger tagged with component=name
func (l *Logger) Component(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// GetZerolog returns the root zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.Logger
}

// Rotate moves the current log file aside and opens a new one
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
