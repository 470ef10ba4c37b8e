package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Audit event types
const (
	AuditCommand  = "command"
	AuditSecurity = "security"
	AuditConfig   = "config"
)

// AuditEvent is one line of the audit log
type AuditEvent struct {
	Type     string
	Actor    string // client ID, module key or scheduler name
	Action   string // e.g. "command:analyze", "ws_auth", "reload"
	Status   string
	Metadata map[string]interface{}
	TraceID  string
	At       time.Time
}

// AuditLogger appends audit events as JSON lines
type AuditLogger struct {
	mu   sync.Mutex
	out  zerolog.Logger
	file *lumberjack.Logger
}

var audit = &AuditLogger{out: zerolog.Nop()}

// GetAuditLogger returns the process-wide audit logger
func GetAuditLogger() *AuditLogger {
	return audit
}

// InitAuditLogger sends audit events to a rotating file at path
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20,
		MaxBackups: 10,
		MaxAge:     90,
		Compress:   true,
		LocalTime:  true,
	}
	if _, err := file.Write(nil); err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	audit.swap(zerolog.New(file), file)
	return nil
}

// SetAuditOutput redirects audit events to w, mostly for tests
func SetAuditOutput(w io.Writer) {
	audit.swap(zerolog.New(w), nil)
}

func (a *AuditLogger) swap(out zerolog.Logger, file *lumberjack.Logger) {
	a.mu.Lock()
	previous := a.file
	a.out = out
	a.file = file
	a.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
}

// Record writes event and, when ctx carries a recording span, mirrors it as a span event
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		if event.TraceID == "" {
			event.TraceID = span.SpanContext().TraceID().String()
		}
		span.AddEvent("audit."+event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.actor", event.Actor),
			attribute.String("audit.status", event.Status),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.out.Log().
		Time("at", event.At).
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.Actor != "" {
		entry = entry.Str("actor", event.Actor)
	}
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// Rotate starts a new audit file; a no-op when auditing goes elsewhere
func (a *AuditLogger) Rotate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	return a.file.Rotate()
}

// Close closes the audit file and discards later events
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	file := a.file
	a.file = nil
	a.out = zerolog.Nop()
	a.mu.Unlock()

	if file == nil {
		return nil
	}
	return file.Close()
}

// RecordCommandAudit records the terminal state of a scheduled command
func RecordCommandAudit(ctx context.Context, commandName, actor, status string, metadata map[string]interface{}) {
	audit.Record(ctx, AuditEvent{
		Type:     AuditCommand,
		Actor:    actor,
		Action:   "command:" + commandName,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordSecurityAudit records an authentication decision
func RecordSecurityAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	audit.Record(ctx, AuditEvent{
		Type:     AuditSecurity,
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	audit.Record(ctx, AuditEvent{
		Type:     AuditConfig,
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}
