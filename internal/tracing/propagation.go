package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToCommand derives the context a scheduled command runs with.
// It keeps the caller's trace ID (creating one if missing) and tags the command ID.
func PropagateToCommand(ctx context.Context, commandID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithCommandID(ctx, commandID)
}

// LoggerFromContext returns logger with the tracing values of ctx attached
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	fields := logger.With()
	for _, f := range []struct{ key, value string }{
		{"trace_id", tc.TraceID},
		{"command_id", tc.CommandID},
		{"analysis_id", tc.AnalysisID},
		{"module_key", tc.ModuleKey},
		{"client_id", tc.ClientID},
	} {
		if f.value != "" {
			fields = fields.Str(f.key, f.value)
		}
	}
	return fields.Logger()
}

// Detach copies tracing values onto a fresh background context, so work outliving
// the request is not canceled with it.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
