package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// CommandIDKey is the context key for the scheduled command ID
	CommandIDKey ContextKey = "command_id"
	// AnalysisIDKey is the context key for the client-visible analysis ID
	AnalysisIDKey ContextKey = "analysis_id"
	// ModuleKeyKey is the context key for the client module key
	ModuleKeyKey ContextKey = "module_key"
	// ClientIDKey is the context key for the connected editor client
	ClientIDKey ContextKey = "client_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	CommandID  string
	AnalysisID string
	ModuleKey  string
	ClientID   string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewCommandID generates a new command ID
func NewCommandID() string {
	return uuid.New().String()
}

// NewAnalysisID generates a new analysis ID
func NewAnalysisID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithCommandID adds a command ID to the context
func WithCommandID(ctx context.Context, commandID string) context.Context {
	return context.WithValue(ctx, CommandIDKey, commandID)
}

// WithAnalysisID adds an analysis ID to the context
func WithAnalysisID(ctx context.Context, analysisID string) context.Context {
	return context.WithValue(ctx, AnalysisIDKey, analysisID)
}

// WithModuleKey adds a module key to the context
func WithModuleKey(ctx context.Context, moduleKey string) context.Context {
	return context.WithValue(ctx, ModuleKeyKey, moduleKey)
}

// WithClientID adds a client ID to the context
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ClientIDKey, clientID)
}

func getString(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

// GetCommandID retrieves the command ID from the context
func GetCommandID(ctx context.Context) string {
	return getString(ctx, CommandIDKey)
}

// GetAnalysisID retrieves the analysis ID from the context
func GetAnalysisID(ctx context.Context) string {
	return getString(ctx, AnalysisIDKey)
}

// GetModuleKey retrieves the module key from the context
func GetModuleKey(ctx context.Context) string {
	return getString(ctx, ModuleKeyKey)
}

// GetClientID retrieves the client ID from the context
func GetClientID(ctx context.Context) string {
	return getString(ctx, ClientIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		CommandID:  GetCommandID(ctx),
		AnalysisID: GetAnalysisID(ctx),
		ModuleKey:  GetModuleKey(ctx),
		ClientID:   GetClientID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.CommandID != "" {
		ctx = WithCommandID(ctx, tc.CommandID)
	}
	if tc.AnalysisID != "" {
		ctx = WithAnalysisID(ctx, tc.AnalysisID)
	}
	if tc.ModuleKey != "" {
		ctx = WithModuleKey(ctx, tc.ModuleKey)
	}
	if tc.ClientID != "" {
		ctx = WithClientID(ctx, tc.ClientID)
	}
	return ctx
}
