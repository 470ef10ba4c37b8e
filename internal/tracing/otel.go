package tracing

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer names used across lintd.
const (
	TracerScheduler = "lintd.scheduler"
	TracerAnalysis  = "lintd.analysis"
	TracerGateway   = "lintd.gateway"
)

// ErrAlreadyInitialized is returned when a tracer provider is already installed
var ErrAlreadyInitialized = errors.New("tracing already initialized")

// Options configures the process tracer provider
type Options struct {
	ServiceName string
	// SampleRatio of root traces to keep; out of range values mean 1.
	SampleRatio float64
	// SpanLogger, when set, receives every finished sampled span at debug level.
	SpanLogger *zerolog.Logger
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the global tracer provider
func InitOpenTelemetry(opts Options) error {
	providerMu.Lock()
	defer providerMu.Unlock()
	if provider != nil {
		return ErrAlreadyInitialized
	}

	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(opts.ServiceName)),
	)
	if err != nil {
		return err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	}
	if opts.SpanLogger != nil {
		tpOpts = append(tpOpts, sdktrace.WithSyncer(&logExporter{logger: *opts.SpanLogger}))
	}

	provider = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(provider)
	return nil
}

// ShutdownOpenTelemetry flushes the provider and uninstalls it, so tracing can
// be initialized again.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()

	if tp == nil {
		return nil
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return tp.Shutdown(ctx)
}

// logExporter writes finished spans to a zerolog logger
type logExporter struct {
	logger zerolog.Logger
}

func (e *logExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		ev := e.logger.Debug().
			Str("span", span.Name()).
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String()).
			Dur("duration", span.EndTime().Sub(span.StartTime()))
		if parent := span.Parent(); parent.IsValid() {
			ev = ev.Str("parent_id", parent.SpanID().String())
		}
		if status := span.Status(); status.Code == codes.Error {
			ev = ev.Str("error", status.Description)
		}
		for _, kv := range span.Attributes() {
			ev = ev.Str(string(kv.Key), kv.Value.Emit())
		}
		ev.Msg("Span finished")
	}
	return nil
}

func (e *logExporter) Shutdown(ctx context.Context) error {
	return nil
}

// StartSpan starts a span and mirrors its trace ID into the context when none is set
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
