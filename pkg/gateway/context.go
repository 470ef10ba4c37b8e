package gateway

import (
	"context"

	"github.com/harun/lintd/internal/tracing"
)

type ctxKey string

const transportKey ctxKey = "transport"

// Transport tells handlers whether they can stream events back to the caller
type Transport string

const (
	TransportWebSocket Transport = "ws"
	TransportHTTP      Transport = "http"
)

// requestContext tags ctx with the transport, the caller's client id and a trace id
func requestContext(ctx context.Context, transport Transport, clientID, traceID string) context.Context {
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx = tracing.WithTraceID(ctx, traceID)
	if clientID != "" {
		ctx = tracing.WithClientID(ctx, clientID)
	}
	return context.WithValue(ctx, transportKey, transport)
}

func transportFromContext(ctx context.Context) Transport {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(transportKey).(Transport); ok {
		return value
	}
	return ""
}
