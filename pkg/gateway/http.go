package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/lintd/internal/observability"
	"github.com/harun/lintd/internal/tracing"
)

const maxRPCBodyBytes = 4 << 20

// handleRPC serves one JSON-RPC call per POST, authenticated by SecretHeader.
// Protocol errors still answer 200 with an error object, except a body that
// is not a request at all (400).
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.authHandler.VerifySecret(r.Header.Get(SecretHeader)) {
		s.metrics.RecordAuthFailure()
		observability.RecordSecurityAudit(r.Context(), "http_secret", r.RemoteAddr, "failure", nil)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorResponse("", asRPCError(err)))
		return
	}

	s.inFlight.Add(1)
	defer s.inFlight.Done()

	ctx := requestContext(r.Context(), TransportHTTP, "", r.Header.Get("X-Trace-Id"))
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("HTTP RPC request")

	resp := s.dispatch(ctx, req)

	w.Header().Set("X-Trace-Id", tracing.GetTraceID(ctx))
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// dispatch routes one request inside a gateway.rpc span and records its metrics
func (s *Server) dispatch(ctx context.Context, req *RPCRequest) *RPCResponse {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerGateway, "gateway.rpc",
		attribute.String("rpc.method", req.Method),
		attribute.String("rpc.id", req.ID),
	)
	start := time.Now()

	resp := s.router.RouteRequest(ctx, req)
	elapsed := time.Since(start)

	status := "ok"
	var spanErr error
	if resp.Error != nil {
		status = "error"
		spanErr = resp.Error
	}
	s.metrics.RecordRPC(req.Method, status, elapsed)
	tracing.EndSpan(span, spanErr)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	event := logger.Debug()
	if resp.Error != nil && resp.Error.Code == InternalError {
		event = logger.Warn().Str("error", resp.Error.Message)
	}
	event.
		Str("method", req.Method).
		Str("request_id", req.ID).
		Dur("duration", elapsed).
		Msg("RPC handled")
	return resp
}
