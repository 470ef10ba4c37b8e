package gateway

import "context"

// RPCRequest is one JSON-RPC 2.0 call. IdempotencyKey is an extension: a
// retried call with the same method and key is answered from the replay cache.
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError is both the wire error object and a Go error, so handlers can
// return one (possibly wrapped) to pick the code.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// NewRPCError creates an RPC error with the given code
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// Error codes. The -32000 range is lintd's own.
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	UnknownModule          = -32002
	EngineStopped          = -32003
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
)

// RequestHandler handles one RPC call. ctx carries the trace id and, for
// WebSocket calls, the client id.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// EventMessage is a server pushed frame. Analysis events carry the analysis
// and module they belong to.
type EventMessage struct {
	Type       string      `json:"type,omitempty"`
	Event      string      `json:"event"`
	Seq        int64       `json:"seq,omitempty"`
	Data       interface{} `json:"data"`
	Timestamp  int64       `json:"timestamp"`
	TraceID    string      `json:"trace_id,omitempty"`
	AnalysisID string      `json:"analysis_id,omitempty"`
	ModuleKey  string      `json:"module_key,omitempty"`
}

// Handshake frames
type (
	AuthChallenge struct {
		Event     string `json:"event"`
		Challenge string `json:"challenge"`
	}

	AuthResponse struct {
		Method    string `json:"method"`
		Signature string `json:"signature"`
	}

	AuthResult struct {
		Event   string `json:"event"`
		Success bool   `json:"success,omitempty"`
		Message string `json:"message,omitempty"`
	}
)
