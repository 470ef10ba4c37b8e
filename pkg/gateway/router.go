package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const jsonRPCVersion = "2.0"

// RPCRouter dispatches JSON-RPC requests to registered handlers. Params are
// checked against the method's JSON Schema, when it has one, before the
// handler runs.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]route
	replay  *replayCache
}

type route struct {
	handler RequestHandler
	schema  *gojsonschema.Schema
}

// NewRPCRouter creates a router with an empty method table
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]route),
		replay:  newReplayCache(defaultReplayTTL, defaultReplayEntries),
	}
}

// RegisterMethod adds or replaces the handler for name
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	return r.RegisterMethodWithSchema(name, nil, handler)
}

// RegisterMethodWithSchema is RegisterMethod with a params schema; a nil
// schema accepts anything.
func (r *RPCRouter) RegisterMethodWithSchema(name string, schema map[string]interface{}, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	rt := route{handler: handler}
	if schema != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
		if err != nil {
			return fmt.Errorf("invalid params schema for %s: %w", name, err)
		}
		rt.schema = compiled
	}

	r.mu.Lock()
	r.methods[name] = rt
	r.mu.Unlock()
	return nil
}

// UnregisterMethod removes name; unknown names are ignored
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.methods, name)
	r.mu.Unlock()
}

// ParseRequest decodes one frame. The returned error is always an *RPCError.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	var missing string
	switch {
	case req.ID == "":
		missing = "id"
	case req.Method == "":
		missing = "method"
	}
	if missing != "" {
		return nil, NewRPCError(InvalidRequest, "Invalid request: missing "+missing+" field")
	}

	if req.JSONRPC == "" {
		req.JSONRPC = jsonRPCVersion
	}
	return &req, nil
}

// RouteRequest runs the handler for req.Method. A request carrying an
// idempotency key that was already answered gets the stored response with
// its own ID. Handler errors keep their code when they wrap an *RPCError and
// become InternalError otherwise; internal errors are not stored for replay.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", NewRPCError(InvalidRequest, "invalid request"))
	}

	key := replayKey(req)
	if key != "" {
		if stored, ok := r.replay.get(key); ok {
			stored.ID = req.ID
			return &stored
		}
	}

	r.mu.RLock()
	rt, ok := r.methods[req.Method]
	r.mu.RUnlock()
	if !ok {
		return errorResponse(req.ID, NewRPCError(MethodNotFound, "Method not found: "+req.Method))
	}

	if rpcErr := rt.validate(req.Params); rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}

	var resp *RPCResponse
	result, err := rt.handler(ctx, req.Params)
	if err != nil {
		resp = errorResponse(req.ID, asRPCError(err))
	} else {
		resp = &RPCResponse{ID: req.ID, JSONRPC: jsonRPCVersion, Result: result}
	}

	if key != "" && (resp.Error == nil || resp.Error.Code != InternalError) {
		r.replay.put(key, *resp)
	}
	return resp
}

// HasMethod reports whether name is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[name]
	return ok
}

// GetMethods returns the registered method names in order
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (rt route) validate(params map[string]interface{}) *RPCError {
	if rt.schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := rt.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		problems[i] = desc.String()
	}
	return &RPCError{
		Code:    InvalidParams,
		Message: "Invalid params: " + strings.Join(problems, "; "),
		Data:    problems,
	}
}

func asRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return NewRPCError(InternalError, err.Error())
}

func errorResponse(id string, err *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: jsonRPCVersion, Error: err}
}
