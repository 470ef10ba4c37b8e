package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/lintd/internal/tracing"
	"github.com/harun/lintd/pkg/analysis"
	"github.com/harun/lintd/pkg/cancel"
	"github.com/harun/lintd/pkg/promise"
	"github.com/harun/lintd/pkg/scheduler"
)

// Analysis lifecycle events sent to the client that started the analysis
const (
	EventAnalysisIssue     = "analysis.issue"
	EventAnalysisCompleted = "analysis.completed"
	EventAnalysisFailed    = "analysis.failed"
	EventAnalysisCanceled  = "analysis.canceled"
)

type schema = map[string]interface{}

var stringMapSchema = schema{
	"type":                 "object",
	"additionalProperties": schema{"type": "string"},
}

var analyzeParamsSchema = schema{
	"type": "object",
	"properties": schema{
		"moduleKey": schema{"type": "string"},
		"files": schema{
			"type":  "array",
			"items": schema{"type": "string", "minLength": 1},
		},
		"trigger": schema{"type": "string", "enum": []interface{}{"auto", "forced"}},
		"rules": schema{
			"type": "array",
			"items": schema{
				"type":     "object",
				"required": []interface{}{"ruleKey"},
				"properties": schema{
					"ruleKey":     schema{"type": "string", "pattern": "^[^:]+:.+$"},
					"languageKey": schema{"type": "string"},
					"params":      stringMapSchema,
				},
			},
		},
		"contents":        stringMapSchema,
		"extraProperties": stringMapSchema,
		"timeoutMs":       schema{"type": "integer", "minimum": 0},
		"wait":            schema{"type": "boolean"},
	},
	"additionalProperties": false,
}

var analysisIDSchema = schema{
	"type":     "object",
	"required": []interface{}{"analysisId"},
	"properties": schema{
		"analysisId": schema{"type": "string", "minLength": 1},
	},
}

var moduleRegisterSchema = schema{
	"type":     "object",
	"required": []interface{}{"key", "baseDir"},
	"properties": schema{
		"key":     schema{"type": "string", "minLength": 1},
		"baseDir": schema{"type": "string", "minLength": 1},
		"ignore": schema{
			"type":  "array",
			"items": schema{"type": "string"},
		},
		"props": stringMapSchema,
	},
}

var moduleKeySchema = schema{
	"type":     "object",
	"required": []interface{}{"key"},
	"properties": schema{
		"key": schema{"type": "string", "minLength": 1},
	},
}

var fileEventSchema = schema{
	"type":     "object",
	"required": []interface{}{"moduleKey", "type", "path"},
	"properties": schema{
		"moduleKey": schema{"type": "string", "minLength": 1},
		"type":      schema{"type": "string", "enum": []interface{}{"created", "modified", "deleted"}},
		"path":      schema{"type": "string", "minLength": 1},
	},
}

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() error {
	methods := []struct {
		name    string
		schema  schema
		handler RequestHandler
	}{
		{"analysis.analyze", analyzeParamsSchema, s.handleAnalyze},
		{"analysis.cancel", analysisIDSchema, s.handleAnalysisCancel},
		{"analysis.list", nil, s.handleAnalysisList},
		{"module.register", moduleRegisterSchema, s.handleModuleRegister},
		{"module.unregister", moduleKeySchema, s.handleModuleUnregister},
		{"module.fileEvent", fileEventSchema, s.handleModuleFileEvent},
		{"module.list", nil, s.handleModuleList},
		{"scheduler.stats", nil, s.handleSchedulerStats},
		{"gateway.clients", nil, s.handleGatewayClients},
	}
	for _, m := range methods {
		if err := s.router.RegisterMethodWithSchema(m.name, m.schema, m.handler); err != nil {
			return err
		}
	}
	return nil
}

// handleAnalyze posts an analysis. WebSocket callers get {analysisId} at once and
// receive the issues and the outcome as events; HTTP callers have no event channel,
// so they pass wait=true and get everything in the response.
func (s *Server) handleAnalyze(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	clientID := tracing.GetClientID(ctx)
	wait := boolParam(params, "wait")
	if !wait && transportFromContext(ctx) != TransportWebSocket {
		return nil, NewRPCError(InvalidParams, "wait must be true outside a WebSocket connection")
	}

	req := analysis.AnalyzeRequest{
		AnalysisID:      tracing.NewAnalysisID(),
		ModuleKey:       stringParam(params, "moduleKey"),
		Trigger:         analysis.TriggerType(stringParam(params, "trigger")),
		Token:           cancel.New(),
		Files:           stringSliceParam(params, "files"),
		ExtraProperties: stringMapParam(params, "extraProperties"),
		Rules:           rulesParam(params),
		Contents:        stringMapParam(params, "contents"),
	}

	stopTimeout := func() {}
	if ms := intParam(params, "timeoutMs"); ms > 0 {
		timeoutCtx, cancelTimeout := context.WithTimeout(context.Background(), time.Duration(ms)*time.Millisecond)
		stopForward := req.Token.Forward(timeoutCtx)
		stopTimeout = func() {
			stopForward()
			cancelTimeout()
		}
	}

	collector := &issueCollector{}
	if wait {
		req.IssueListener = collector.add
	} else {
		req.IssueListener = func(issue analysis.Issue) {
			if err := s.broadcaster.SendToClient(clientID, EventMessage{
				Event:      EventAnalysisIssue,
				AnalysisID: req.AnalysisID,
				ModuleKey:  req.ModuleKey,
				TraceID:    tracing.GetTraceID(ctx),
				Data:       issue,
			}); err != nil {
				s.logger.Debug().Err(err).Str("analysisId", req.AnalysisID).Msg("Dropped issue event")
			}
		}
	}

	p, err := s.engine.Analyze(ctx, req)
	if err != nil {
		stopTimeout()
		return nil, engineError(err)
	}

	s.analyses.add(AnalysisInfo{
		ID:        req.AnalysisID,
		ClientID:  clientID,
		ModuleKey: req.ModuleKey,
		StartedAt: time.Now(),
	}, req.Token)

	if !wait {
		go func() {
			defer stopTimeout()
			defer s.analyses.remove(req.AnalysisID)
			s.notifyOutcome(ctx, clientID, req, p)
		}()
		return map[string]interface{}{"analysisId": req.AnalysisID}, nil
	}

	defer stopTimeout()
	defer s.analyses.remove(req.AnalysisID)

	// an HTTP caller that hangs up cancels its analysis
	stop := context.AfterFunc(ctx, req.Token.Cancel)
	defer stop()

	results, err := analysis.Await(context.WithoutCancel(ctx), p)
	outcome := map[string]interface{}{
		"analysisId": req.AnalysisID,
		"status":     outcomeStatus(err),
		"issues":     collector.snapshot(),
	}
	if results != nil {
		outcome["results"] = results
	}
	if err != nil && !errors.Is(err, promise.ErrCanceled) {
		outcome["error"] = err.Error()
	}
	return outcome, nil
}

// notifyOutcome waits for the analysis and sends exactly one terminal event
func (s *Server) notifyOutcome(ctx context.Context, clientID string, req analysis.AnalyzeRequest, p *promise.Promise[any]) {
	results, err := analysis.Await(context.WithoutCancel(ctx), p)

	msg := EventMessage{
		AnalysisID: req.AnalysisID,
		ModuleKey:  req.ModuleKey,
		TraceID:    tracing.GetTraceID(ctx),
	}
	switch {
	case err == nil:
		msg.Event = EventAnalysisCompleted
		msg.Data = results
	case errors.Is(err, promise.ErrCanceled):
		msg.Event = EventAnalysisCanceled
		msg.Data = map[string]interface{}{"analysisId": req.AnalysisID}
	default:
		msg.Event = EventAnalysisFailed
		msg.Data = map[string]interface{}{"analysisId": req.AnalysisID, "error": err.Error()}
	}

	if sendErr := s.broadcaster.SendToClient(clientID, msg); sendErr != nil {
		s.logger.Debug().
			Err(sendErr).
			Str("analysisId", req.AnalysisID).
			Str("event", msg.Event).
			Msg("Client gone before analysis outcome")
	}
}

func outcomeStatus(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, promise.ErrCanceled):
		return "canceled"
	default:
		return "failed"
	}
}

// handleAnalysisCancel cancels a running or queued analysis by id
func (s *Server) handleAnalysisCancel(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id := stringParam(params, "analysisId")
	return map[string]interface{}{
		"analysisId": id,
		"canceled":   s.analyses.cancel(id),
	}, nil
}

func (s *Server) handleAnalysisList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"analyses": s.analyses.list()}, nil
}

// handleModuleRegister registers a module and waits for the analyzers to be notified
func (s *Server) handleModuleRegister(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	module := analysis.Module{
		Key:     stringParam(params, "key"),
		BaseDir: stringParam(params, "baseDir"),
		Ignore:  stringSliceParam(params, "ignore"),
		Props:   stringMapParam(params, "props"),
	}

	p, err := s.engine.RegisterModule(ctx, module)
	if err != nil {
		return nil, engineError(err)
	}
	if _, err := p.Await(ctx); err != nil {
		return nil, fmt.Errorf("module %s start: %w", module.Key, err)
	}
	return map[string]interface{}{"key": module.Key, "registered": true}, nil
}

func (s *Server) handleModuleUnregister(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key := stringParam(params, "key")

	p, err := s.engine.UnregisterModule(ctx, key)
	if err != nil {
		return nil, engineError(err)
	}
	if _, err := p.Await(ctx); err != nil {
		return nil, fmt.Errorf("module %s stop: %w", key, err)
	}
	return map[string]interface{}{"key": key, "unregistered": true}, nil
}

// handleModuleFileEvent forwards an editor file change to the analyzers. It does not
// wait for the scheduler.
func (s *Server) handleModuleFileEvent(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key := stringParam(params, "moduleKey")
	module, ok := s.engine.Modules().Get(key)
	if !ok {
		return nil, engineError(fmt.Errorf("%w '%s'", analysis.ErrUnknownModule, key))
	}

	file, err := module.Resolve(stringParam(params, "path"))
	if err != nil {
		return nil, NewRPCError(InvalidParams, err.Error())
	}

	event := analysis.FileEvent{
		Type: analysis.FileEventType(stringParam(params, "type")),
		File: file,
	}
	if _, err := s.engine.FireModuleFileEvent(ctx, key, event); err != nil {
		return nil, engineError(err)
	}
	return map[string]interface{}{"accepted": true}, nil
}

func (s *Server) handleModuleList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	registry := s.engine.Modules()
	modules := make([]analysis.Module, 0, registry.Len())
	for _, key := range registry.Keys() {
		if m, ok := registry.Get(key); ok {
			modules = append(modules, m)
		}
	}
	return map[string]interface{}{"modules": modules}, nil
}

func (s *Server) handleSchedulerStats(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sched := s.engine.Scheduler()
	result := map[string]interface{}{
		"stats":   sched.Stats(),
		"pending": sched.Pending(),
	}
	if running, ok := sched.Running(); ok {
		result["running"] = running
	}
	return result, nil
}

func (s *Server) handleGatewayClients(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"clients": s.GetConnectedClients()}, nil
}

// engineError maps engine sentinel errors to RPC error codes
func engineError(err error) error {
	switch {
	case errors.Is(err, analysis.ErrUnknownModule):
		return &RPCError{Code: UnknownModule, Message: err.Error()}
	case errors.Is(err, analysis.ErrModuleExists):
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	case errors.Is(err, analysis.ErrEngineStopped), errors.Is(err, scheduler.ErrStopTimeout):
		return &RPCError{Code: EngineStopped, Message: err.Error()}
	default:
		return err
	}
}

// issueCollector keeps the issues of a wait-mode analysis
type issueCollector struct {
	mu     sync.Mutex
	issues []analysis.Issue
}

func (c *issueCollector) add(issue analysis.Issue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issues = append(c.issues, issue)
}

func (c *issueCollector) snapshot() []analysis.Issue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]analysis.Issue{}, c.issues...)
}

func stringParam(params map[string]interface{}, key string) string {
	value, _ := params[key].(string)
	return value
}

func boolParam(params map[string]interface{}, key string) bool {
	value, _ := params[key].(bool)
	return value
}

// intParam reads a JSON number; decoded JSON numbers are float64
func intParam(params map[string]interface{}, key string) int {
	switch value := params[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	default:
		return 0
	}
}

func stringSliceParam(params map[string]interface{}, key string) []string {
	switch raw := params[key].(type) {
	case []string:
		return raw
	case []interface{}:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func stringMapParam(params map[string]interface{}, key string) map[string]string {
	return toStringMap(params[key])
}

func toStringMap(raw interface{}) map[string]string {
	switch m := raw.(type) {
	case map[string]string:
		return m
	case map[string]interface{}:
		out := make(map[string]string, len(m))
		for k, v := range m {
			if str, ok := v.(string); ok {
				out[k] = str
			}
		}
		return out
	default:
		return nil
	}
}

func rulesParam(params map[string]interface{}) []analysis.ActiveRule {
	raw, ok := params["rules"].([]interface{})
	if !ok {
		return nil
	}
	rules := make([]analysis.ActiveRule, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		rules = append(rules, analysis.ActiveRule{
			RuleKey:     stringParam(entry, "ruleKey"),
			LanguageKey: stringParam(entry, "languageKey"),
			Params:      toStringMap(entry["params"]),
		})
	}
	return rules
}
