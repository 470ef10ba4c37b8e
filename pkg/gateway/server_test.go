package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/lintd/internal/metrics"
	"github.com/harun/lintd/pkg/analysis"
	"github.com/harun/lintd/pkg/analysis/textrules"
	"github.com/harun/lintd/pkg/scheduler"
)

const testSecret = "test-secret"

// blockingAnalyzer holds the worker until its context is canceled
type blockingAnalyzer struct {
	once    sync.Once
	started chan struct{}
}

func newBlockingAnalyzer() *blockingAnalyzer {
	return &blockingAnalyzer{started: make(chan struct{})}
}

func (a *blockingAnalyzer) Key() string         { return "block" }
func (a *blockingAnalyzer) Languages() []string { return []string{"*"} }

func (a *blockingAnalyzer) Analyze(ctx context.Context, file analysis.InputFile, rules []analysis.ActiveRule, report analysis.IssueListener) error {
	a.once.Do(func() { close(a.started) })
	<-ctx.Done()
	return ctx.Err()
}

type testGateway struct {
	server  *Server
	engine  *analysis.Engine
	http    *httptest.Server
	dir     string
	blocker *blockingAnalyzer
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	return newTestGatewayWith(t, nil)
}

func newTestGatewayWith(t *testing.T, mutate func(cfg *Config)) *testGateway {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\n// TODO: wire flags\nfunc main() {}\n"), 0o644))

	blocker := newBlockingAnalyzer()
	registry, err := analysis.NewRegistry(textrules.New(), blocker)
	require.NoError(t, err)

	logger := zerolog.Nop()
	engine := analysis.NewEngine(analysis.EngineOptions{
		Scheduler:    scheduler.Options{Name: "gateway-test", Logger: &logger},
		Analyzers:    registry,
		DefaultRules: textrules.DefaultRules(),
		Logger:       &logger,
	})

	cfg := Config{
		SharedSecret: testSecret,
		TickInterval: -1,
		Engine:       engine,
		Metrics:      metrics.NewMetrics(),
		Logger:       logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	server, err := NewServer(cfg)
	require.NoError(t, err)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		httpServer.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
	})

	return &testGateway{server: server, engine: engine, http: httpServer, dir: dir, blocker: blocker}
}

func (g *testGateway) call(t *testing.T, method string, params map[string]interface{}) *RPCResponse {
	t.Helper()

	body, err := json.Marshal(RPCRequest{ID: "1", Method: method, Params: params})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, g.http.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(SecretHeader, testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func (g *testGateway) registerModule(t *testing.T) {
	t.Helper()
	resp := g.call(t, "module.register", map[string]interface{}{"key": "app", "baseDir": g.dir})
	require.Nil(t, resp.Error)
}

// dialAuthenticated connects to /ws and answers the challenge
func (g *testGateway) dialAuthenticated(t *testing.T) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var challenge AuthChallenge
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: Sign(testSecret, challenge.Challenge)}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success)
	return conn
}

// wsMessage is either an RPC response or an event
type wsMessage struct {
	ID         string          `json:"id"`
	Result     json.RawMessage `json:"result"`
	Error      *RPCError       `json:"error"`
	Type       string          `json:"type"`
	Event      string          `json:"event"`
	AnalysisID string          `json:"analysis_id"`
	Data       json.RawMessage `json:"data"`
}

func readUntil(t *testing.T, conn *websocket.Conn, done func(wsMessage) bool) []wsMessage {
	t.Helper()

	var messages []wsMessage
	for {
		var msg wsMessage
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		require.NoError(t, conn.ReadJSON(&msg))
		messages = append(messages, msg)
		if done(msg) {
			return messages
		}
	}
}

func TestNewServer_Validation(t *testing.T) {
	engine := analysis.NewEngine(analysis.EngineOptions{})
	defer func() { _ = engine.Stop(context.Background()) }()

	_, err := NewServer(Config{Port: -1, SharedSecret: "s", Engine: engine})
	assert.Error(t, err)

	_, err = NewServer(Config{SharedSecret: "", Engine: engine})
	assert.ErrorContains(t, err, "shared secret")

	_, err = NewServer(Config{SharedSecret: "s"})
	assert.ErrorContains(t, err, "engine")

	server, err := NewServer(Config{SharedSecret: "s", Engine: engine})
	require.NoError(t, err)
	assert.Contains(t, server.Methods(), "analysis.analyze")
	assert.Contains(t, server.Methods(), "analysis.cancel")
	assert.Contains(t, server.Methods(), "module.register")
	assert.Contains(t, server.Methods(), "scheduler.stats")
}

func TestServer_HTTPRequiresSecret(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Post(g.http.URL+"/rpc", "application/json", strings.NewReader(`{"id":"1","method":"scheduler.stats"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_Healthz(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Get(g.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_HTTPAnalyzeWaitReturnsIssues(t *testing.T) {
	g := newTestGateway(t)
	g.registerModule(t)

	resp := g.call(t, "analysis.analyze", map[string]interface{}{
		"moduleKey": "app",
		"files":     []string{"main.go"},
		"wait":      true,
	})
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "completed", result["status"])
	assert.NotEmpty(t, result["analysisId"])

	issues := result["issues"].([]interface{})
	require.Len(t, issues, 1)
	assert.Equal(t, textrules.RuleTodoComment, issues[0].(map[string]interface{})["ruleKey"])
}

func TestServer_HTTPAnalyzeRequiresWait(t *testing.T) {
	g := newTestGateway(t)

	resp := g.call(t, "analysis.analyze", map[string]interface{}{"files": []string{"main.go"}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestServer_AnalyzeRejectsInvalidParams(t *testing.T) {
	g := newTestGateway(t)

	resp := g.call(t, "analysis.analyze", map[string]interface{}{"wait": true, "trigger": "sometimes"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	resp = g.call(t, "analysis.analyze", map[string]interface{}{"wait": true, "unknown": 1})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestServer_AnalyzeUnknownModule(t *testing.T) {
	g := newTestGateway(t)

	resp := g.call(t, "analysis.analyze", map[string]interface{}{"moduleKey": "missing", "wait": true})
	require.NotNil(t, resp.Error)
	assert.Equal(t, UnknownModule, resp.Error.Code)
}

func TestServer_ModuleLifecycle(t *testing.T) {
	g := newTestGateway(t)
	g.registerModule(t)

	resp := g.call(t, "module.register", map[string]interface{}{"key": "app", "baseDir": g.dir})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	resp = g.call(t, "module.list", nil)
	require.Nil(t, resp.Error)
	assert.Len(t, resp.Result.(map[string]interface{})["modules"], 1)

	resp = g.call(t, "module.fileEvent", map[string]interface{}{"moduleKey": "app", "type": "modified", "path": "main.go"})
	require.Nil(t, resp.Error)

	resp = g.call(t, "module.unregister", map[string]interface{}{"key": "app"})
	require.Nil(t, resp.Error)
	assert.Equal(t, 0, g.engine.Modules().Len())

	resp = g.call(t, "module.unregister", map[string]interface{}{"key": "app"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, UnknownModule, resp.Error.Code)
}

func TestServer_SchedulerStats(t *testing.T) {
	g := newTestGateway(t)
	g.registerModule(t)

	resp := g.call(t, "scheduler.stats", nil)
	require.Nil(t, resp.Error)

	stats := resp.Result.(map[string]interface{})["stats"].(map[string]interface{})
	assert.Equal(t, "gateway-test", stats["name"])
	assert.Equal(t, float64(1), stats["posted"])
}

func TestServer_WebSocketRequiresAuthentication(t *testing.T) {
	g := newTestGateway(t)

	wsURL := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "scheduler.stats"}))
	var resp RPCResponse
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, AuthenticationRequired, resp.Error.Code)
}

func TestServer_WebSocketAnalyzeStreamsIssuesThenOutcome(t *testing.T) {
	g := newTestGateway(t)
	g.registerModule(t)
	conn := g.dialAuthenticated(t)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "a1",
		Method: "analysis.analyze",
		Params: map[string]interface{}{"moduleKey": "app", "files": []string{"main.go"}},
	}))

	messages := readUntil(t, conn, func(msg wsMessage) bool {
		return strings.HasPrefix(msg.Event, "analysis.") && msg.Event != EventAnalysisIssue
	})

	var analysisID string
	var issues, outcomes int
	for _, msg := range messages {
		switch {
		case msg.ID == "a1":
			require.Nil(t, msg.Error)
			var result map[string]string
			require.NoError(t, json.Unmarshal(msg.Result, &result))
			analysisID = result["analysisId"]
		case msg.Event == EventAnalysisIssue:
			issues++
		case msg.Event == EventAnalysisCompleted:
			outcomes++
			var results analysis.Results
			require.NoError(t, json.Unmarshal(msg.Data, &results))
			assert.Equal(t, 1, results.FilesAnalyzed)
			assert.Equal(t, 1, results.IssueCount)
		}
	}

	assert.Equal(t, 1, issues)
	assert.Equal(t, 1, outcomes)
	last := messages[len(messages)-1]
	if analysisID != "" {
		assert.Equal(t, analysisID, last.AnalysisID)
	}
}

func TestServer_WebSocketCancelAnalysis(t *testing.T) {
	g := newTestGateway(t)
	g.registerModule(t)
	conn := g.dialAuthenticated(t)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "a1",
		Method: "analysis.analyze",
		Params: map[string]interface{}{
			"moduleKey": "app",
			"files":     []string{"main.go"},
			"rules":     []map[string]interface{}{{"ruleKey": "block:wait"}},
		},
	}))

	messages := readUntil(t, conn, func(msg wsMessage) bool { return msg.ID == "a1" })
	var result map[string]string
	require.NoError(t, json.Unmarshal(messages[len(messages)-1].Result, &result))
	analysisID := result["analysisId"]
	require.NotEmpty(t, analysisID)

	select {
	case <-g.blocker.started:
	case <-time.After(2 * time.Second):
		t.Fatal("analysis never started")
	}

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "c1",
		Method: "analysis.cancel",
		Params: map[string]interface{}{"analysisId": analysisID},
	}))

	messages = readUntil(t, conn, func(msg wsMessage) bool { return msg.Event == EventAnalysisCanceled })
	assert.Equal(t, analysisID, messages[len(messages)-1].AnalysisID)
	for _, msg := range messages {
		assert.NotEqual(t, EventAnalysisCompleted, msg.Event)
		assert.NotEqual(t, EventAnalysisFailed, msg.Event)
	}
}

func TestServer_AnalyzeTimeoutCancels(t *testing.T) {
	g := newTestGateway(t)
	g.registerModule(t)

	resp := g.call(t, "analysis.analyze", map[string]interface{}{
		"moduleKey": "app",
		"files":     []string{"main.go"},
		"rules":     []map[string]interface{}{{"ruleKey": "block:wait"}},
		"timeoutMs": 50,
		"wait":      true,
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, "canceled", resp.Result.(map[string]interface{})["status"])
}

func TestServer_DisconnectCancelsClientAnalyses(t *testing.T) {
	g := newTestGateway(t)
	g.registerModule(t)
	conn := g.dialAuthenticated(t)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "a1",
		Method: "analysis.analyze",
		Params: map[string]interface{}{
			"moduleKey": "app",
			"files":     []string{"main.go"},
			"rules":     []map[string]interface{}{{"ruleKey": "block:wait"}},
		},
	}))
	readUntil(t, conn, func(msg wsMessage) bool { return msg.ID == "a1" })

	select {
	case <-g.blocker.started:
	case <-time.After(2 * time.Second):
		t.Fatal("analysis never started")
	}
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		stats := g.engine.Scheduler().Stats()
		return stats.Canceled == 1 && !stats.Running
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_StopIsIdempotent(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.server.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.server.Stop(ctx))
	require.NoError(t, g.server.Stop(ctx))
}

func TestServer_UnauthenticatedClientTimesOut(t *testing.T) {
	g := newTestGatewayWith(t, func(cfg *Config) { cfg.AuthTimeout = 100 * time.Millisecond })

	wsURL := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "connection should be closed by the server")
	}

	assert.Eventually(t, func() bool { return g.server.clients.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_AuthenticatedClientOutlivesAuthTimeout(t *testing.T) {
	g := newTestGatewayWith(t, func(cfg *Config) { cfg.AuthTimeout = 50 * time.Millisecond })
	conn := g.dialAuthenticated(t)

	time.Sleep(150 * time.Millisecond)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "s1", Method: "scheduler.stats"}))
	msgs := readUntil(t, conn, func(msg wsMessage) bool { return msg.ID == "s1" })
	assert.Nil(t, msgs[len(msgs)-1].Error)
	assert.Equal(t, 1, g.server.clients.Count())
}

func TestServer_SetRateLimitsUpdatesConnectedClients(t *testing.T) {
	g := newTestGatewayWith(t, func(cfg *Config) {
		cfg.RequestsPerMinute = 30
		cfg.MaxConcurrent = 2
	})
	g.dialAuthenticated(t)

	g.server.SetRateLimits(0, 5)

	clients := g.server.clients.Snapshot(nil)
	require.Len(t, clients, 1)
	limiter := clients[0].RateLimiter
	limiter.mu.Lock()
	assert.Equal(t, 5, limiter.maxConcurrent)
	limiter.mu.Unlock()

	next := g.server.newRateLimiter()
	assert.Equal(t, 5, next.maxConcurrent)
	assert.Equal(t, perMinute(30), next.limiter.Limit())
}
