package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/lintd/internal/metrics"
	"github.com/harun/lintd/internal/observability"
	"github.com/harun/lintd/pkg/analysis"
	"github.com/harun/lintd/pkg/promise"
	"github.com/harun/lintd/pkg/scheduler"
)

// SecretHeader carries the shared secret on HTTP RPC calls
const SecretHeader = "X-Lintd-Secret"

// AnalysisEngine is the part of analysis.Engine the gateway drives
type AnalysisEngine interface {
	Analyze(ctx context.Context, req analysis.AnalyzeRequest) (*promise.Promise[any], error)
	RegisterModule(ctx context.Context, module analysis.Module) (*promise.Promise[any], error)
	UnregisterModule(ctx context.Context, moduleKey string) (*promise.Promise[any], error)
	FireModuleFileEvent(ctx context.Context, moduleKey string, event analysis.FileEvent) (*promise.Promise[any], error)
	Modules() *analysis.ModuleRegistry
	Scheduler() *scheduler.Scheduler
}

type Config struct {
	Host string
	// Port 0 picks a free port; see Addr.
	Port         int
	SharedSecret string
	// TickInterval between keepalive events; negative disables them.
	TickInterval time.Duration
	// Per client limits.
	RequestsPerMinute int
	MaxConcurrent     int
	ShutdownTimeout   time.Duration
	// AuthTimeout closes connections that have not answered the challenge.
	AuthTimeout time.Duration

	Engine  AnalysisEngine
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

func (c Config) validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.SharedSecret == "":
		return errors.New("shared secret is required")
	case c.Engine == nil:
		return errors.New("analysis engine is required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	return c
}

// Server is the editor facing gateway: WebSocket sessions on /ws, one shot
// JSON-RPC on /rpc, plus /metrics and /healthz.
type Server struct {
	cfg     Config
	engine  AnalysisEngine
	metrics *metrics.Metrics
	logger  zerolog.Logger

	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	analyses    *analysisTracker
	upgrader    websocket.Upgrader

	limitsMu          sync.RWMutex
	requestsPerMinute int
	maxConcurrent     int

	server   *http.Server
	listener net.Listener

	closing  atomic.Bool
	inFlight sync.WaitGroup
	stopTick chan struct{}
	ticker   sync.WaitGroup
}

// NewServer validates cfg and registers the built-in methods
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	s := &Server{
		cfg:         cfg,
		engine:      cfg.Engine,
		metrics:     cfg.Metrics,
		logger:      logger,
		clients:     clients,
		router:      NewRPCRouter(),
		authHandler: NewAuthHandler(cfg.SharedSecret),
		broadcaster: NewEventBroadcaster(clients, logger),
		analyses:    newAnalysisTracker(),

		requestsPerMinute: cfg.RequestsPerMinute,
		maxConcurrent:     cfg.MaxConcurrent,
		upgrader: websocket.Upgrader{
			// editors connect from localhost tooling without an Origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if err := s.registerBuiltinMethods(); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the HTTP routes of the gateway
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	} else {
		mux.Handle("/metrics", observability.MetricsHandler())
	}
	return mux
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Gateway listening")
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	if s.cfg.TickInterval > 0 {
		s.stopTick = make(chan struct{})
		s.ticker.Add(1)
		go s.tick(s.cfg.TickInterval, s.stopTick)
	}
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	}
	return s.listener.Addr().String()
}

// Stop refuses new work, tells clients, waits for in-flight requests until
// ctx is done (or ShutdownTimeout when ctx has no deadline) and closes every
// connection. Calling it again is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	s.logger.Info().Msg("Gateway shutting down")
	if s.stopTick != nil {
		close(s.stopTick)
		s.ticker.Wait()
	}
	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	drained := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, closing connections with requests in flight")
	}

	for _, client := range s.clients.Snapshot(nil) {
		_ = client.Conn.Close()
	}
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	return s.closing.Load()
}

// tick publishes a keepalive carrying the queue depth
func (s *Server) tick(every time.Duration, stop <-chan struct{}) {
	defer s.ticker.Done()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			stats := s.engine.Scheduler().Stats()
			s.broadcaster.Broadcast("tick", map[string]interface{}{
				"status":  "alive",
				"pending": stats.Pending,
				"running": stats.Running,
			})
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.shuttingDown() || s.engine.Scheduler().IsStopped() {
		status, code = "stopping", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  status,
		"clients": s.clients.Count(),
		"modules": s.engine.Modules().Len(),
	})
}

// Broadcast publishes a server event to all authenticated clients
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod adds a method next to the built-in ones
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

func (s *Server) UnregisterMethod(name string) {
	s.router.UnregisterMethod(name)
}

// Methods returns the registered RPC method names
func (s *Server) Methods() []string {
	return s.router.GetMethods()
}

// SetRateLimits changes the per client limits of new and already connected clients.
// Values <= 0 keep the current limit.
func (s *Server) SetRateLimits(requestsPerMinute, maxConcurrent int) {
	s.limitsMu.Lock()
	if requestsPerMinute > 0 {
		s.requestsPerMinute = requestsPerMinute
	}
	if maxConcurrent > 0 {
		s.maxConcurrent = maxConcurrent
	}
	rpm, conc := s.requestsPerMinute, s.maxConcurrent
	s.limitsMu.Unlock()

	for _, client := range s.clients.Snapshot(nil) {
		client.RateLimiter.UpdateLimits(rpm, conc)
	}
	s.logger.Info().Int("requestsPerMinute", rpm).Int("maxConcurrent", conc).Msg("Rate limits updated")
}

func (s *Server) newRateLimiter() *ClientRateLimiter {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	return NewClientRateLimiterWithLimits(s.requestsPerMinute, s.maxConcurrent)
}

// GetConnectedClients describes every open connection
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Infos(time.Now())
}
