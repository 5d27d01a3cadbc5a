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
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/toolmesh/internal/metrics"
	"github.com/harun/toolmesh/internal/observability"
	"github.com/harun/toolmesh/pkg/agent"
	"github.com/harun/toolmesh/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

const (
	// DefaultShutdownTimeout bounds how long Stop waits for in-flight
	// invocations.
	DefaultShutdownTimeout = 30 * time.Second

	maxRequestBytes = 1 << 20
)

// Invoker runs agent invocations. *agent.Loop implements it.
type Invoker interface {
	Run(ctx context.Context, in agent.Input) (*agent.Result, error)
	Stream(ctx context.Context, in agent.Input) *agent.ChunkStream
}

// ToolLister reports the merged tool catalog. *toolexecutor.Catalog
// implements it.
type ToolLister interface {
	Specs(ctx context.Context) ([]toolexecutor.ToolSpec, error)
	Unavailable() []string
}

// Server exposes the agent loop over HTTP and WebSocket.
type Server struct {
	host            string
	port            int
	shutdownTimeout time.Duration
	requestsPerMin  int
	maxConcurrent   int

	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	authHandler *AuthHandler
	broadcaster *EventBroadcaster

	invoker Invoker
	tools   ToolLister
	metrics *metrics.Metrics
	audit   *observability.AuditLogger
	logger  zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup

	// baseCtx parents WebSocket invocations; Stop cancels it.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// Config holds server configuration
type Config struct {
	Host string
	// Port 0 binds a free port; see Addr.
	Port int
	// SharedSecret enables authentication when set.
	SharedSecret string

	Invoker Invoker
	Tools   ToolLister

	// Per WebSocket connection limits. Zero means the defaults.
	RequestsPerMinute int
	MaxConcurrent     int

	ShutdownTimeout time.Duration
	Metrics         *metrics.Metrics
	// Audit records invocations and authentication decisions. Nil disables it.
	Audit  *observability.AuditLogger
	Logger zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool lister is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}

	clients := NewClientRegistry()
	baseCtx, baseCancel := context.WithCancel(context.Background())

	authHandler := NewAuthHandler(cfg.SharedSecret)
	authHandler.OnReject = func(r *http.Request) {
		cfg.Audit.RecordSecurity(r.Context(), "http.auth", r.RemoteAddr, observability.StatusFailure,
			map[string]interface{}{"path": r.URL.Path})
	}

	return &Server{
		host:            cfg.Host,
		port:            cfg.Port,
		shutdownTimeout: cfg.ShutdownTimeout,
		requestsPerMin:  cfg.RequestsPerMinute,
		maxConcurrent:   cfg.MaxConcurrent,
		clients:         clients,
		authHandler:     authHandler,
		broadcaster:     NewEventBroadcaster(clients, cfg.Logger),
		invoker:         cfg.Invoker,
		tools:           cfg.Tools,
		metrics:         cfg.Metrics,
		audit:           cfg.Audit,
		logger:          cfg.Logger,
		baseCtx:         baseCtx,
		baseCancel:      baseCancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // authentication is by shared secret, not origin
			},
		},
	}, nil
}

// Handler returns the gateway routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/invoke", s.instrument("invoke", s.authHandler.Middleware(http.HandlerFunc(s.handleInvoke))))
	mux.Handle("GET /v1/tools", s.instrument("tools", s.authHandler.Middleware(http.HandlerFunc(s.handleTools))))
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the gateway server. In-flight invocations get
// the shutdown timeout to finish before they are cancelled.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, cancelling invocations")
	}
	s.baseCancel()

	for _, client := range s.clients.Clients(false) {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// Broadcast sends an event to all authenticated WebSocket clients.
func (s *Server) Broadcast(event string, payload interface{}) int {
	return s.broadcaster.Broadcast(event, payload)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordGatewayRequest(route, rec.code)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
