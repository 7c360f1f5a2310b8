// Package gateway exposes the engine over a websocket RPC endpoint: one
// persistent connection per client, request/response envelopes dispatched
// through the method registry, and server-pushed event frames fanned out by
// the hub.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tronlabs/tron/internal/agent"
	"github.com/tronlabs/tron/internal/contextmgr"
	"github.com/tronlabs/tron/internal/eventstore"
	"github.com/tronlabs/tron/internal/notes"
	"github.com/tronlabs/tron/internal/observability"
	"github.com/tronlabs/tron/internal/rpc"
	"github.com/tronlabs/tron/internal/tasks"
)

const (
	protocolVersion = 1
	maxPayloadBytes = 1 << 20
	sendBufferSize  = 64
	pingInterval    = 15 * time.Second
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
)

// Config configures the RPC endpoint.
type Config struct {
	// Addr is the listen address.
	Addr string

	// AuthToken, when set, requires a connect handshake carrying the token
	// before any other method is dispatched.
	AuthToken string

	// MetricsEnabled mounts /metrics beside /ws and /healthz.
	MetricsEnabled bool

	// PlanDir is where plan.save writes plan documents.
	PlanDir string

	// ServerVersion is reported by system.status and system.connected.
	ServerVersion string

	// ModelWindows backs model.list; keys are model ids, values context
	// window sizes.
	ModelWindows map[string]int64
}

// Deps wires the gateway's collaborators. Store is required; every other
// field is optional and gates its method family when nil.
type Deps struct {
	Store    *eventstore.Store
	Runtime  *agent.Runtime
	Tools    *agent.Registry
	Context  *contextmgr.Manager
	Tasks    *tasks.Store
	Notes    *notes.Manager
	Managers Managers
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
}

// Server is the websocket RPC endpoint.
type Server struct {
	store      *eventstore.Store
	runtime    *agent.Runtime
	tools      *agent.Registry
	contextMgr *contextmgr.Manager
	tasks      *tasks.Store
	notes      *notes.Manager
	managers   Managers

	config  Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	registry     *rpc.Registry
	hub          *hub
	upgrader     websocket.Upgrader
	managerNames []string

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time
}

// NewServer assembles the endpoint: method registry, middleware chain, and
// broadcast hub. Call Start to serve.
func NewServer(deps Deps, cfg Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Output: io.Discard})
	}
	logger = logger.Component("gateway")

	s := &Server{
		store:      deps.Store,
		runtime:    deps.Runtime,
		tools:      deps.Tools,
		contextMgr: deps.Context,
		tasks:      deps.Tasks,
		notes:      deps.Notes,
		managers:   deps.Managers,
		config:     cfg,
		logger:     logger,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		registry:   rpc.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		startTime: time.Now().UTC(),
	}
	s.hub = newHub(logger, deps.Metrics)
	s.managerNames = s.availableManagers()

	s.registry.Use(rpc.Recovery(logger))
	s.registry.Use(rpc.Tracing(deps.Tracer))
	s.registry.Use(rpc.Logging(logger))
	s.registry.Use(rpc.Metrics(deps.Metrics))
	s.registry.Use(s.registry.SchemaValidation())

	s.registerSystemMethods()
	s.registerSessionMethods()
	s.registerAgentMethods()
	s.registerSearchMethods()
	s.registerTaskMethods()
	s.registerNoteMethods()
	s.registerManagerMethods()
	return s
}

// availableManagers names the subsystems this server actually wired, for
// the registry's requiredManagers gate.
func (s *Server) availableManagers() []string {
	var names []string
	if s.runtime != nil {
		names = append(names, managerAgent)
	}
	if s.contextMgr != nil {
		names = append(names, managerContext)
	}
	if s.tasks != nil {
		names = append(names, managerTasks)
	}
	if s.notes != nil {
		names = append(names, managerVoiceNotes)
	}
	if s.managers.File != nil {
		names = append(names, managerFile)
	}
	if s.managers.Filesystem != nil {
		names = append(names, managerFilesystem)
	}
	if s.managers.Worktree != nil {
		names = append(names, managerWorktree)
	}
	if s.managers.Browser != nil {
		names = append(names, managerBrowser)
	}
	if s.managers.Transcriber != nil {
		names = append(names, managerTranscriber)
	}
	if s.managers.Canvas != nil {
		names = append(names, managerCanvas)
	}
	return names
}

// Hub returns the broadcast sink; the orchestrator emits its wire events
// through it.
func (s *Server) Hub() agent.EventSink {
	return s.hub
}

// Methods lists the registered method names, sorted.
func (s *Server) Methods() []string {
	return s.registry.Methods()
}

// dispatch stamps the available managers onto the context and runs the
// registry.
func (s *Server) dispatch(ctx context.Context, req *rpc.Request) *rpc.Response {
	ctx = rpc.WithManagers(ctx, s.managerNames...)
	ctx = observability.WithRequestID(ctx, req.ID)
	return s.registry.Dispatch(ctx, req)
}

// Handler builds the HTTP mux: /ws, /healthz, and /metrics when enabled.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.config.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), "gateway server error", "error", err)
		}
	}()

	s.logger.Info(context.Background(), "gateway listening",
		"addr", listener.Addr().String(), "methods", len(s.registry.Methods()))
	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown closes every client connection with a normal-closure frame and
// stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll(websocket.CloseNormalClosure, "server shutting down")
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down gateway: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
