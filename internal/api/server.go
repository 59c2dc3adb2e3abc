package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nerrad567/replica-core/internal/infrastructure/config"
	"github.com/nerrad567/replica-core/internal/infrastructure/logging"
	"github.com/nerrad567/replica-core/internal/ingest"
	"github.com/nerrad567/replica-core/internal/replica"
	"github.com/nerrad567/replica-core/internal/schema"
	"github.com/nerrad567/replica-core/internal/store"
	"github.com/nerrad567/replica-core/internal/twin"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// IngestionStatus reports the state of the telemetry ingestion pipeline.
// *ingest.Pipeline satisfies it.
type IngestionStatus interface {
	State() ingest.State
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Store   store.Store
	Schemas *schema.Registry

	// Factory defaults to replica.NewFactory(Schemas).
	Factory *replica.Factory

	// Recorder serves the measurement and room access endpoints; they
	// answer 503 without it.
	Recorder *ingest.Recorder

	// Twins serves the /twins endpoints; they answer 503 without it.
	Twins *twin.Runtime

	Ingestion   IngestionStatus
	ExternalHub *Hub // If set, the server uses this hub instead of creating its own
	Version     string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	store       store.Store
	schemas     *schema.Registry
	factory     *replica.Factory
	recorder    *ingest.Recorder
	twins       *twin.Runtime
	ingestion   IngestionStatus
	version     string
	startTime   time.Time
	server      *http.Server
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()

	requests     atomic.Int64
	serverErrors atomic.Int64
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if deps.Schemas == nil {
		return nil, fmt.Errorf("schema registry is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		store:     deps.Store,
		schemas:   deps.Schemas,
		factory:   deps.Factory,
		recorder:  deps.Recorder,
		twins:     deps.Twins,
		ingestion: deps.Ingestion,
		version:   deps.Version,
		startTime: time.Now(),
	}
	if s.factory == nil {
		s.factory = replica.NewFactory(deps.Schemas)
	}

	// The recorder needs the hub before the server starts, so the caller
	// usually creates it and passes it in.
	if deps.ExternalHub != nil {
		s.attachHub(deps.ExternalHub)
		s.externalHub = true
	}

	return s, nil
}

// attachHub makes h the server's hub and lets it resolve twin members.
func (s *Server) attachHub(h *Hub) {
	s.hub = h
	if s.twins != nil {
		h.SetTwins(s.twins)
	}
}

// Hub returns the WebSocket hub, or nil before Start when none was injected.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub and launches the HTTP
// listener in a background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.attachHub(NewHub(s.wsCfg, s.logger))
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
