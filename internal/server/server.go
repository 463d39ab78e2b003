// Package server provides the HTTP server implementation.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/todo-api/internal/config"
	"github.com/vyrodovalexey/todo-api/internal/events"
	"github.com/vyrodovalexey/todo-api/internal/handler"
	"github.com/vyrodovalexey/todo-api/internal/middleware"
	"github.com/vyrodovalexey/todo-api/internal/store"
)

// Server runs the items API and, when configured, a separate probe server.
type Server struct {
	httpServer  *http.Server
	probeServer *http.Server
	router      *mux.Router
	probeRouter *mux.Router
	config      *config.Config
	logger      *zap.Logger
	store       store.Store

	hub       *events.Hub
	relay     *events.RedisRelay
	wsHandler *handler.WebSocketHandler

	relayMu     sync.Mutex
	relayCancel context.CancelFunc
	relayDone   chan struct{}
}

// New creates a new Server instance. A nil redisClient keeps item events
// inside this process.
func New(cfg *config.Config, logger *zap.Logger, itemStore store.Store, redisClient *redis.Client) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		probeRouter: mux.NewRouter(),
		config:      cfg,
		logger:      logger,
		store:       itemStore,
	}

	s.setupEvents(redisClient)
	s.setupMiddleware()
	s.setupRoutes()
	s.setupProbeRoutes()
	s.setupHTTPServer()

	return s
}

// setupEvents wires the item event feed.
func (s *Server) setupEvents(redisClient *redis.Client) {
	if !s.config.EventsEnabled {
		return
	}

	s.hub = events.NewHub(s.logger.Named("events"))
	if redisClient != nil {
		s.relay = events.NewRedisRelay(redisClient, s.config.RedisChannel, s.hub, s.logger.Named("events"))
	}
}

// publisher returns where item handlers send their events.
func (s *Server) publisher() events.Publisher {
	switch {
	case s.relay != nil:
		return s.relay
	case s.hub != nil:
		return s.hub
	default:
		return nil
	}
}

// setupMiddleware configures the middleware chain.
func (s *Server) setupMiddleware() {
	// First applied = outermost.
	s.router.Use(mux.MiddlewareFunc(middleware.Recovery(s.logger)))
	s.router.Use(mux.MiddlewareFunc(middleware.RequestID()))

	if s.config.MetricsEnabled {
		s.router.Use(mux.MiddlewareFunc(middleware.Metrics()))
	}

	s.router.Use(mux.MiddlewareFunc(middleware.Logging(s.logger)))
	s.router.Use(mux.MiddlewareFunc(middleware.CORS(
		s.config.CORSAllowedOrigins,
		middleware.DefaultCORSMethods,
		middleware.DefaultCORSHeaders,
	)))
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	restHandler := handler.NewRESTHandler(s.store, s.publisher(), s.logger)
	restHandler.RegisterRoutes(s.router)

	handler.NewProbeHandler(s.store, s.logger).RegisterRoutes(s.router)

	if s.hub != nil {
		s.wsHandler = handler.NewWebSocketHandler(s.hub, s.logger)
		s.wsHandler.RegisterRoutes(s.router)
	}

	if s.config.MetricsEnabled {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	// Preflight requests match no API route; this gives the CORS
	// middleware a route to run on.
	s.router.MatcherFunc(isPreflight).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// isPreflight matches OPTIONS requests without the method matcher, so other
// methods on unknown paths still answer 404 instead of 405.
func isPreflight(r *http.Request, _ *mux.RouteMatch) bool {
	return r.Method == http.MethodOptions
}

// setupProbeRoutes configures the probe router. It carries no API
// middleware so probes stay cheap.
func (s *Server) setupProbeRoutes() {
	handler.NewProbeHandler(s.store, s.logger).RegisterRoutes(s.probeRouter)

	if s.config.MetricsEnabled {
		s.probeRouter.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
}

// setupHTTPServer configures the HTTP servers.
func (s *Server) setupHTTPServer() {
	s.httpServer = &http.Server{
		Addr:              s.config.Address(),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	if s.config.ProbePort == 0 {
		return
	}

	s.probeServer = &http.Server{
		Addr:              s.config.ProbeAddress(),
		Handler:           s.probeRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// Start starts the probe server and event relay in the background and
// serves the API until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		zap.String("address", s.config.Address()),
		zap.Bool("metrics_enabled", s.config.MetricsEnabled),
		zap.Bool("events_enabled", s.hub != nil),
		zap.Bool("redis_relay", s.relay != nil),
	)

	s.startRelay()

	if s.probeServer != nil {
		go func() {
			s.logger.Info("starting probe server", zap.String("address", s.config.ProbeAddress()))
			if err := s.probeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("probe server failed", zap.Error(err))
			}
		}()
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server listen and serve: %w", err)
	}

	return nil
}

// startRelay runs the Redis relay until stopRelay is called.
func (s *Server) startRelay() {
	if s.relay == nil {
		return
	}

	s.relayMu.Lock()
	defer s.relayMu.Unlock()

	if s.relayCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.relayCancel = cancel
	s.relayDone = done

	go func() {
		defer close(done)
		s.relay.Run(ctx)
	}()
}

// stopRelay cancels the relay and waits for it to exit or ctx to expire.
func (s *Server) stopRelay(ctx context.Context) {
	s.relayMu.Lock()
	cancel, done := s.relayCancel, s.relayDone
	s.relayCancel, s.relayDone = nil, nil
	s.relayMu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("event relay did not stop before shutdown deadline")
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.stopRelay(ctx)

	if s.wsHandler != nil {
		s.wsHandler.CloseAllConnections()
	}

	var errs []error

	if s.probeServer != nil {
		if err := s.probeServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("probe server shutdown: %w", err))
		}
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.logger.Info("server shutdown complete")
	return nil
}

// Router returns the server's API router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ProbeRouter returns the router served on the probe port.
func (s *Server) ProbeRouter() *mux.Router {
	return s.probeRouter
}
