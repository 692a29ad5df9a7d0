package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"relay-go/pkg/config"
	"relay-go/pkg/gateway"
	"relay-go/pkg/logging"
	"relay-go/pkg/metrics"
)

// Server hosts the websocket endpoint plus the operational surface.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	cfg        *config.Config
	gw         *gateway.Gateway
	metrics    *metrics.Metrics
	log        *logging.Logger
}

// NewServer creates the HTTP server and wires its routes.
func NewServer(cfg *config.Config, gw *gateway.Gateway, m *metrics.Metrics, log *logging.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		router:  router,
		cfg:     cfg,
		gw:      gw,
		metrics: m,
		log:     log,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  15 * time.Second,
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.healthHandler)
	s.router.Handle("/metrics", s.metrics.Handler())

	// The websocket route bypasses the server's read/write timeouts: a
	// hijacked connection has its deadlines managed by the gateway.
	s.router.Handle("/ws", s.gw)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Fatalf("http server failed: %v", err)
		}
	}()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
