package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tyrowin/gochat-gateway/internal/auth"
	"github.com/Tyrowin/gochat-gateway/internal/gateway"
	"github.com/Tyrowin/gochat-gateway/internal/observability"
)

// Server bundles the transport: the hub, the upgrader and its origin policy,
// and the token verifier consulted before every upgrade.
type Server struct {
	cfg      Config
	hub      *Hub
	verifier *auth.Verifier
	origins  *originPolicy
	upgrader websocket.Upgrader
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// New creates the transport for gw. gatherer backs /metrics and may be nil.
func New(cfg Config, gw *gateway.Gateway, verifier *auth.Verifier, logger *slog.Logger, metrics *observability.Metrics, gatherer prometheus.Gatherer) *Server {
	cfg = sanitizeConfig(cfg)
	s := &Server{
		cfg:      cfg,
		hub:      NewHub(gw, cfg, logger, metrics),
		verifier: verifier,
		origins:  newOriginPolicy(cfg.AllowedOrigins, logger),
		gatherer: gatherer,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub { return s.hub }

// StartHub runs the hub loop in its own goroutine. Call it before serving.
func (s *Server) StartHub() {
	go s.hub.Run()
	s.logger.Info("hub started")
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, logger *slog.Logger) error {
	logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	logger.Info("HTTP server shutdown completed")
	return nil
}
