package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/gochat-gateway/internal/auth"
	"github.com/Tyrowin/gochat-gateway/internal/gateway"
	"github.com/Tyrowin/gochat-gateway/internal/observability"
	"github.com/Tyrowin/gochat-gateway/internal/push"
	"github.com/Tyrowin/gochat-gateway/internal/server"
	"github.com/Tyrowin/gochat-gateway/internal/store"
)

const shutdownTimeout = 30 * time.Second

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long: `Start the websocket gateway.

The server opens the configured store, applies pending migrations, reconciles
presence left over from a previous run, and serves /ws, /health and /metrics.
Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.AuthSecret == "" {
		return errors.New("AUTH_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()

	var (
		pusher     gateway.Pusher
		dispatcher *push.Dispatcher
	)
	if cfg.Push.Enabled() {
		dispatcher = push.NewDispatcher(push.Config{
			Workers:    cfg.Push.Workers,
			QueueSize:  cfg.Push.QueueSize,
			RatePerSec: cfg.Push.RatePerSec,
		}, push.NewWebPushSender(cfg.Push.PublicKey, cfg.Push.PrivateKey, cfg.Push.Subject), st, logger, metrics)
		dispatcher.Start()
		pusher = dispatcher
	} else {
		logger.Info("web push disabled; VAPID keys not configured")
	}

	gw := gateway.New(gateway.Config{
		Store:         st,
		Logger:        logger,
		Metrics:       metrics,
		Pusher:        pusher,
		TypingTimeout: cfg.TypingTimeout,
	})
	defer gw.Close()

	// Nothing is connected yet, so every stored non-offline presence is stale.
	if n, err := gw.Reconcile(ctx); err != nil {
		logger.Warn("startup presence reconciliation failed", "error", err)
	} else if n > 0 {
		logger.Info("reset stale presence", "users", n)
	}
	if err := gw.StartSweeper(context.WithoutCancel(ctx), cfg.PresenceSweep); err != nil {
		return err
	}

	srv := server.New(cfg, gw, auth.NewVerifier(cfg.AuthSecret), logger, metrics, reg)
	srv.StartHub()
	httpServer := server.CreateServer(cfg.Port, srv.Routes())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Port, "store", cfg.Store.Driver, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout, logger); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := srv.Hub().Shutdown(shutdownTimeout); err != nil {
		logger.Warn("hub shutdown incomplete", "error", err)
	}
	if dispatcher != nil {
		dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := dispatcher.Close(dctx); err != nil {
			logger.Warn("push dispatcher did not drain", "error", err)
		}
		cancel()
	}
	logger.Info("gateway stopped")
	return nil
}

// openStore opens the configured store. SQL stores are migrated before use.
func openStore(ctx context.Context, cfg server.StoreConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		return store.NewMemory(), nil
	}
	s, err := openSQL(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func openSQL(ctx context.Context, cfg server.StoreConfig) (*store.SQL, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.OpenSQL(ctx, store.DialectSQLite, cfg.DSN)
	case "postgres":
		return store.OpenSQL(ctx, store.DialectPostgres, cfg.DSN)
	default:
		return nil, fmt.Errorf("store driver %q has no database", cfg.Driver)
	}
}
