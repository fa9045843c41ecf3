package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jobmesh/relay/internal/auth"
	"github.com/jobmesh/relay/internal/config"
	"github.com/jobmesh/relay/internal/logging"
	"github.com/jobmesh/relay/internal/notify"
	"github.com/jobmesh/relay/internal/server"
	"github.com/jobmesh/relay/internal/store"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("relayd starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("store", cfg.StorePath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.LoadAt(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	var verifier auth.Verifier = auth.AllowAll{}
	if cfg.AuthSecret != "" {
		verifier = auth.NewHS256Verifier(cfg.AuthSecret)
		logger.Info("token verification enabled")
	} else {
		logger.Warn("no auth secret configured, accepting claimed identities")
	}

	registry := server.NewRegistry()
	router := server.NewRouter(registry, st, verifier, logging.WithComponent(logger, "router"))
	ws := server.NewServer(registry, router, logging.WithComponent(logger, "ws"))
	broadcaster := notify.NewBroadcaster(logging.WithComponent(logger, "notify"))
	notifications := server.NewNotificationAPI(st, broadcaster, logging.WithComponent(logger, "notifications"))

	mux := server.NewMux(server.MuxConfig{
		WS:            ws,
		NotifyWS:      http.HandlerFunc(broadcaster.HandleWS),
		Notifications: notifications,
	})

	// No ReadTimeout or WriteTimeout: they would apply a deadline to
	// the long-lived WebSocket connections accepted through this server.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	return g.Wait()
}
