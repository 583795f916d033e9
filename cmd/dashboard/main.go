// Command dashboard runs the live scan dashboard: it ingests scanner
// events over HTTP, folds them into per-scan aggregates, streams them
// to viewers over websockets, and coordinates scan kills through the
// shared signal directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/auth"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/broadcast"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/config"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/hooks"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/killswitch"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/registry"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/server"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dashboard:", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.ParseFlags()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	killer, err := killswitch.New(cfg.KillSwitchDir, logger)
	if err != nil {
		return err
	}
	reg := registry.New(killer, logger)

	router := broadcast.NewRouter(broadcast.Options{
		QueueSize: cfg.QueueSize,
		Logger:    logger,
	})
	defer router.Close()

	router.RegisterHook(hooks.NewLoggerHook(logger))

	metrics, err := hooks.NewPrometheusHook(router)
	if err != nil {
		return err
	}
	router.RegisterHook(metrics)

	if cfg.OTLPEndpoint != "" {
		otelHook, err := hooks.NewOTelHook(hooks.OTelOptions{
			Endpoint: cfg.OTLPEndpoint,
			Insecure: true,
		})
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			router.RegisterHook(otelHook)
			defer otelHook.Close()
		}
	}

	st := stream.New(router, reg, stream.Options{
		LogCapacity: cfg.EventLogCapacity,
		ReplayCount: cfg.ReplayCount,
		Logger:      logger,
	})

	var verifiers auth.MultiVerifier
	if cfg.JWTSecret != "" {
		verifiers = append(verifiers, auth.NewJWTVerifier(cfg.JWTSecret))
	}
	if cfg.DashboardToken != "" {
		verifiers = append(verifiers, auth.NewStaticVerifier(cfg.DashboardToken))
	}

	srv, err := server.New(server.Options{
		Config:   cfg,
		Stream:   st,
		Registry: reg,
		Verifier: verifiers,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
