package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/abkit/internal/experiments"
	"github.com/haasonsaas/abkit/internal/notify"
	"github.com/haasonsaas/abkit/internal/observability"
	"github.com/haasonsaas/abkit/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

// runServe restores state and runs the sweeper, metrics endpoint and
// notifier until a shutdown signal arrives.
func runServe(cmd *cobra.Command, configPath string, debug bool) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, configPath, cmd.ErrOrStderr(), debug, serveSetup)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		if err := a.Close(closeCtx); err != nil {
			a.logger.Error(closeCtx, "Failed to release resources", "error", err)
		}
	}()

	a.logger.Info(ctx, "Starting abkit",
		"version", version,
		"commit", commit,
		"config", configPath,
		"storage", a.cfg.Storage.Driver,
		"experiments", len(a.manager.List()))

	errCh := make(chan error, 1)
	var server *http.Server
	if a.cfg.Metrics.Enabled {
		server = newMetricsServer(a.cfg.Metrics.Address)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		a.logger.Info(ctx, "Metrics endpoint listening", "address", a.cfg.Metrics.Address)
	}

	if a.cfg.Sweeper.Enabled {
		sweeper, err := scheduler.New(a.manager, a.cfg.Sweeper.Schedule, scheduler.WithLogger(a.logger))
		if err != nil {
			return err
		}
		// Catch up on experiments that became due while the service was down.
		sweeper.RunOnce(ctx)
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
		a.logger.Info(ctx, "Sweeper scheduled", "schedule", a.cfg.Sweeper.Schedule)
	}

	select {
	case <-ctx.Done():
		a.logger.Info(context.Background(), "Shutdown signal received")
	case err := <-errCh:
		return err
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	}
	a.logger.Info(context.Background(), "abkit stopped")
	return nil
}

// serveSetup wires metrics and the completion notifier into the engine.
func serveSetup(a *app) ([]experiments.Option, error) {
	var opts []experiments.Option
	if a.cfg.Metrics.Enabled {
		opts = append(opts, experiments.WithMetrics(observability.NewMetrics(prometheus.DefaultRegisterer)))
	}
	if tg := a.cfg.Notify.Telegram; tg.Enabled {
		notifier, err := notify.NewTelegram(tg.BotToken, tg.ChatID, notify.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telegram notifier: %w", err)
		}
		opts = append(opts, experiments.WithCompletionHook(notifier.Hook()))
	}
	return opts, nil
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
