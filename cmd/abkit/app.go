package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/haasonsaas/abkit/internal/config"
	"github.com/haasonsaas/abkit/internal/experiments"
	"github.com/haasonsaas/abkit/internal/observability"
	"github.com/haasonsaas/abkit/internal/persistence"
)

// app bundles the runtime dependencies shared by every command.
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	tracer  *observability.Tracer
	manager *experiments.Manager
	closers []func(context.Context) error
}

// setupFunc contributes engine options once config and logging are ready.
type setupFunc func(a *app) ([]experiments.Option, error)

// openApp loads config, opens storage and restores engine state. Options
// from setup are applied after the storage options.
func openApp(ctx context.Context, configPath string, logOutput io.Writer, debug bool, setup setupFunc) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: logOutput,
	})

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	a := &app{cfg: cfg, logger: logger, tracer: tracer}
	a.closers = append(a.closers, shutdownTracer)

	codec, err := persistence.CodecFor(cfg.Storage.Codec)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	gateway, closeDB, err := persistence.Open(ctx, persistence.Config{
		Driver: cfg.Storage.Driver,
		DSN:    cfg.Storage.DSN,
		Table:  cfg.Storage.Table,
	}, tracer)
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return closeDB() })
	if _, inMemory := gateway.(*persistence.Memory); !inMemory {
		policy := persistence.DefaultRetryPolicy()
		policy.Attempts = cfg.Storage.SaveRetries
		gateway = persistence.NewRetrying(gateway, policy)
	}

	opts := []experiments.Option{
		experiments.WithGateway(gateway),
		experiments.WithCodec(codec),
		experiments.WithLogger(logger),
		experiments.WithDefaults(experiments.Defaults{
			SampleSize:      cfg.Experiments.DefaultSampleSize,
			MinRunDays:      cfg.Experiments.DefaultMinRunDays,
			ConfidenceLevel: cfg.Experiments.DefaultConfidenceLevel,
		}),
	}
	if setup != nil {
		extra, err := setup(a)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		opts = append(opts, extra...)
	}
	a.manager = experiments.NewManager(opts...)
	if err := a.manager.Restore(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to restore state: %w", err)
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp runs fn against a freshly opened app and closes it afterwards.
func withApp(ctx context.Context, configPath string, logOutput io.Writer, fn func(*app) error) (err error) {
	a, err := openApp(ctx, configPath, logOutput, false, nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
