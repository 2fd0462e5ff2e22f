package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucasew/dbregistry"
	"github.com/lucasew/dbregistry/internal/errutil"
	"github.com/lucasew/dbregistry/internal/handler"
	"github.com/lucasew/dbregistry/internal/metrics"
)

type Config struct {
	Port          int
	URLs          []string
	Registry      dbregistry.Config
	HealthTimeout time.Duration
}

// NewServer sets up the process-wide engine registry, opens the engines
// listed in cfg.URLs and returns a diagnostics server for it. The cleanup
// function closes every engine.
func NewServer(ctx context.Context, cfg Config) (*http.Server, func(), error) {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	observer, err := metrics.NewObserver(promRegistry)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	if err := dbregistry.Init(cfg.Registry, dbregistry.WithObserver(observer)); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize engine registry: %w", err)
	}
	engines := dbregistry.Default()

	cleanup := func() {
		errutil.ReportError(dbregistry.Shutdown(), "Failed to close engines")
	}

	if err := promRegistry.Register(newEngineCollector(engines)); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to register engine collector: %w", err)
	}

	for _, u := range cfg.URLs {
		e, err := engines.GetOrCreateLocked(ctx, u)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		slog.Info("Engine ready", "key", e.Key, "driver", e.Driver)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.Handle("/engines", handler.NewEnginesHandler(engines))
	mux.Handle("/healthz", handler.NewHealthHandler(engines, cfg.HealthTimeout))

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("Starting diagnostics server",
		"addr", addr,
		"engines", engines.Len(),
		"sweep_interval", cfg.Registry.SweepInterval,
		"item_ttl", cfg.Registry.ItemTTL,
		"removal_strategy", cfg.Registry.RemovalStrategy,
	)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return server, cleanup, nil
}
