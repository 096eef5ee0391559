// Command sentinel-engine is the Cycle Orchestrator's process: it loads a
// rule document, plans it, and runs the fixed-period cycle loop against a
// key/value store until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/aegisshield/sentinel/internal/config"
	"github.com/aegisshield/sentinel/internal/cycle"
	"github.com/aegisshield/sentinel/internal/kvstore"
	"github.com/aegisshield/sentinel/internal/obs"
	"github.com/aegisshield/sentinel/internal/planner"
	"github.com/aegisshield/sentinel/internal/ruledoc"
	"github.com/aegisshield/sentinel/internal/window"
)

const (
	serviceName = "sentinel-engine"
	version     = "1.0.0"
)

func main() {
	flags := pflag.NewFlagSet(serviceName, pflag.ExitOnError)
	flags.String("rules.document_path", "", "path to the rule document")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := obs.NewLogger(cfg.Logging, cfg.Environment, cfg.Debug)
	logger.Info("starting cycle engine", "service", serviceName, "version", version)

	ruleSet, err := ruledoc.Load(cfg.Rules.DocumentPath)
	if err != nil {
		logger.Error("failed to load rule document", "error", err)
		os.Exit(1)
	}

	plan, err := planner.Plan(ruleSet)
	if err != nil {
		logger.Error("failed to plan rule set", "error", err)
		os.Exit(1)
	}
	logger.Info("planned rule set", "rules", len(plan.Rules), "layers", len(plan.Layers))

	store, err := buildStore(cfg.Store)
	if err != nil {
		logger.Error("failed to build key/value store client", "error", err)
		os.Exit(1)
	}

	windowStore := window.NewStore(cfg.Cycle.Period(), cfg.Store.BufferCapacity)
	cycle.ConfigureWindows(plan, windowStore)

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry)

	orchestrator := cycle.New(plan, store, windowStore, cycle.Options{
		Period:    cfg.Cycle.Period(),
		OpTimeout: time.Duration(float64(cfg.Cycle.Period()) * cfg.Cycle.TimeoutMultiplier),
		PoolSize:  cfg.Cycle.WorkerPoolSize,
		Logger:    logger,
		Metrics:   metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("starting metrics server", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
				cancel()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orchestrator.Run(ctx); err != nil {
			logger.Error("cycle orchestrator failed", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	cancel()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server gracefully", "error", err)
		}
	}

	wg.Wait()
	logger.Info("engine shutdown complete")
}

func buildStore(cfg config.StoreConfig) (kvstore.Store, error) {
	switch cfg.Kind {
	case "", "memory":
		return kvstore.NewMemoryStore(), nil
	case "redis":
		return kvstore.NewRedisStore(kvstore.RedisOptions{
			Addr: cfg.RedisAddr, DB: cfg.RedisDB,
			RateLimitPerSec: cfg.RateLimitPerSec, MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBaseDelay,
		}), nil
	case "http":
		return kvstore.NewHTTPStore(kvstore.HTTPOptions{
			BaseURL: cfg.HTTPBaseURL, TimeoutMs: cfg.HTTPTimeoutMs,
			RateLimitPerSec: cfg.RateLimitPerSec, MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBaseDelay,
		}), nil
	}
	return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
}
