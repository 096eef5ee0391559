// Command sentinel-tester is the Scenario Synthesizer and Runner's
// process. It has two subcommands:
//
//	sentinel-tester generate   synthesizes a scenario document from a rule document
//	sentinel-tester run        executes a scenario document against a key/value store
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/aegisshield/sentinel/internal/config"
	"github.com/aegisshield/sentinel/internal/kvstore"
	"github.com/aegisshield/sentinel/internal/obs"
	"github.com/aegisshield/sentinel/internal/planner"
	"github.com/aegisshield/sentinel/internal/ruledoc"
	"github.com/aegisshield/sentinel/internal/runner"
	"github.com/aegisshield/sentinel/internal/scenario"
	"github.com/aegisshield/sentinel/internal/synth"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: sentinel-tester <generate|run> [flags]")
		os.Exit(2)
	}
	sub := os.Args[1]

	flags := pflag.NewFlagSet("sentinel-tester", pflag.ExitOnError)
	flags.Parse(os.Args[2:])

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Logging, cfg.Environment, cfg.Debug)
	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry)

	switch sub {
	case "generate":
		runGenerate(logger, cfg, metrics)
	case "run":
		runRun(logger, cfg, metrics)
	default:
		fmt.Printf("unknown subcommand %q\n", sub)
		os.Exit(2)
	}
}

func runGenerate(logger *slog.Logger, cfg config.Config, metrics *obs.Metrics) {
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

	doc, warnings, err := synth.Synthesize(plan, cfg.Cycle.PeriodMs, metrics)
	if err != nil {
		logger.Error("failed to synthesize scenarios", "error", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		logger.Warn("synthesis warning", "rule", w.RuleName, "reason", w.Reason)
	}

	raw, err := scenario.MarshalDocument(doc)
	if err != nil {
		logger.Error("failed to marshal scenario document", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(cfg.Scenario.OutputPath, raw, 0o644); err != nil {
		logger.Error("failed to write scenario document", "error", err)
		os.Exit(1)
	}
	logger.Info("synthesized scenarios", "scenarios", len(doc.Scenarios), "path", cfg.Scenario.OutputPath)
}

func runRun(logger *slog.Logger, cfg config.Config, metrics *obs.Metrics) {
	raw, err := os.ReadFile(cfg.Scenario.OutputPath)
	if err != nil {
		logger.Error("failed to read scenario document", "error", err)
		os.Exit(1)
	}
	doc, err := scenario.UnmarshalDocument(raw)
	if err != nil {
		logger.Error("failed to parse scenario document", "error", err)
		os.Exit(1)
	}

	store, err := buildStore(cfg.Store)
	if err != nil {
		logger.Error("failed to build key/value store client", "error", err)
		os.Exit(1)
	}

	r := runner.New(store, cfg.Scenario.KeyPrefix, runner.Options{
		StepDelayMultiplier:     cfg.Cycle.StepDelayMultiplier,
		TimeoutMultiplier:       cfg.Cycle.TimeoutMultiplier,
		GlobalTimeoutMultiplier: cfg.Cycle.GlobalTimeoutMultiplier,
		Logger:                  logger,
		Metrics:                 metrics,
	})
	results := r.RunDocument(context.Background(), doc)

	failures := 0
	for _, res := range results.Results {
		if !res.Success {
			failures++
		}
	}
	logger.Info("scenario run complete", "scenarios", len(results.Results), "failures", failures)

	out, err := scenario.MarshalResults(results)
	if err != nil {
		logger.Error("failed to marshal scenario results", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(cfg.Scenario.ResultPath, out, 0o644); err != nil {
		logger.Error("failed to write scenario results", "error", err)
		os.Exit(1)
	}
	if failures > 0 {
		os.Exit(1)
	}
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
