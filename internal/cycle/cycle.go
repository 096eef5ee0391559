// Package cycle implements the Cycle Orchestrator (C7): a fixed-period
// loop that snapshots input: sensors, evaluates rules layer by layer,
// and commits every output the cycle produced in one batch (§4.7).
//
// Grounded on internal/scheduler/scheduler.go's shutdownChan/WaitGroup
// cooperative-shutdown idiom (kept here, since the orchestrator's
// cancellation discipline is the same shape: a signal honored between
// units of work, never mid-unit) with cron.Cron replaced by a plain
// time.Ticker — a 100ms default cycle period is below cron's practical
// resolution and the loop has no calendar semantics to justify a cron
// expression (see DESIGN.md's dropped-dependency note for robfig/cron).
// Layer fan-out uses golang.org/x/sync/errgroup in place of the teacher's
// hand-rolled EvaluationPool, bounded to the configured worker pool size.
package cycle

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aegisshield/sentinel/internal/kvstore"
	"github.com/aegisshield/sentinel/internal/model"
	"github.com/aegisshield/sentinel/internal/obs"
	"github.com/aegisshield/sentinel/internal/planner"
	"github.com/aegisshield/sentinel/internal/ruleeval"
	"github.com/aegisshield/sentinel/internal/window"
)

// Orchestrator runs plan's rules on a fixed period against store, keeping
// per-sensor history in windowStore for sustained() evaluation.
type Orchestrator struct {
	plan       *planner.Plan
	store      kvstore.Store
	windowStore *window.Store
	period     time.Duration
	opTimeout  time.Duration
	poolSize   int
	logger     *slog.Logger
	metrics    *obs.Metrics

	states []*ruleeval.RuleState // parallel to plan.Rules
	epoch  time.Time
	cycleN int64
}

// Options configures an Orchestrator.
type Options struct {
	Period    time.Duration
	OpTimeout time.Duration
	PoolSize  int // 0 or less means runtime.GOMAXPROCS(0)
	Logger    *slog.Logger
	Metrics   *obs.Metrics
}

func New(plan *planner.Plan, store kvstore.Store, windowStore *window.Store, opts Options) *Orchestrator {
	states := make([]*ruleeval.RuleState, len(plan.Rules))
	for i := range states {
		states[i] = ruleeval.NewRuleState()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.GOMAXPROCS(0)
	}
	return &Orchestrator{
		plan: plan, store: store, windowStore: windowStore,
		period: opts.Period, opTimeout: opts.OpTimeout, poolSize: poolSize,
		logger: logger, metrics: opts.Metrics, states: states, epoch: time.Now(),
	}
}

// ConfigureWindows sizes windowStore's per-sensor ring buffers from the
// largest ThresholdOverTime duration any rule in plan references against
// that sensor (§4.4, §9). Call once after planning and before Run.
func ConfigureWindows(plan *planner.Plan, windowStore *window.Store) {
	maxDur := make(map[model.Key]int64)
	for _, a := range plan.Analyses {
		for sensor := range a.ReferencedSensors {
			if ms := a.MaxDurationMs(sensor); ms > maxDur[sensor] {
				maxDur[sensor] = ms
			}
		}
	}
	for sensor, ms := range maxDur {
		if ms > 0 {
			windowStore.Configure(sensor, time.Duration(ms)*time.Millisecond)
		}
	}
}

// Run drives the cycle loop until ctx is cancelled. Shutdown is
// cooperative: cancellation is only observed between layers and between
// cycles, never inside an in-flight layer (§4.7, §5).
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case tick := <-ticker.C:
			now := tick.Sub(o.epoch)
			start := time.Now()
			if err := o.runCycle(ctx, now); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				o.logger.Error("cycle failed", "cycle", o.cycleN, "error", err)
			}
			o.cycleN++
			elapsed := time.Since(start)
			overrun := elapsed > o.period
			if overrun {
				o.logger.Warn("cycle overrun", "cycle", o.cycleN, "elapsed", elapsed, "period", o.period)
			}
			if o.metrics != nil {
				o.metrics.ObserveCycle(elapsed, overrun)
			}
		}
	}
}

// runCycle executes one snapshot -> layered evaluation -> commit pass.
func (o *Orchestrator) runCycle(ctx context.Context, now time.Duration) error {
	snapshot := o.snapshot(ctx, now)

	allWrites := make(map[model.Key]model.Value)
	outputsSoFar := make(map[model.Key]model.Value)

	for _, layer := range o.plan.Layers {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		results, err := o.evaluateLayer(ctx, layer, snapshot, outputsSoFar, now)
		if err != nil {
			return err
		}
		for _, res := range results {
			if res == nil {
				continue
			}
			if res.Skipped {
				if o.metrics != nil {
					o.metrics.RuleSkippedTotal.WithLabelValues(res.RuleName).Inc()
				}
				continue
			}
			if o.metrics != nil {
				o.metrics.ObserveRuleEvaluation(res.RuleName, res.Matched, time.Duration(res.DurationMs)*time.Millisecond)
			}
			for k, v := range res.Writes {
				outputsSoFar[k] = v
				allWrites[k] = v
			}
			for _, line := range res.Logs {
				o.logger.Info("rule log", "rule", res.RuleName, "message", line)
			}
			for _, d := range res.Diagnostics {
				o.logger.Warn("rule diagnostic", "rule", res.RuleName, "error", d)
				if o.metrics != nil {
					o.metrics.RuleDiagnosticsTotal.WithLabelValues(res.RuleName, "expression").Inc()
				}
			}
		}
	}

	if len(allWrites) == 0 {
		return nil
	}
	commitCtx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()
	if err := o.store.BatchSet(commitCtx, allWrites); err != nil {
		o.logger.Warn("commit best-effort after store error", "error", err)
	}
	return nil
}

// snapshot reads every input: sensor referenced anywhere in the plan into
// an immutable per-cycle map and appends each sample to the Window Store
// (§4.7 step 1). A read failure degrades to Absent for this cycle — §7's
// StoreError recovery ("the cycle continues with whatever was read").
func (o *Orchestrator) snapshot(ctx context.Context, now time.Duration) map[model.Key]model.Value {
	sensors := make(map[model.Key]struct{})
	for _, a := range o.plan.Analyses {
		for s := range a.ReferencedSensors {
			if s.IsInput() {
				sensors[s] = struct{}{}
			}
		}
	}

	readCtx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()

	snapshot := make(map[model.Key]model.Value, len(sensors))
	for sensor := range sensors {
		v, err := o.store.Get(readCtx, sensor)
		if err != nil {
			o.logger.Warn("snapshot read failed, treating as absent", "sensor", sensor, "error", err)
			v = model.AbsentValue
		}
		snapshot[sensor] = v
		o.windowStore.Append(sensor, v, now, time.Now())
	}
	return snapshot
}

// evaluateLayer runs every rule in layer concurrently via errgroup,
// reading the snapshot plus outputsSoFar (read-only within the layer) and
// returning each rule's result; the orchestrator folds writes into the
// next layer's visible context only after the whole layer completes
// (§4.7 step 2, §9 "no shared mutable state inside evaluators").
func (o *Orchestrator) evaluateLayer(ctx context.Context, layer []int, snapshot, outputsSoFar map[model.Key]model.Value, now time.Duration) ([]*ruleeval.Result, error) {
	results := make([]*ruleeval.Result, len(layer))
	g, _ := errgroup.WithContext(ctx)
	if o.poolSize > 0 {
		g.SetLimit(o.poolSize)
	}
	for pos, ruleIdx := range layer {
		pos, ruleIdx := pos, ruleIdx
		g.Go(func() error {
			rule := o.plan.Rules[ruleIdx]
			analysis := o.plan.Analyses[ruleIdx]
			state := o.states[ruleIdx]
			results[pos] = ruleeval.Evaluate(rule, analysis, snapshot, outputsSoFar, o.windowStore, now, state)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
