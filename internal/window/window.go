// Package window implements the Window Store (C5): a per-sensor bounded
// timestamped history answering "predicate P held continuously for
// duration D" via the sole temporal operator, sustained.
//
// Grounded on the Window Store design note (§9: "ring buffer of
// (monotonic-time, value) plus a last-seen-present cursor... index sensors
// by interned identifier, not string lookup on the hot path") and on
// internal/scheduler/scheduler.go's snapshot-then-dispatch phase split,
// which this package relies on for its locking discipline: the
// orchestrator is the sole writer during the snapshot step, and rule
// evaluators are read-only during the evaluation step, so no per-sample
// locking is needed (§5 "Shared resources").
package window

import (
	"sync"
	"time"

	"github.com/aegisshield/sentinel/internal/kleene"
	"github.com/aegisshield/sentinel/internal/model"
)

// sensorWindow is one sensor's ring buffer, stored as a growable slice kept
// in ascending-time order; eviction trims the front.
type sensorWindow struct {
	samples        []model.Sample
	maxDuration    time.Duration
	lastPresent    model.Sample
	hasLastPresent bool
}

// Store holds one sensorWindow per sensor in a slice; index maps each
// sensor key to its slot, and every call looks the key up there.
type Store struct {
	mu          sync.RWMutex
	index       map[model.Key]int
	windows     []*sensorWindow
	cyclePeriod time.Duration
	margin      int // extra ring-buffer slots beyond the computed minimum
}

// NewStore builds an empty Window Store for a cycle loop running at
// cyclePeriod. margin pads each sensor's computed capacity (§4.4:
// "ceil(max_duration / cycle_period) + margin").
func NewStore(cyclePeriod time.Duration, margin int) *Store {
	return &Store{
		index:       make(map[model.Key]int),
		cyclePeriod: cyclePeriod,
		margin:      margin,
	}
}

func (s *Store) indexOf(sensor model.Key) int {
	if i, ok := s.index[sensor]; ok {
		return i
	}
	i := len(s.windows)
	s.index[sensor] = i
	s.windows = append(s.windows, &sensorWindow{})
	return i
}

// Configure registers (or widens) the maximum ThresholdOverTime duration
// any rule references for sensor. Called once during planning, from
// analyzer.Analysis.MaxDurationMs across all rules (§4.4, §9).
func (s *Store) Configure(sensor model.Key, maxDuration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[s.indexOf(sensor)]
	if maxDuration > w.maxDuration {
		w.maxDuration = maxDuration
	}
}

// Append records one sample for sensor and evicts entries strictly older
// than the sensor's configured maximum duration (§3's storage invariant).
// Called only from the orchestrator's snapshot step — the sole writer.
func (s *Store) Append(sensor model.Key, v model.Value, mono time.Duration, wall time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[s.indexOf(sensor)]
	sample := model.Sample{Value: v, Monotonic: mono, Wall: wall}
	w.samples = append(w.samples, sample)
	if !v.IsAbsent() {
		w.lastPresent = sample
		w.hasLastPresent = true
	}
	s.evict(w, mono)
}

func (s *Store) evict(w *sensorWindow, now time.Duration) {
	if w.maxDuration <= 0 {
		return
	}
	cut := 0
	for cut < len(w.samples) && now-w.samples[cut].Monotonic > w.maxDuration {
		cut++
	}
	if cut > 0 {
		w.samples = append(w.samples[:0], w.samples[cut:]...)
	}
}

// LastKnown returns the most recent present sample for sensor, for
// use_last_known fallback resolution (§4.5, §9).
func (s *Store) LastKnown(sensor model.Key) (model.Value, time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[sensor]
	if !ok {
		return model.AbsentValue, 0, false
	}
	w := s.windows[i]
	if !w.hasLastPresent {
		return model.AbsentValue, 0, false
	}
	return w.lastPresent.Value, w.lastPresent.Monotonic, true
}

// Sustained implements §4.4's sustained(sensor, P, D) contract:
//
//   - False  if some sample in [now-D, now] is present and ¬P.
//   - True   iff every sample in [now-D, now] is present and P, and the
//     sensor's oldest retained sample is at least D minus one cycle period
//     old (each sample stands for one cycle, so D of P time has accumulated).
//   - False  also when every sample is present and P but that history is
//     still shorter (establishment not yet complete).
//   - Indeterminate otherwise (the window contains an Absent span, or is
//     empty, and no present-and-¬P sample disproves it).
//
// A scan of the trailing window plus that history-length check implements
// establishment, interruption (a ¬P sample blocks True until it ages out
// of the window), and pause-on-missing (an Absent sample blocks True
// without forcing False), with no separate "reset" bookkeeping required.
// For D of one cycle period or less, a single present-and-P sample is
// enough for True.
func (s *Store) Sustained(sensor model.Key, predicate func(model.Value) kleene.Value, durationMs int64, now time.Duration) kleene.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[sensor]
	if !ok {
		return kleene.Indeterminate
	}
	w := s.windows[i]
	d := time.Duration(durationMs) * time.Millisecond

	sawSample := false
	anyPresentNotP := false
	allPresentAndP := true

	for _, sample := range w.samples {
		age := now - sample.Monotonic
		if age < 0 || age > d {
			continue
		}
		sawSample = true
		if sample.Value.IsAbsent() {
			allPresentAndP = false
			continue
		}
		switch predicate(sample.Value) {
		case kleene.False:
			anyPresentNotP = true
			allPresentAndP = false
		case kleene.Indeterminate:
			allPresentAndP = false
		case kleene.True:
		}
	}

	if anyPresentNotP {
		return kleene.False
	}
	if sawSample && allPresentAndP {
		// Establishment: the retained history must reach back to within one
		// cycle period of now-D; until it does, an all-P window is False.
		if now-w.samples[0].Monotonic >= d-s.cyclePeriod {
			return kleene.True
		}
		return kleene.False
	}
	return kleene.Indeterminate
}

// Capacity reports the ring-buffer slot count computed for sensor's
// configured duration, rounded up per §4.4's sizing formula; nothing is
// allocated to that size. It is advisory only — Append grows the backing slice on demand — and
// exists so callers (tests, metrics) can confirm sizing matches the
// configured duration and cycle period.
func (s *Store) Capacity(sensor model.Key) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[sensor]
	if !ok || s.cyclePeriod <= 0 {
		return 0
	}
	w := s.windows[i]
	if w.maxDuration <= 0 {
		return s.margin
	}
	n := int(w.maxDuration / s.cyclePeriod)
	if w.maxDuration%s.cyclePeriod != 0 {
		n++
	}
	return n + s.margin
}
