package observability

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// SLOTarget defines a delivery objective for one sink.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Sink        string        `json:"sink"`
	LatencyP99  time.Duration `json:"latency_p99"`  // Target p99 latency
	SuccessRate float64       `json:"success_rate"` // Target success rate (0-1)
	WindowHours int           `json:"window_hours"` // Evaluation window
}

// SLOObservation is a single sink attempt.
type SLOObservation struct {
	Sink      string        `json:"sink"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Sink             string  `json:"sink"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 means burning faster than budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percentage remaining
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker monitors delivery objectives across sinks. Observations older
// than the target window are pruned on Record.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget       // sink → target
	observations map[string][]SLOObservation // sink → observations
	clock        func() time.Time
}

// NewSLOTracker creates a new tracker.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithClock overrides clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget sets the objective for a sink.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Sink] = target
}

// HasTarget reports whether sink has an objective.
func (t *SLOTracker) HasTarget(sink string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.targets[sink]
	return ok
}

// Sinks returns the sinks with objectives, sorted.
func (t *SLOTracker) Sinks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.targets))
	for s := range t.targets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Record records an observation.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	list := append(t.observations[obs.Sink], obs)
	if target, ok := t.targets[obs.Sink]; ok {
		cutoff := obs.Timestamp.Add(-target.window())
		i := 0
		for i < len(list) && !list[i].Timestamp.After(cutoff) {
			i++
		}
		list = list[i:]
	}
	t.observations[obs.Sink] = list
}

func (t *SLOTarget) window() time.Duration {
	return time.Duration(t.WindowHours) * time.Hour
}

// Status computes current SLO status for a sink.
func (t *SLOTracker) Status(sink string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[sink]
	if !ok {
		return nil, fmt.Errorf("no SLO target for sink %q", sink)
	}
	st := &SLOStatus{SLOID: target.SLOID, Sink: sink, InCompliance: true, ErrorBudgetLeft: 100}

	since := t.clock().Add(-target.window())
	good := 0
	latencies := make([]float64, 0, len(t.observations[sink]))
	for _, obs := range t.observations[sink] {
		if !obs.Timestamp.After(since) {
			continue
		}
		if obs.Success {
			good++
		}
		latencies = append(latencies, float64(obs.Latency.Milliseconds()))
	}
	if len(latencies) == 0 {
		return st, nil
	}

	st.ObservationCount = len(latencies)
	st.CurrentSuccess = float64(good) / float64(len(latencies))
	st.CurrentP99 = percentile(latencies, 0.99)
	st.BurnRate, st.ErrorBudgetLeft = burn(target.SuccessRate, st.CurrentSuccess)
	st.InCompliance = st.CurrentP99 <= float64(target.LatencyP99.Milliseconds()) &&
		st.CurrentSuccess >= target.SuccessRate
	return st, nil
}

// percentile sorts xs in place and returns the nearest-rank value at q.
func percentile(xs []float64, q float64) float64 {
	sort.Float64s(xs)
	i := int(float64(len(xs)) * q)
	if i >= len(xs) {
		i = len(xs) - 1
	}
	return xs[i]
}

// burn returns the error-budget burn rate and the percent of budget left.
func burn(objective, success float64) (rate, left float64) {
	allowed := 1 - objective
	failed := 1 - success
	switch {
	case allowed > 0:
		rate = failed / allowed
		left = 100 * (1 - rate)
	case failed > 0:
		left = 0
	default:
		left = 100
	}
	return rate, math.Max(left, 0)
}
