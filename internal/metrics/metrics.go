package metrics

import (
	"sort"
	"sync"
	"time"
)

// Operation names a query entry point.
type Operation string

const (
	OperationProbe    Operation = "probe"
	OperationFurthest Operation = "furthest"
	OperationScan     Operation = "scan"
)

// Outcome classifies how a query finished.
type Outcome string

const (
	OutcomeHit       Outcome = "hit"
	OutcomeMiss      Outcome = "miss"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeFailed    Outcome = "failed"
)

// Counter is one labelled counter value.
type Counter struct {
	Operation Operation
	Outcome   Outcome
	Value     int64
}

// Latency aggregates the observed durations of one operation.
type Latency struct {
	Operation  Operation
	Count      int64
	SumSeconds float64
}

// QueryMetrics tracks request outcomes, cast counts and per-session activity for the prober.
type QueryMetrics struct {
	mu                 sync.RWMutex
	requests           map[Operation]map[Outcome]int64
	latencyCount       map[Operation]int64
	latencySum         map[Operation]float64
	casts              int64
	capabilityFailures int64
	samples            int64
	surfacesSkipped    int64
	sessions           map[string]int64
}

// New constructs an empty metrics tracker.
func New() *QueryMetrics {
	return &QueryMetrics{
		requests:     make(map[Operation]map[Outcome]int64),
		latencyCount: make(map[Operation]int64),
		latencySum:   make(map[Operation]float64),
		sessions:     make(map[string]int64),
	}
}

// ObserveRequest records the outcome and duration of one query.
func (m *QueryMetrics) ObserveRequest(op Operation, outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	//1.- Clamp negative durations produced by skewed clocks.
	if elapsed < 0 {
		elapsed = 0
	}
	m.mu.Lock()
	byOutcome, ok := m.requests[op]
	if !ok {
		byOutcome = make(map[Outcome]int64)
		m.requests[op] = byOutcome
	}
	byOutcome[outcome]++
	m.latencyCount[op]++
	m.latencySum[op] += elapsed.Seconds()
	m.mu.Unlock()
}

// ObserveProbe accumulates the ray casts and tolerated capability failures of one ground probe.
func (m *QueryMetrics) ObserveProbe(casts, failures int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if casts > 0 {
		m.casts += int64(casts)
	}
	if failures > 0 {
		m.capabilityFailures += int64(failures)
	}
	m.mu.Unlock()
}

// ObserveSampling accumulates the grid samples evaluated and surfaces pruned by one search.
func (m *QueryMetrics) ObserveSampling(samples, skipped int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if samples > 0 {
		m.samples += int64(samples)
	}
	if skipped > 0 {
		m.surfacesSkipped += int64(skipped)
	}
	m.mu.Unlock()
}

// ObserveSession counts a query served on a streaming session.
func (m *QueryMetrics) ObserveSession(sessionID string) {
	if m == nil || sessionID == "" {
		return
	}
	m.mu.Lock()
	m.sessions[sessionID]++
	m.mu.Unlock()
}

// ForgetSession removes the gauge for a closed session.
func (m *QueryMetrics) ForgetSession(sessionID string) {
	if m == nil || sessionID == "" {
		return
	}
	//1.- Drop the entry so closed sessions stop being exported.
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Requests returns the request counters sorted by operation then outcome.
func (m *QueryMetrics) Requests() []Counter {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Counter
	for op, byOutcome := range m.requests {
		for outcome, value := range byOutcome {
			out = append(out, Counter{Operation: op, Outcome: outcome, Value: value})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Operation != out[j].Operation {
			return out[i].Operation < out[j].Operation
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out
}

// Latencies returns the latency aggregates sorted by operation.
func (m *QueryMetrics) Latencies() []Latency {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Latency, 0, len(m.latencyCount))
	for op, count := range m.latencyCount {
		out = append(out, Latency{Operation: op, Count: count, SumSeconds: m.latencySum[op]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Totals returns the cumulative casts, capability failures, samples and skipped surfaces.
func (m *QueryMetrics) Totals() (casts, failures, samples, skipped int64) {
	if m == nil {
		return 0, 0, 0, 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.casts, m.capabilityFailures, m.samples, m.surfacesSkipped
}

// Sessions returns a copy of the per-session query counts.
func (m *QueryMetrics) Sessions() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.sessions) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m.sessions))
	for id, count := range m.sessions {
		out[id] = count
	}
	return out
}
