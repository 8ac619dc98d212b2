package reliability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// slidingWindow is the duration over which Metrics computes its rolling
// statistics, matching the "sliding window" language
const slidingWindow = 5 * time.Minute
const ageBuckets = 5

// Metrics tracks per-operation rolling latency (min/max/avg/p90/p95/p99)
// and error rate. Every sample is exported through a prometheus.SummaryVec
// (its MaxAge/AgeBuckets give it the same sliding window) for callers that
// scrape /metrics; the Stats that Snapshot returns, min/max included, are
// computed from a per-operation slice of the samples inside the window.
type Metrics struct {
	latency *prometheus.SummaryVec
	total   *prometheus.CounterVec
	errors  *prometheus.CounterVec

	mu      sync.Mutex
	extrema map[string]*extremaWindow
}

type extremaWindow struct {
	samples []sample
}

type sample struct {
	at     time.Time
	dur    time.Duration
	failed bool
}

// NewMetrics builds a fresh Metrics instance with its own prometheus
// registry so multiple Context instances (e.g. in tests) never collide on
// global metric registration.
func NewMetrics() *Metrics {
	m := &Metrics{
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "bleep_operation_latency_seconds",
			Help:       "BLEEP IPC operation latency.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.95: 0.005, 0.99: 0.001},
			MaxAge:     slidingWindow,
			AgeBuckets: ageBuckets,
		}, []string{"operation"}),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bleep_operation_total",
			Help: "BLEEP IPC operations attempted.",
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bleep_operation_errors_total",
			Help: "BLEEP IPC operations that returned an error.",
		}, []string{"operation"}),
		extrema: make(map[string]*extremaWindow),
	}
	return m
}

// Registry returns a prometheus.Registerer with this Metrics' collectors
// registered, for callers that want to expose /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(m.latency, m.total, m.errors)
	return r
}

// Record stores one latency sample for operation, marking it as an error
// when failed is true.
func (m *Metrics) Record(operation string, dur time.Duration, failed bool) {
	m.latency.WithLabelValues(operation).Observe(dur.Seconds())
	m.total.WithLabelValues(operation).Inc()
	if failed {
		m.errors.WithLabelValues(operation).Inc()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.extrema[operation]
	if !ok {
		w = &extremaWindow{}
		m.extrema[operation] = w
	}
	now := time.Now()
	w.samples = append(w.samples, sample{at: now, dur: dur, failed: failed})
	cutoff := now.Add(-slidingWindow)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}

// Stats is the per-operation statistics snapshot
type Stats struct {
	Operation string
	Min       time.Duration
	Max       time.Duration
	Avg       time.Duration
	P90       time.Duration
	P95       time.Duration
	P99       time.Duration
	Count     int
	ErrorRate float64
}

// Snapshot computes Stats for operation from the current sliding window.
// Quantiles come from a direct sort of the retained samples (the
// prometheus Summary's internal quantile estimator isn't queryable
// in-process without scraping /metrics, so for programmatic use — e.g.
// DetectIssues below — we compute them directly from the same window).
func (m *Metrics) Snapshot(operation string) Stats {
	m.mu.Lock()
	w, ok := m.extrema[operation]
	var samples []sample
	if ok {
		samples = append(samples, w.samples...)
	}
	m.mu.Unlock()

	st := Stats{Operation: operation}
	if len(samples) == 0 {
		return st
	}

	durs := make([]time.Duration, len(samples))
	var sum time.Duration
	errCount := 0
	for i, s := range samples {
		durs[i] = s.dur
		sum += s.dur
		if s.failed {
			errCount++
		}
	}
	sortDurations(durs)

	st.Count = len(durs)
	st.Min = durs[0]
	st.Max = durs[len(durs)-1]
	st.Avg = sum / time.Duration(len(durs))
	st.P90 = percentile(durs, 0.90)
	st.P95 = percentile(durs, 0.95)
	st.P99 = percentile(durs, 0.99)
	st.ErrorRate = float64(errCount) / float64(st.Count)
	return st
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func sortDurations(d []time.Duration) {
	// Small windows (<=few hundred samples); insertion sort avoids pulling
	// in sort.Slice's reflection overhead for the hot metrics path.
	for i := 1; i < len(d); i++ {
		v := d[i]
		j := i - 1
		for j >= 0 && d[j] > v {
			d[j+1] = d[j]
			j--
		}
		d[j+1] = v
	}
}

// Issue is a flagged operation from DetectIssues.
type Issue struct {
	Operation string
	Reason    string
	Stats     Stats
}

// DetectIssues reports operations whose p95 exceeds p95Threshold or whose
// error rate exceeds errorRateThreshold.
func (m *Metrics) DetectIssues(p95Threshold time.Duration, errorRateThreshold float64) []Issue {
	m.mu.Lock()
	ops := make([]string, 0, len(m.extrema))
	for op := range m.extrema {
		ops = append(ops, op)
	}
	m.mu.Unlock()

	var issues []Issue
	for _, op := range ops {
		st := m.Snapshot(op)
		if st.Count == 0 {
			continue
		}
		if st.P95 > p95Threshold {
			issues = append(issues, Issue{Operation: op, Reason: "p95 exceeds threshold", Stats: st})
		}
		if st.ErrorRate > errorRateThreshold {
			issues = append(issues, Issue{Operation: op, Reason: "error rate exceeds threshold", Stats: st})
		}
	}
	return issues
}
