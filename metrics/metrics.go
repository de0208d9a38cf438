// Package metrics exports coordinator and filesystem cache activity to
// Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wippyai/wasi-bridge/coordinator"
	"github.com/wippyai/wasi-bridge/errors"
	"github.com/wippyai/wasi-bridge/fsys"
)

const namespace = "wasibridge"

// Outcome label values of CallsTotal.
const (
	OutcomeFastPath  = "fast_path"
	OutcomeSuspended = "suspended"
	OutcomeResumed   = "resumed"
)

// Metrics implements coordinator.Observer.
type Metrics struct {
	reg prometheus.Registerer

	CallsTotal    *prometheus.CounterVec
	FailuresTotal *prometheus.CounterVec
	ResumeWait    *prometheus.HistogramVec
	CapturedBytes *prometheus.HistogramVec
}

var _ coordinator.Observer = (*Metrics)(nil)

// New registers the coordinator metrics with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		CallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Suspendable host calls by call site and outcome",
			},
			[]string{"site", "outcome"},
		),
		FailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_total",
				Help:      "Fatal coordinator failures by call site and error kind",
			},
			[]string{"site", "kind"},
		),
		ResumeWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resume_wait_seconds",
				Help:      "Time between suspension and resumption",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"site"},
		),
		CapturedBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "captured_bytes",
				Help:      "Bytes of guest stack captured per suspension",
				Buckets:   prometheus.ExponentialBuckets(16, 4, 7),
			},
			[]string{"site"},
		),
	}
}

func (m *Metrics) FastPath(site string) {
	m.CallsTotal.WithLabelValues(site, OutcomeFastPath).Inc()
}

func (m *Metrics) Suspended(site string, captured uint32) {
	m.CallsTotal.WithLabelValues(site, OutcomeSuspended).Inc()
	m.CapturedBytes.WithLabelValues(site).Observe(float64(captured))
}

func (m *Metrics) Resumed(site string, wait time.Duration) {
	m.CallsTotal.WithLabelValues(site, OutcomeResumed).Inc()
	m.ResumeWait.WithLabelValues(site).Observe(wait.Seconds())
}

// Failed records err under its errors.Kind, or "unknown" for foreign errors.
func (m *Metrics) Failed(site string, err error) {
	kind := string(errors.KindOf(err))
	if kind == "" {
		kind = "unknown"
	}
	m.FailuresTotal.WithLabelValues(site, kind).Inc()
}

// WatchCache exports the cache counters of a filesystem under the given
// mount label. The counters are read at scrape time.
func (m *Metrics) WatchCache(mount string, fs *fsys.Async) error {
	read := func(pick func(fsys.CacheStats) uint64) func() float64 {
		return func() float64 { return float64(pick(fs.Stats())) }
	}
	labels := prometheus.Labels{"mount": mount}
	for _, c := range []struct {
		name, help string
		pick       func(fsys.CacheStats) uint64
	}{
		{"cache_hits_total", "Filesystem lookups answered from cache", func(s fsys.CacheStats) uint64 { return s.Hits }},
		{"cache_misses_total", "Filesystem lookups that had to suspend", func(s fsys.CacheStats) uint64 { return s.Misses }},
		{"backend_fetches_total", "Backend fetches performed", func(s fsys.CacheStats) uint64 { return s.Fetches }},
	} {
		counter := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        c.name,
			Help:        c.help,
			ConstLabels: labels,
		}, read(c.pick))
		if err := m.reg.Register(counter); err != nil {
			return errors.Wrap(errors.PhaseConfig, errors.KindRegistration, err, "cache metrics for "+mount)
		}
	}
	return nil
}
