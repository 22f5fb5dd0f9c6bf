package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes coordinator activity to Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	fetches       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	actions       *prometheus.CounterVec
	lastSuccess   prometheus.Gauge
	devices       prometheus.Gauge
	subscribers   prometheus.Gauge
	authFailed    prometheus.Gauge
}

// NewMetrics creates the coordinator metric set under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "omlet_fetches_total",
			Help:      "Device list fetches by outcome",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "omlet_fetch_duration_seconds",
			Help:      "Device list fetch latency",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10},
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "omlet_actions_total",
			Help:      "Actions submitted by outcome",
		}, []string{"outcome"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "omlet_last_success_timestamp_seconds",
			Help:      "Last successful fetch (epoch seconds)",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "omlet_devices",
			Help:      "Devices in the current snapshot",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_subscribers",
			Help:      "Active snapshot subscribers",
		}),
		authFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_auth_failed",
			Help:      "Credential rejected and polling stopped (1=latched)",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.fetches.Describe(ch)
	m.fetchDuration.Describe(ch)
	m.actions.Describe(ch)
	m.lastSuccess.Describe(ch)
	m.devices.Describe(ch)
	m.subscribers.Describe(ch)
	m.authFailed.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.fetches.Collect(ch)
	m.fetchDuration.Collect(ch)
	m.actions.Collect(ch)
	m.lastSuccess.Collect(ch)
	m.devices.Collect(ch)
	m.subscribers.Collect(ch)
	m.authFailed.Collect(ch)
}

func (m *Metrics) observeFetch(outcome Outcome, took time.Duration, devices int, at time.Time) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(string(outcome)).Inc()
	m.fetchDuration.Observe(took.Seconds())
	if outcome == OutcomeSuccess {
		m.lastSuccess.Set(float64(at.Unix()))
		m.devices.Set(float64(devices))
	}
}

func (m *Metrics) observeAction(outcome Outcome) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) setSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) setAuthFailed(latched bool) {
	if m == nil {
		return
	}
	if latched {
		m.authFailed.Set(1)
		return
	}
	m.authFailed.Set(0)
}
