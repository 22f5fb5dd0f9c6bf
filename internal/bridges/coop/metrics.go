package coop

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-coop/internal/entity"
)

// Metrics exposes bridge activity and entity readings to Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	commands        *prometheus.CounterVec
	statesPublished prometheus.Counter
	entityValue     *prometheus.GaugeVec
	deviceUp        *prometheus.GaugeVec
}

// NewMetrics creates the bridge metric set under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_commands_total",
			Help:      "Entity commands handled by acknowledgement status",
		}, []string{"status"}),
		statesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_states_published_total",
			Help:      "Device state messages published",
		}),
		entityValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entity_value",
			Help:      "Numeric or boolean entity readings (booleans as 0/1)",
		}, []string{"device_id", "entity", "field"}),
		deviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_up",
			Help:      "Device present in the latest snapshot (1=present)",
		}, []string{"device_id", "model"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.commands.Describe(ch)
	m.statesPublished.Describe(ch)
	m.entityValue.Describe(ch)
	m.deviceUp.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.commands.Collect(ch)
	m.statesPublished.Collect(ch)
	m.entityValue.Collect(ch)
	m.deviceUp.Collect(ch)
}

func (m *Metrics) observeCommand(status AckStatus) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observePublish() {
	if m == nil {
		return
	}
	m.statesPublished.Inc()
}

func (m *Metrics) setDevice(deviceID, model string, states map[string]entity.State) {
	if m == nil {
		return
	}
	m.deviceUp.WithLabelValues(deviceID, model).Set(1)
	for key, state := range states {
		for field, v := range numericFields(state) {
			m.entityValue.WithLabelValues(deviceID, key, field).Set(v)
		}
	}
}

func (m *Metrics) removeDevice(deviceID string) {
	if m == nil {
		return
	}
	m.entityValue.DeletePartialMatch(prometheus.Labels{"device_id": deviceID})
	m.deviceUp.DeletePartialMatch(prometheus.Labels{"device_id": deviceID})
}

// numericFields keeps the float and bool fields of a state, bools as 0/1.
func numericFields(state entity.State) map[string]float64 {
	out := make(map[string]float64, len(state))
	for field, v := range state {
		switch val := v.(type) {
		case float64:
			out[field] = val
		case bool:
			if val {
				out[field] = 1
			} else {
				out[field] = 0
			}
		}
	}
	return out
}
