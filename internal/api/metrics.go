package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-coop/internal/bridges/coop"
	"github.com/nerrad567/gray-logic-coop/internal/coordinator"
)

const (
	bytesPerMiB = 1 << 20

	// staleIntervals is how many missed polls make a snapshot stale.
	staleIntervals = 3
)

// MetricsReport is the JSON body of GET /api/v1/metrics. The Prometheus
// exposition on /metrics carries the same counters for scraping.
type MetricsReport struct {
	Timestamp     time.Time           `json:"timestamp"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Poll          PollReport          `json:"poll"`
	Coordinator   coordinator.Stats   `json:"coordinator"`
	Bridge        *coop.BridgeMetrics `json:"bridge,omitempty"`
	Registry      *RegistryReport     `json:"registry,omitempty"`
	Clients       ClientsReport       `json:"clients"`
	Process       ProcessReport       `json:"process"`
	Pool          *PoolReport         `json:"db_pool,omitempty"`
}

// PollReport describes how fresh the served snapshot is.
type PollReport struct {
	LastOutcome     coordinator.Outcome `json:"last_outcome,omitempty"`
	SnapshotAgeSecs *float64            `json:"snapshot_age_seconds,omitempty"`
	Stale           bool                `json:"stale"`
}

// RegistryReport summarises persisted devices.
type RegistryReport struct {
	Devices  int            `json:"devices"`
	ByHealth map[string]int `json:"by_health"`
	ByModel  map[string]int `json:"by_model"`
}

// ClientsReport counts live consumers of the bridge.
type ClientsReport struct {
	WebSocket      int  `json:"websocket"`
	PendingTickets int  `json:"pending_tickets"`
	MQTTEnabled    bool `json:"mqtt_enabled"`
	MQTTConnected  bool `json:"mqtt_connected"`
}

// ProcessReport holds Go runtime figures.
type ProcessReport struct {
	Goroutines int     `json:"goroutines"`
	HeapMiB    float64 `json:"heap_mib"`
	TotalMiB   float64 `json:"total_alloc_mib"`
	GCCycles   uint32  `json:"gc_cycles"`
}

// PoolReport holds database/sql pool figures.
type PoolReport struct {
	Open      int   `json:"open"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	WaitCount int64 `json:"wait_count"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().UTC()
	stats := s.coord.Stats()

	report := MetricsReport{
		Timestamp:     now,
		Version:       s.version,
		UptimeSeconds: int64(now.Sub(s.startTime).Seconds()),
		Poll:          pollReport(stats, now, s.staleAfter()),
		Coordinator:   stats,
		Registry:      s.registryReport(),
		Clients: ClientsReport{
			WebSocket:      s.hub.ClientCount(),
			PendingTickets: s.tickets.len(),
		},
		Process: processReport(),
	}
	if s.mqtt != nil {
		report.Clients.MQTTEnabled = true
		report.Clients.MQTTConnected = s.mqtt.IsConnected()
	}
	if s.bridgeMetrics != nil {
		bm := s.bridgeMetrics.GetMetrics()
		report.Bridge = &bm
	}
	if s.db != nil {
		st := s.db.Stats()
		report.Pool = &PoolReport{Open: st.OpenConnections, InUse: st.InUse, Idle: st.Idle, WaitCount: st.WaitCount}
	}

	writeJSON(w, http.StatusOK, report)
}

// pollReport marks the snapshot stale once it is older than staleAfter.
// A zero staleAfter disables the check.
func pollReport(stats coordinator.Stats, now time.Time, staleAfter time.Duration) PollReport {
	r := PollReport{LastOutcome: stats.LastOutcome}
	if stats.LastSuccess.IsZero() {
		return r
	}
	age := now.Sub(stats.LastSuccess)
	secs := age.Seconds()
	r.SnapshotAgeSecs = &secs
	r.Stale = staleAfter > 0 && age > staleAfter
	return r
}

func (s *Server) staleAfter() time.Duration {
	return staleIntervals * s.pollInterval
}

func (s *Server) registryReport() *RegistryReport {
	if s.registry == nil {
		return nil
	}
	st := s.registry.GetStats()
	r := &RegistryReport{
		Devices:  st.TotalDevices,
		ByHealth: make(map[string]int, len(st.ByHealthStatus)),
		ByModel:  st.ByModel,
	}
	for h, n := range st.ByHealthStatus {
		r.ByHealth[string(h)] = n
	}
	return r
}

func processReport() ProcessReport {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ProcessReport{
		Goroutines: runtime.NumGoroutine(),
		HeapMiB:    float64(ms.Alloc) / bytesPerMiB,
		TotalMiB:   float64(ms.TotalAlloc) / bytesPerMiB,
		GCCycles:   ms.NumGC,
	}
}
