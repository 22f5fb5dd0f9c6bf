// Package influxdb provides InfluxDB connectivity for the coop bridge.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, point writing, and health monitoring.
//
// # Purpose
//
// This package stores time-series history for:
//   - Entity states seen in each snapshot (door position, fan mode, light)
//   - Battery levels
//   - Poll outcomes and latency against the Omlet API
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteEntityState("d1", "door", map[string]interface{}{"state": "open"}, time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned directly.
package influxdb
