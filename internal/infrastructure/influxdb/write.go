package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	measurementEntityState = "entity_state"
	measurementPoll        = "omlet_poll"
)

// WriteEntityState records one entity's state as observed in a snapshot.
//
// Fields are written as given, so a cover records its "state" string and a
// sensor its numeric "value". Points with no fields are dropped.
//
// Parameters:
//   - deviceID: Omlet device identifier
//   - entityKey: Entity key within the device (e.g., "door", "battery")
//   - fields: Field values for the point
//   - at: Snapshot fetch time
func (c *Client) WriteEntityState(deviceID, entityKey string, fields map[string]interface{}, at time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}
	c.writeAPI.WritePoint(newEntityPoint(deviceID, entityKey, fields, at))
}

// newEntityPoint builds the entity_state point.
func newEntityPoint(deviceID, entityKey string, fields map[string]interface{}, at time.Time) *write.Point {
	return write.NewPoint(
		measurementEntityState,
		map[string]string{
			"device_id": deviceID,
			"entity":    entityKey,
		},
		fields,
		at,
	)
}

// WritePollOutcome records the result of one fetch against the Omlet API.
//
// Parameters:
//   - outcome: "success", "auth_failed" or "transient"
//   - duration: Wall time of the fetch
//   - devices: Number of devices in the resulting snapshot (0 on failure)
func (c *Client) WritePollOutcome(outcome string, duration time.Duration, devices int) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(newPollPoint(outcome, duration, devices, time.Now()))
}

// newPollPoint builds the omlet_poll point.
func newPollPoint(outcome string, duration time.Duration, devices int, at time.Time) *write.Point {
	return write.NewPoint(
		measurementPoll,
		map[string]string{
			"outcome": outcome,
		},
		map[string]interface{}{
			"duration_ms": float64(duration.Microseconds()) / 1000,
			"devices":     devices,
		},
		at,
	)
}
