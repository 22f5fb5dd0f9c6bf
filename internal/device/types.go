package device

import (
	"slices"
	"time"
)

// Device is the persisted record of one Omlet device.
// This matches the devices table in migrations/20260101_000000_initial_schema.up.sql.
type Device struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`

	// Metadata reported by the Omlet API
	Manufacturer    string `json:"manufacturer"`
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	Serial          string `json:"serial,omitempty"`

	// Entities lists the entity keys the device exposed when last seen.
	Entities []string `json:"entities"`

	// Last observed state, keyed by entity key.
	State          State      `json:"state"`
	StateUpdatedAt *time.Time `json:"state_updated_at,omitempty"`

	// Health monitoring
	HealthStatus   HealthStatus `json:"health_status"`
	HealthLastSeen *time.Time   `json:"health_last_seen,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Seed is the device metadata derived from a snapshot.
type Seed struct {
	ID              string
	Name            string
	Manufacturer    string
	Model           string
	FirmwareVersion string
	Serial          string
	Entities        []string
}

// DeepCopy creates a complete independent copy of the Device.
// All map and slice fields are cloned so modifications to the copy
// do not affect the original. This is essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cp := *d
	cp.Entities = slices.Clone(d.Entities)
	cp.State = deepCopyMap(d.State)

	if d.StateUpdatedAt != nil {
		t := *d.StateUpdatedAt
		cp.StateUpdatedAt = &t
	}
	if d.HealthLastSeen != nil {
		t := *d.HealthLastSeen
		cp.HealthLastSeen = &t
	}
	return &cp
}

// deepCopyMap recursively copies a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

// deepCopyValue copies nested maps and slices; scalars are returned as-is.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case State:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// State holds the last observed entity states.
// Example: {"SmartAutodoor": {"state": "closed", "raw": "closed"}}
type State map[string]any

// HealthStatus represents the device health state.
type HealthStatus string

// HealthStatus constants.
const (
	HealthStatusOnline  HealthStatus = "online"
	HealthStatusOffline HealthStatus = "offline"
	HealthStatusUnknown HealthStatus = "unknown"
)

// AllHealthStatuses returns all valid health status values.
func AllHealthStatuses() []HealthStatus {
	return []HealthStatus{HealthStatusOnline, HealthStatusOffline, HealthStatusUnknown}
}

// ParseHealthStatus validates s.
func ParseHealthStatus(s string) (HealthStatus, bool) {
	status := HealthStatus(s)
	return status, slices.Contains(AllHealthStatuses(), status)
}
