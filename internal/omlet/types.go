package omlet

import (
	"encoding/json"
	"strconv"
)

// Status is a device's nested status tree as returned by the API.
// Values are JSON-decoded: nested objects are map[string]any, numbers
// are float64. A Status is never modified after decoding.
type Status map[string]any

// Lookup walks the tree along path and returns the value found there.
//
// The boolean reports whether every segment was present. A present key
// holding JSON null yields (nil, true). Traversing through a non-object
// value yields (nil, false). An empty path returns the tree itself.
func (s Status) Lookup(path ...string) (any, bool) {
	var current any = map[string]any(s)
	for _, segment := range path {
		node, ok := asObject(current)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// IsSet reports whether path is present and holds a non-null value.
func (s Status) IsSet(path ...string) bool {
	v, ok := s.Lookup(path...)
	return ok && v != nil
}

// String returns the value at path if it is a string.
func (s Status) String(path ...string) (string, bool) {
	v, ok := s.Lookup(path...)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Float returns the value at path as a float64.
// Numeric strings are accepted since some firmware reports levels as text.
func (s Status) Float(path ...string) (float64, bool) {
	v, ok := s.Lookup(path...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asObject(v any) (map[string]any, bool) {
	switch node := v.(type) {
	case map[string]any:
		return node, true
	case Status:
		return node, true
	default:
		return nil, false
	}
}

// Action is an opaque command descriptor advertised by a device.
type Action struct {
	Name         string `json:"name"`
	ActionName   string `json:"actionName"`
	Description  string `json:"description,omitempty"`
	ActionValue  string `json:"actionValue,omitempty"`
	PendingValue string `json:"pendingValue,omitempty"`
	URL          string `json:"url,omitempty"`

	// DeviceID is filled in by the client after decoding so an action
	// without a URL can still be addressed.
	DeviceID string `json:"-"`
}

// Device is one Omlet device as seen in a single listing.
// Devices are replaced wholesale on every fetch and must be treated as read-only.
type Device struct {
	DeviceID      string   `json:"deviceId"`
	Name          string   `json:"name"`
	DeviceType    string   `json:"deviceType"`
	DeviceSerial  string   `json:"deviceSerial,omitempty"`
	State         Status   `json:"state"`
	Configuration Status   `json:"configuration,omitempty"`
	Actions       []Action `json:"actions"`
}

// Action returns the first action whose actionName (or, failing that,
// name) equals name. Absence is a normal condition: the device simply does
// not offer that command right now.
func (d *Device) Action(name string) (Action, bool) {
	for _, a := range d.Actions {
		if a.ActionName == name {
			return a, true
		}
	}
	for _, a := range d.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return Action{}, false
}

// FirmwareVersion returns general.firmwareVersionCurrent, or "" if unreported.
func (d *Device) FirmwareVersion() string {
	v, _ := d.State.String("general", "firmwareVersionCurrent")
	return v
}
