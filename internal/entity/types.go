package entity

import (
	"github.com/nerrad567/gray-logic-coop/internal/omlet"
)

// Platform is the kind of entity exposed to the home-automation side.
type Platform string

// Platform constants.
const (
	PlatformBinarySensor Platform = "binary_sensor"
	PlatformCover        Platform = "cover"
	PlatformFan          Platform = "fan"
	PlatformLight        Platform = "light"
	PlatformSensor       Platform = "sensor"
	PlatformSwitch       Platform = "switch"
)

// AllPlatforms returns every platform in a stable order.
func AllPlatforms() []Platform {
	return []Platform{
		PlatformBinarySensor,
		PlatformCover,
		PlatformFan,
		PlatformLight,
		PlatformSensor,
		PlatformSwitch,
	}
}

// Command is a user-level instruction to an entity.
type Command string

// Command constants.
const (
	CommandOpen          Command = "open"
	CommandClose         Command = "close"
	CommandTurnOn        Command = "turn_on"
	CommandTurnOff       Command = "turn_off"
	CommandSetPresetMode Command = "set_preset_mode"
)

// Parameter keys understood by commands.
const (
	ParamPresetMode = "preset_mode"
)

// Fan preset modes, slowest first.
const (
	PresetOn    = "on"
	PresetBoost = "boost"
)

// Cover states reported in State["state"].
const (
	CoverOpen    = "open"
	CoverClosed  = "closed"
	CoverOpening = "opening"
	CoverClosing = "closing"
)

// State is an entity's computed state.
//
// Keys by platform:
//   - binary_sensor, light: "on" (bool)
//   - cover: "state" (open/closed/opening/closing), "raw" (upstream value)
//   - fan: "on" (bool), "preset_mode" (string or nil)
//   - sensor: "value" (float64), "unit" (string)
type State map[string]any

// Description is one entity kind: its presentation plus the
// (predicate, extractor, action-resolver) triple over a device.
type Description struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Platform    Platform `json:"platform"`
	DeviceClass string   `json:"device_class,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	StateClass  string   `json:"state_class,omitempty"`
	PresetModes []string `json:"preset_modes,omitempty"`

	// Commands lists what Resolve understands. Read-only entities have none.
	Commands []Command `json:"commands,omitempty"`

	// Exists reports whether a device exposes this entity.
	Exists func(d *omlet.Device) bool `json:"-"`

	// Value computes the entity state from the device's status tree.
	Value func(d *omlet.Device) State `json:"-"`

	// Resolve maps a command to the name of the device action to perform.
	// Nil for read-only entities.
	Resolve func(cmd Command, params map[string]any) (string, error) `json:"-"`
}

// Supports reports whether cmd is one of the description's commands.
func (d *Description) Supports(cmd Command) bool {
	for _, c := range d.Commands {
		if c == cmd {
			return true
		}
	}
	return false
}

// ReadOnly reports whether the entity accepts no commands.
func (d *Description) ReadOnly() bool {
	return d.Resolve == nil || len(d.Commands) == 0
}

// Entity is a Description bound to one device.
type Entity struct {
	// UniqueID is "{deviceId}_{key}".
	UniqueID    string       `json:"unique_id"`
	DeviceID    string       `json:"device_id"`
	Description *Description `json:"description"`
}

// Key returns the description key.
func (e Entity) Key() string {
	return e.Description.Key
}

// DeviceInfo describes the physical device behind a set of entities.
type DeviceInfo struct {
	Identifier   string `json:"identifier"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SWVersion    string `json:"sw_version,omitempty"`
	Serial       string `json:"serial,omitempty"`
}

// Manufacturer is reported for every device.
const Manufacturer = "Omlet"

// NewDeviceInfo builds the device info for d.
func NewDeviceInfo(d *omlet.Device) DeviceInfo {
	return DeviceInfo{
		Identifier:   d.DeviceID,
		Name:         d.Name,
		Manufacturer: Manufacturer,
		Model:        d.DeviceType,
		SWVersion:    d.FirmwareVersion(),
		Serial:       d.DeviceSerial,
	}
}

// UniqueID returns the entity id for a device and description key.
func UniqueID(deviceID, key string) string {
	return deviceID + "_" + key
}
