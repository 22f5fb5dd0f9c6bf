package entity

import (
	"fmt"

	"github.com/nerrad567/gray-logic-coop/internal/omlet"
)

// Description keys.
const (
	KeyDoorOpen     = "door_open"
	KeyMainsPowered = "mains_powered"
	KeyDoor         = "SmartAutodoor"
	KeyFan          = "OmletFanSwitch"
	KeyLight        = "OmletAutodoorLight"
	KeyBattery      = "battery"
)

// Status paths read by the descriptions.
var (
	pathDoor         = []string{"door"}
	pathDoorState    = []string{"door", "state"}
	pathFan          = []string{"fan"}
	pathFanState     = []string{"fan", "state"}
	pathLight        = []string{"light"}
	pathLightState   = []string{"light", "state"}
	pathBatteryLevel = []string{"general", "batteryLevel"}
	pathPowerSource  = []string{"general", "powerSource"}
)

// powerSourceExternal marks a mains-powered device.
const powerSourceExternal = "external"

// descriptions is the full entity catalogue in discovery order.
// The switch platform has no entries.
var descriptions = []*Description{
	{
		Key:         KeyDoorOpen,
		Name:        "Door open",
		Platform:    PlatformBinarySensor,
		DeviceClass: "door",
		Icon:        "mdi:door",
		Exists:      hasPath(pathDoor),
		Value: func(d *omlet.Device) State {
			state, _ := d.State.String(pathDoorState...)
			return State{"on": state == "open"}
		},
	},
	{
		Key:         KeyMainsPowered,
		Name:        "Mains powered",
		Platform:    PlatformBinarySensor,
		DeviceClass: "plug",
		Icon:        "mdi:power-plug",
		Exists:      hasPath(pathPowerSource),
		Value: func(d *omlet.Device) State {
			source, _ := d.State.String(pathPowerSource...)
			return State{"on": source == powerSourceExternal}
		},
	},
	{
		Key:         KeyDoor,
		Name:        "Door",
		Platform:    PlatformCover,
		DeviceClass: "door",
		Icon:        "mdi:door",
		Commands:    []Command{CommandOpen, CommandClose},
		Exists:      hasPath(pathDoor),
		Value:       coverState,
		Resolve: actionTable(map[Command]string{
			CommandOpen:  "open",
			CommandClose: "close",
		}),
	},
	{
		Key:         KeyFan,
		Name:        "Fan",
		Platform:    PlatformFan,
		Icon:        "mdi:fan",
		PresetModes: []string{PresetOn, PresetBoost},
		Commands:    []Command{CommandTurnOn, CommandTurnOff, CommandSetPresetMode},
		Exists:      hasPath(pathFan),
		Value:       fanState,
		Resolve:     resolveFan,
	},
	{
		Key:         KeyLight,
		Name:        "Light",
		Platform:    PlatformLight,
		Icon:        "mdi:lightbulb",
		Commands:    []Command{CommandTurnOn, CommandTurnOff},
		Exists:      hasPath(pathLight),
		Value: func(d *omlet.Device) State {
			state, _ := d.State.String(pathLightState...)
			return State{"on": state == "on"}
		},
		Resolve: actionTable(map[Command]string{
			CommandTurnOn:  "on",
			CommandTurnOff: "off",
		}),
	},
	{
		Key:         KeyBattery,
		Name:        "Battery",
		Platform:    PlatformSensor,
		DeviceClass: "battery",
		Unit:        "%",
		StateClass:  "measurement",
		Exists:      batteryPowered,
		Value: func(d *omlet.Device) State {
			level, ok := d.State.Float(pathBatteryLevel...)
			if !ok {
				return State{"value": nil, "unit": "%"}
			}
			return State{"value": level, "unit": "%"}
		},
	},
}

// Descriptions returns the catalogue in discovery order.
func Descriptions() []*Description {
	out := make([]*Description, len(descriptions))
	copy(out, descriptions)
	return out
}

// DescriptionsFor returns the descriptions of one platform.
func DescriptionsFor(p Platform) []*Description {
	var out []*Description
	for _, d := range descriptions {
		if d.Platform == p {
			out = append(out, d)
		}
	}
	return out
}

// Lookup returns the description with the given key.
func Lookup(key string) (*Description, bool) {
	for _, d := range descriptions {
		if d.Key == key {
			return d, true
		}
	}
	return nil, false
}

func hasPath(path []string) func(d *omlet.Device) bool {
	return func(d *omlet.Device) bool {
		return d.State.IsSet(path...)
	}
}

// batteryPowered requires a battery reading and a known, non-mains power source.
func batteryPowered(d *omlet.Device) bool {
	if !d.State.IsSet(pathBatteryLevel...) {
		return false
	}
	source, ok := d.State.String(pathPowerSource...)
	return ok && source != "" && source != powerSourceExternal
}

func coverState(d *omlet.Device) State {
	raw, _ := d.State.String(pathDoorState...)
	var state string
	switch raw {
	case "closed":
		state = CoverClosed
	case "closepending":
		state = CoverClosing
	case "openpending":
		state = CoverOpening
	default:
		state = CoverOpen
	}
	return State{"state": state, "raw": raw}
}

func fanState(d *omlet.Device) State {
	raw, _ := d.State.String(pathFanState...)
	var preset any
	if raw != "off" {
		preset = raw
	}
	return State{"on": raw != "off", "preset_mode": preset}
}

func resolveFan(cmd Command, params map[string]any) (string, error) {
	switch cmd {
	case CommandTurnOff:
		return "off", nil
	case CommandTurnOn:
		mode, err := presetParam(params, false)
		if err != nil {
			return "", err
		}
		if mode == PresetBoost {
			return "boost", nil
		}
		return "on", nil
	case CommandSetPresetMode:
		mode, err := presetParam(params, true)
		if err != nil {
			return "", err
		}
		if mode == PresetBoost {
			return "boost", nil
		}
		return "on", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd)
	}
}

func presetParam(params map[string]any, required bool) (string, error) {
	raw, ok := params[ParamPresetMode]
	if !ok || raw == nil {
		if required {
			return "", fmt.Errorf("%w: %s is required", ErrInvalidParameter, ParamPresetMode)
		}
		return "", nil
	}
	mode, ok := raw.(string)
	if !ok || (mode != PresetOn && mode != PresetBoost) {
		return "", fmt.Errorf("%w: %s must be %q or %q", ErrInvalidParameter, ParamPresetMode, PresetOn, PresetBoost)
	}
	return mode, nil
}

func actionTable(table map[Command]string) func(Command, map[string]any) (string, error) {
	return func(cmd Command, _ map[string]any) (string, error) {
		name, ok := table[cmd]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd)
		}
		return name, nil
	}
}
