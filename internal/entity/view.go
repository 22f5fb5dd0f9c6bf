package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-coop/internal/coordinator"
	"github.com/nerrad567/gray-logic-coop/internal/omlet"
)

// Coordinator is the part of *coordinator.Coordinator a View uses.
type Coordinator interface {
	Device(id string) (*omlet.Device, bool)
	PerformAction(ctx context.Context, action omlet.Action) error
	Refresh(ctx context.Context) error
}

// Discover lists every entity the snapshot's devices expose, ordered by
// device id and then catalogue order. A nil snapshot yields nothing.
func Discover(snap *coordinator.Snapshot) []Entity {
	var out []Entity
	for _, d := range snap.Devices() {
		out = append(out, DiscoverDevice(d)...)
	}
	return out
}

// DiscoverDevice lists the entities one device exposes.
func DiscoverDevice(d *omlet.Device) []Entity {
	var out []Entity
	for _, desc := range descriptions {
		if desc.Exists(d) {
			out = append(out, Entity{
				UniqueID:    UniqueID(d.DeviceID, desc.Key),
				DeviceID:    d.DeviceID,
				Description: desc,
			})
		}
	}
	return out
}

// Find returns the entity with key on device d, if d exposes it.
func Find(d *omlet.Device, key string) (Entity, error) {
	desc, ok := Lookup(key)
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrEntityNotFound, key)
	}
	if !desc.Exists(d) {
		return Entity{}, fmt.Errorf("%w: device %s has no %s", ErrEntityNotFound, d.DeviceID, key)
	}
	return Entity{UniqueID: UniqueID(d.DeviceID, key), DeviceID: d.DeviceID, Description: desc}, nil
}

// States computes the state of every entity d exposes, keyed by entity key.
func States(d *omlet.Device) map[string]State {
	out := make(map[string]State)
	for _, desc := range descriptions {
		if desc.Exists(d) {
			out[desc.Key] = desc.Value(d)
		}
	}
	return out
}

// View is an entity bound to the coordinator that owns its device.
//
// A View holds no state of its own; every read goes through the
// coordinator's current snapshot.
type View struct {
	Entity
	coord Coordinator
}

// NewView binds ent to coord.
func NewView(coord Coordinator, ent Entity) *View {
	return &View{Entity: ent, coord: coord}
}

// Device returns the entity's device from the current snapshot.
func (v *View) Device() (*omlet.Device, bool) {
	return v.coord.Device(v.DeviceID)
}

// Available reports whether the device is present and still exposes the entity.
func (v *View) Available() bool {
	d, ok := v.Device()
	return ok && v.Description.Exists(d)
}

// State computes the entity's current state.
// The boolean is false when the entity is unavailable.
func (v *View) State() (State, bool) {
	d, ok := v.Device()
	if !ok || !v.Description.Exists(d) {
		return nil, false
	}
	return v.Description.Value(d), true
}

// Info returns the device info, or false if the device is gone.
func (v *View) Info() (DeviceInfo, bool) {
	d, ok := v.Device()
	if !ok {
		return DeviceInfo{}, false
	}
	return NewDeviceInfo(d), true
}

// Execute runs a command against the entity.
//
// The command is resolved to one of the device's advertised actions,
// submitted, and followed by a coordinator refresh. State is never
// updated locally.
//
// Returns:
//   - ErrUnsupportedCommand or ErrInvalidParameter for bad input
//   - ErrDeviceNotFound if the device is no longer in the snapshot
//   - ErrActionUnavailable if the device does not offer the action now;
//     nothing is sent
//   - the coordinator's error if the action fails
//
// A transient failure of the follow-up refresh is not reported; the
// cadence loop will pick the change up. An authorization failure is.
func (v *View) Execute(ctx context.Context, cmd Command, params map[string]any) error {
	desc := v.Description
	if desc.ReadOnly() || !desc.Supports(cmd) {
		return fmt.Errorf("%w: %s does not accept %s", ErrUnsupportedCommand, desc.Key, cmd)
	}

	d, ok := v.Device()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, v.DeviceID)
	}

	name, err := desc.Resolve(cmd, params)
	if err != nil {
		return err
	}

	action, ok := d.Action(name)
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrActionUnavailable, name, v.DeviceID)
	}
	if action.DeviceID == "" {
		action.DeviceID = d.DeviceID
	}

	if err := v.coord.PerformAction(ctx, action); err != nil {
		return err
	}

	if err := v.coord.Refresh(ctx); err != nil {
		if errors.Is(err, coordinator.ErrAuthFailed) || errors.Is(err, coordinator.ErrClosed) {
			return err
		}
	}
	return nil
}
