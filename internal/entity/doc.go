// Package entity turns Omlet devices into home-automation entities.
//
// Each entity kind is a Description: a predicate deciding whether a device
// exposes the entity, an extractor computing its state from the device's
// status tree, and a resolver mapping user commands onto the device's
// advertised actions. The table in descriptions.go is the whole catalogue;
// there is no type hierarchy.
//
// # Key Types
//
//   - Description: one entity kind (door sensor, door cover, fan, light, battery)
//   - Entity: a Description bound to one device id
//   - View: an Entity bound explicitly to a coordinator for reads and commands
//
// # Usage
//
//	for _, ent := range entity.Discover(coord.Snapshot()) {
//	    view := entity.NewView(coord, ent)
//	    state, ok := view.State()
//	    ...
//	}
//
//	err := view.Execute(ctx, entity.CommandOpen, nil)
//	if errors.Is(err, entity.ErrActionUnavailable) {
//	    // The device does not offer this right now; nothing was sent.
//	}
//
// Commands never update state optimistically. Execute submits the action
// and then asks the coordinator to refresh.
package entity
