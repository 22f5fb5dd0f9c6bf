package entity

import "errors"

// Domain errors for the entity package.
var (
	// ErrUnsupportedCommand is returned when an entity does not understand a command.
	ErrUnsupportedCommand = errors.New("entity: unsupported command")

	// ErrActionUnavailable is returned when the device does not currently
	// advertise the action a command needs. Nothing is sent upstream;
	// callers treat it as a benign skip.
	ErrActionUnavailable = errors.New("entity: action unavailable")

	// ErrDeviceNotFound is returned when the entity's device is not in the snapshot.
	ErrDeviceNotFound = errors.New("entity: device not found")

	// ErrEntityNotFound is returned by lookups for an unknown entity key.
	ErrEntityNotFound = errors.New("entity: not found")

	// ErrInvalidParameter is returned when a command parameter is malformed.
	ErrInvalidParameter = errors.New("entity: invalid parameter")
)
