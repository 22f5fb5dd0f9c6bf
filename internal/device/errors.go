package device

import "errors"

// Errors returned by the registry and repositories. Compare with errors.Is;
// callers usually see them wrapped with the offending ID or value.
var (
	ErrDeviceNotFound = errors.New("device: not found")
	ErrInvalidDevice  = errors.New("device: seed needs an id and a name")
	ErrInvalidHealth  = errors.New("device: unknown health status")
)
