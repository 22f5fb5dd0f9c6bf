package auth

import (
	"errors"
	"slices"
)

// Role represents an authorisation tier in the system.
type Role string

const (
	// RoleViewer can read devices, entities and history.
	RoleViewer Role = "viewer"

	// RoleOperator can also run entity commands and request refreshes.
	RoleOperator Role = "operator"

	// RoleAdmin can also replace the Omlet credential.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of valid roles.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

// Sentinel errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
	ErrNoSecret     = errors.New("jwt secret is not configured")
	ErrForbidden    = errors.New("insufficient permissions")
)
