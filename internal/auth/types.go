package auth

import (
	"errors"
	"slices"
)

// Role represents an authorisation tier for API clients.
type Role string

const (
	// RoleViewer may read devices, points and history.
	RoleViewer Role = "viewer"

	// RoleOperator may additionally write points and manage COV
	// subscriptions. Typical for the automation engine and the UI.
	RoleOperator Role = "operator"

	// RoleAdmin may additionally discover, evict and reinitialise devices,
	// declare points and synchronise clocks. Commissioning only.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of roles a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is one of ValidRoles.
func IsValidRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !IsValidRole(r) {
		return "", ErrInvalidRole
	}
	return r, nil
}

// Sentinel errors for auth operations.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
	ErrForbidden    = errors.New("insufficient permissions")

	ErrReinitPassword = errors.New("invalid reinitialize password")
	ErrInvalidHash    = errors.New("invalid password hash")
)
