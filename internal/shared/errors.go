package shared

import "errors"

var (
	// ErrNotFound indicates an invite code, household or member that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized indicates a role, tenancy or cross-tenant invariant violation.
	// Callers must tear down the authenticated session before surfacing it.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict indicates an invite-code collision or duplicate record.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable indicates a network or store I/O failure. Retriable.
	ErrUnavailable = errors.New("unavailable")
	// ErrInvalid indicates malformed input, e.g. a wrong-length invite code.
	ErrInvalid = errors.New("invalid input")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
