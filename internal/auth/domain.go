package auth

import "time"

// Credential represents a guardian's authentication record. Dependents never
// have one; they are reachable only through an authenticated guardian session.
type Credential struct {
	MemberID     string
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
