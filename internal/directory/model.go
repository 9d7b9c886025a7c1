package directory

import "time"

// Role distinguishes household members with credentials from profile-only members.
type Role string

const (
	// RoleGuardian members hold authentication credentials and administer dependents.
	RoleGuardian Role = "guardian"
	// RoleDependent members have no credential of their own. They are reachable
	// only through a guardian- or sibling-authenticated session plus explicit
	// profile selection.
	RoleDependent Role = "dependent"
)

// IsValid reports whether the role is one of the supported values.
func (r Role) IsValid() bool {
	return r == RoleGuardian || r == RoleDependent
}

// Household groups a guardian and zero or more dependents sharing restriction policy.
// The invite code is the only human-shareable handle for joining and is unique
// across all households.
type Household struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	InviteCode string    `json:"invite_code"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Member belongs to exactly one household at a time once onboarded.
// HouseholdID is nil only between guardian sign-up and household create/join.
type Member struct {
	ID          string    `json:"id"`
	HouseholdID *string   `json:"household_id,omitempty"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name"`
	Age         *int      `json:"age,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InHousehold reports whether the member is onboarded into the given household.
func (m *Member) InHousehold(householdID string) bool {
	return m.HouseholdID != nil && *m.HouseholdID == householdID
}

// TargetSelection is the per-dependent set of blocked apps, categories and
// domains chosen by a guardian. Devices pull it into their local Restriction
// Target Store; the directory copy is the source of truth.
type TargetSelection struct {
	DependentID       string    `json:"dependent_id"`
	BlockedApps       []string  `json:"blocked_apps"`
	BlockedCategories []string  `json:"blocked_categories"`
	BlockedDomains    []string  `json:"blocked_domains"`
	UpdatedAt         time.Time `json:"updated_at"`
}
