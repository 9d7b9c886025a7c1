package guard

import "time"

// bindingKey is the statestore key holding the device binding snapshot.
const bindingKey = "binding"

// DeviceBinding is the (household, role, profile) triple a physical device
// currently operates as. It is persisted as a single value so household id,
// acting role and profile id can never be observed half-updated; the flat
// per-field layout this replaced allowed exactly that race.
type DeviceBinding struct {
	HouseholdID string    `json:"household_id"`
	GuardianID  string    `json:"guardian_id,omitempty"`
	DependentID string    `json:"dependent_id,omitempty"`
	BoundAt     time.Time `json:"bound_at"`
}

// ActingDependent reports whether the device acts as a dependent profile.
func (b DeviceBinding) ActingDependent() bool {
	return b.DependentID != ""
}
