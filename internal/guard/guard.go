// Package guard holds the isolation guard: the single source of truth for
// which household and which member a device is currently allowed to see.
// Every data-access path that touches dependent data must pass through it.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nestguard/nestguard/internal/directory"
	"github.com/nestguard/nestguard/internal/shared"
	"github.com/nestguard/nestguard/internal/statestore"
)

// BindState tracks the device's binding lifecycle.
type BindState int

const (
	StateUnbound BindState = iota
	StateBinding
	StateBound
)

func (s BindState) String() string {
	switch s {
	case StateBinding:
		return "binding"
	case StateBound:
		return "bound"
	default:
		return "unbound"
	}
}

// RosterSource is the slice of the directory the guard needs. Roster reloads
// are strictly directory-sourced; there is deliberately no local fallback.
type RosterSource interface {
	ListDependents(ctx context.Context, householdID string) ([]directory.Member, error)
}

// rosterTimeout bounds the background roster reload.
const rosterTimeout = 15 * time.Second

// HouseholdContext is the process-wide isolation guard. Construct one per
// process (or per test) and pass it by reference; it is safe for concurrent
// use.
type HouseholdContext struct {
	dir    RosterSource
	store  *statestore.Store
	logger *slog.Logger

	mu          sync.RWMutex
	state       BindState
	householdID string
	guardianID  string
	dependentID string
	roster      []directory.Member

	// reloadGroup collapses concurrent reloads for the same household into
	// one directory call.
	reloadGroup singleflight.Group

	// reloadDone is closed when the in-flight roster reload finishes.
	// Tests and callers that need a settled roster wait on WaitForRoster.
	reloadDone chan struct{}
}

// NewHouseholdContext constructs an unbound guard.
func NewHouseholdContext(dir RosterSource, store *statestore.Store, logger *slog.Logger) *HouseholdContext {
	return &HouseholdContext{dir: dir, store: store, logger: logger}
}

// Bind activates a household on this device. Any previous dependent roster
// and acting dependent are cleared before the new ids are set; the stale
// roster of a prior household must never survive a tenant switch. The
// dependent roster is then reloaded asynchronously from the directory.
func (hc *HouseholdContext) Bind(ctx context.Context, householdID, guardianID string) error {
	if householdID == "" {
		return fmt.Errorf("%w: household id is required", shared.ErrInvalid)
	}

	hc.mu.Lock()
	hc.state = StateBinding
	// Full clear first. Ordering invariant: a concurrent read during the
	// switch sees either emptiness or the new household, never a mix.
	hc.dependentID = ""
	hc.roster = nil
	hc.householdID = householdID
	hc.guardianID = guardianID
	done := make(chan struct{})
	hc.reloadDone = done
	hc.mu.Unlock()

	if err := hc.store.SetJSON(ctx, bindingKey, DeviceBinding{
		HouseholdID: householdID,
		GuardianID:  guardianID,
		BoundAt:     time.Now().UTC(),
	}); err != nil {
		hc.mu.Lock()
		hc.state = StateUnbound
		hc.householdID = ""
		hc.guardianID = ""
		hc.mu.Unlock()
		close(done)
		return fmt.Errorf("persist binding: %w", err)
	}

	hc.mu.Lock()
	hc.state = StateBound
	hc.mu.Unlock()

	go func() {
		defer close(done)
		reloadCtx, cancel := context.WithTimeout(context.Background(), rosterTimeout)
		defer cancel()
		hc.reloadRoster(reloadCtx, householdID)
	}()
	return nil
}

// Restore rehydrates the binding persisted by a previous process run and
// kicks off a roster reload. A missing binding leaves the guard unbound.
func (hc *HouseholdContext) Restore(ctx context.Context) error {
	var b DeviceBinding
	if err := hc.store.GetJSON(ctx, bindingKey, &b); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("restore binding: %w", err)
	}

	hc.mu.Lock()
	hc.state = StateBound
	hc.householdID = b.HouseholdID
	hc.guardianID = b.GuardianID
	hc.dependentID = b.DependentID
	hc.roster = nil
	done := make(chan struct{})
	hc.reloadDone = done
	hc.mu.Unlock()

	go func() {
		defer close(done)
		reloadCtx, cancel := context.WithTimeout(context.Background(), rosterTimeout)
		defer cancel()
		hc.reloadRoster(reloadCtx, b.HouseholdID)
	}()
	return nil
}

// Unbind clears all binding state and durable storage. Used on sign-out.
func (hc *HouseholdContext) Unbind(ctx context.Context) error {
	hc.mu.Lock()
	hc.state = StateUnbound
	hc.householdID = ""
	hc.guardianID = ""
	hc.dependentID = ""
	hc.roster = nil
	hc.mu.Unlock()

	return hc.store.Delete(ctx, bindingKey)
}

// SetActiveDependent sets the acting dependent profile. The household does
// not change.
func (hc *HouseholdContext) SetActiveDependent(ctx context.Context, dependentID string) error {
	hc.mu.Lock()
	if hc.state != StateBound {
		hc.mu.Unlock()
		return fmt.Errorf("%w: no household bound", shared.ErrUnauthorized)
	}
	hc.dependentID = dependentID
	binding := DeviceBinding{
		HouseholdID: hc.householdID,
		GuardianID:  hc.guardianID,
		DependentID: dependentID,
		BoundAt:     time.Now().UTC(),
	}
	hc.mu.Unlock()

	return hc.store.SetJSON(ctx, bindingKey, binding)
}

// ClearActiveDependent drops the acting dependent profile.
func (hc *HouseholdContext) ClearActiveDependent(ctx context.Context) error {
	return hc.SetActiveDependent(ctx, "")
}

// RefreshRoster reloads the dependent roster synchronously. The binding
// protocol uses the async reload; sync paths (periodic reconciliation)
// call this.
func (hc *HouseholdContext) RefreshRoster(ctx context.Context) {
	hc.mu.RLock()
	householdID := hc.householdID
	hc.mu.RUnlock()
	if householdID == "" {
		return
	}
	hc.reloadRoster(ctx, householdID)
}

// reloadRoster fetches dependents for householdID and installs them if the
// binding still points at that household. Results tagged with a household
// that is no longer active are discarded: a re-bind invalidates any reload
// in flight for the previous household.
//
// On directory failure the roster becomes empty. Never fall back to a local
// cache here: a stale cached roster served under a new binding is exactly
// the cross-household leak this guard exists to prevent.
func (hc *HouseholdContext) reloadRoster(ctx context.Context, householdID string) {
	v, err, _ := hc.reloadGroup.Do(householdID, func() (any, error) {
		return hc.dir.ListDependents(ctx, householdID)
	})
	var members []directory.Member
	if err == nil {
		members, _ = v.([]directory.Member)
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	if hc.householdID != householdID {
		hc.logger.Info("discarding roster reload for superseded household",
			slog.String("household_id", householdID))
		return
	}
	if err != nil {
		hc.logger.Warn("roster reload failed, roster cleared",
			slog.String("household_id", householdID), slog.Any("error", err))
		hc.roster = []directory.Member{}
		return
	}
	hc.roster = members

	// Reconciliation: a dependent removed server-side stops being the acting
	// profile at the next refresh. The device is not locked and no re-bind is
	// forced; it simply returns to profile selection.
	if hc.dependentID != "" && !rosterContains(members, hc.dependentID) {
		hc.logger.Warn("active dependent no longer in household, clearing",
			slog.String("dependent_id", hc.dependentID),
			slog.String("household_id", householdID))
		hc.dependentID = ""
	}
}

// WaitForRoster blocks until the most recent roster reload completes or the
// context is cancelled.
func (hc *HouseholdContext) WaitForRoster(ctx context.Context) error {
	hc.mu.RLock()
	done := hc.reloadDone
	hc.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsDependentInHousehold is the primary guard predicate. True when the id is
// the acting dependent or appears in the cached roster of the active
// household. False whenever no household is bound.
func (hc *HouseholdContext) IsDependentInHousehold(dependentID string) bool {
	if dependentID == "" {
		return false
	}
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if hc.state != StateBound {
		return false
	}
	if dependentID == hc.dependentID {
		return true
	}
	return rosterContains(hc.roster, dependentID)
}

// ValidateAccess is IsDependentInHousehold plus a distinct denial reason for
// audit. "No household bound" and "not a member of this household" must be
// distinguishable from a plain not-found when reviewing access logs.
func (hc *HouseholdContext) ValidateAccess(dependentID string) bool {
	hc.mu.RLock()
	state := hc.state
	householdID := hc.householdID
	hc.mu.RUnlock()

	if state != StateBound || householdID == "" {
		hc.logger.Warn("access denied",
			slog.String("reason", "no household bound"),
			slog.String("dependent_id", dependentID))
		return false
	}
	if !hc.IsDependentInHousehold(dependentID) {
		hc.logger.Warn("access denied",
			slog.String("reason", "dependent not in bound household"),
			slog.String("dependent_id", dependentID),
			slog.String("household_id", householdID))
		return false
	}
	return true
}

// Snapshot returns the current binding fields for display and diagnostics.
func (hc *HouseholdContext) Snapshot() DeviceBinding {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return DeviceBinding{
		HouseholdID: hc.householdID,
		GuardianID:  hc.guardianID,
		DependentID: hc.dependentID,
	}
}

// State returns the binding lifecycle state.
func (hc *HouseholdContext) State() BindState {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.state
}

// ActiveDependentID returns the acting dependent profile id, if any.
func (hc *HouseholdContext) ActiveDependentID() string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.dependentID
}

// Roster returns a copy of the cached dependent roster.
func (hc *HouseholdContext) Roster() []directory.Member {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make([]directory.Member, len(hc.roster))
	copy(out, hc.roster)
	return out
}

// FilterToHousehold keeps only items whose dependent id passes the guard.
// With no household bound it returns an empty slice rather than an error, so
// callers render nothing instead of leaking or crashing.
func FilterToHousehold[T any](hc *HouseholdContext, items []T, dependentID func(T) string) []T {
	filtered := make([]T, 0, len(items))
	for _, item := range items {
		if hc.IsDependentInHousehold(dependentID(item)) {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

func rosterContains(roster []directory.Member, id string) bool {
	for _, m := range roster {
		if m.ID == id {
			return true
		}
	}
	return false
}
