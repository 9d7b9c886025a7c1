// Package restriction applies and lifts the device's blocking rules in
// response to scheduled activity intervals. The decision logic is a pure
// reducer; the surrounding monitor wires it to the target snapshot, the
// isolation guard and the platform enforcer.
package restriction

import (
	"context"
	"errors"
	"time"

	"github.com/nestguard/nestguard/internal/directory"
	"github.com/nestguard/nestguard/internal/shared"
	"github.com/nestguard/nestguard/internal/statestore"
)

// targetsKey is the statestore key holding the synced target snapshot.
const targetsKey = "targets"

// TargetSet is the locally cached selection of what to block for the acting
// dependent. It is written as a single value on sync so apps, categories and
// domains always belong to the same snapshot.
type TargetSet struct {
	DependentID string    `json:"dependent_id"`
	Apps        []string  `json:"apps"`
	Categories  []string  `json:"categories"`
	Domains     []string  `json:"domains"`
	SyncedAt    time.Time `json:"synced_at"`
}

// IsEmpty reports whether the set blocks nothing.
func (t TargetSet) IsEmpty() bool {
	return len(t.Apps) == 0 && len(t.Categories) == 0 && len(t.Domains) == 0
}

// FromSelection converts the directory's selection into a local snapshot.
func FromSelection(sel *directory.TargetSelection) TargetSet {
	return TargetSet{
		DependentID: sel.DependentID,
		Apps:        sel.BlockedApps,
		Categories:  sel.BlockedCategories,
		Domains:     sel.BlockedDomains,
		SyncedAt:    time.Now().UTC(),
	}
}

// TargetStore persists the synced TargetSet.
type TargetStore struct {
	store *statestore.Store
}

// NewTargetStore constructs a TargetStore.
func NewTargetStore(store *statestore.Store) *TargetStore {
	return &TargetStore{store: store}
}

// Load returns the cached snapshot. A missing snapshot returns
// shared.ErrNotFound; callers decide whether that means "block nothing" or
// "sync first".
func (ts *TargetStore) Load(ctx context.Context) (TargetSet, error) {
	var t TargetSet
	if err := ts.store.GetJSON(ctx, targetsKey, &t); err != nil {
		return TargetSet{}, err
	}
	return t, nil
}

// LoadFor returns the snapshot only when it belongs to dependentID. A
// snapshot synced for a previous dependent is treated as absent, never
// served across a profile switch.
func (ts *TargetStore) LoadFor(ctx context.Context, dependentID string) (TargetSet, error) {
	t, err := ts.Load(ctx)
	if err != nil {
		return TargetSet{}, err
	}
	if t.DependentID != dependentID {
		return TargetSet{}, errors.Join(shared.ErrNotFound, errStaleSnapshot)
	}
	return t, nil
}

var errStaleSnapshot = errors.New("restriction: target snapshot belongs to a different dependent")

// Save replaces the snapshot atomically.
func (ts *TargetStore) Save(ctx context.Context, t TargetSet) error {
	return ts.store.SetJSON(ctx, targetsKey, t)
}

// Clear drops the snapshot, e.g. on unbind or dependent switch.
func (ts *TargetStore) Clear(ctx context.Context) error {
	return ts.store.Delete(ctx, targetsKey)
}
