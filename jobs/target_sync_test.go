package jobs

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nestguard/nestguard/internal/dirclient"
	"github.com/nestguard/nestguard/internal/directory"
	"github.com/nestguard/nestguard/internal/guard"
	"github.com/nestguard/nestguard/internal/restriction"
	"github.com/nestguard/nestguard/internal/shared"
	"github.com/nestguard/nestguard/internal/statestore"
)

// syncDirectory is a Directory stub for sync tests; only the calls the sync
// job makes are implemented.
type syncDirectory struct {
	selection *directory.TargetSelection
	selectErr error
	roster    []directory.Member

	// onSelect runs during the fetch, letting tests race a profile switch
	// against an in-flight sync.
	onSelect func()
}

func (d *syncDirectory) GetTargetSelection(_ context.Context, dependentID string) (*directory.TargetSelection, error) {
	if d.onSelect != nil {
		d.onSelect()
	}
	if d.selectErr != nil {
		return nil, d.selectErr
	}
	sel := *d.selection
	sel.DependentID = dependentID
	return &sel, nil
}

func (d *syncDirectory) ListDependents(context.Context, string) ([]directory.Member, error) {
	return d.roster, nil
}

func (d *syncDirectory) VerifyInviteCode(context.Context, string) (bool, error) {
	return false, errors.New("not implemented")
}

func (d *syncDirectory) GetHouseholdByInviteCode(context.Context, string) (*directory.Household, error) {
	return nil, errors.New("not implemented")
}

func (d *syncDirectory) RosterByInviteCode(context.Context, string) ([]directory.Member, error) {
	return nil, errors.New("not implemented")
}

func (d *syncDirectory) CreateHousehold(context.Context, string) (*directory.Household, error) {
	return nil, errors.New("not implemented")
}

func (d *syncDirectory) JoinHousehold(context.Context, string, directory.Role) (*directory.Household, error) {
	return nil, errors.New("not implemented")
}

func (d *syncDirectory) ListMembers(context.Context, string) ([]directory.Member, error) {
	return nil, errors.New("not implemented")
}

func (d *syncDirectory) ResolveHouseholdForMember(context.Context, string) (*directory.Household, error) {
	return nil, errors.New("not implemented")
}

func (d *syncDirectory) Login(context.Context, string, string) (*directory.Member, error) {
	return nil, errors.New("not implemented")
}

func (d *syncDirectory) Logout(context.Context) error { return nil }

func (d *syncDirectory) BindDevice(context.Context, string, string, string) (*dirclient.BindResult, error) {
	return nil, errors.New("not implemented")
}

func newSyncFixture(t *testing.T, dir *syncDirectory) (*TargetSyncJob, *guard.HouseholdContext, *restriction.TargetStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := statestore.New(client, "device")

	hc := guard.NewHouseholdContext(dir, store, slog.Default())
	targets := restriction.NewTargetStore(store)
	return NewTargetSyncJob(dir, hc, targets, slog.Default()), hc, targets
}

func bindWithDependent(t *testing.T, hc *guard.HouseholdContext, dependentID string) {
	t.Helper()
	ctx := context.Background()
	if err := hc.Bind(ctx, "h1", "g1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := hc.SetActiveDependent(ctx, dependentID); err != nil {
		t.Fatalf("set active dependent: %v", err)
	}
	if err := hc.WaitForRoster(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestTargetSyncWritesSnapshot(t *testing.T) {
	hid := "h1"
	dir := &syncDirectory{
		selection: &directory.TargetSelection{BlockedApps: []string{"game-a"}},
		roster:    []directory.Member{{ID: "d1", HouseholdID: &hid, Role: directory.RoleDependent}},
	}
	job, hc, targets := newSyncFixture(t, dir)
	bindWithDependent(t, hc, "d1")

	ctx := context.Background()
	if err := job.Handle(ctx, NewTargetSyncTask()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	set, err := targets.LoadFor(ctx, "d1")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if len(set.Apps) != 1 || set.Apps[0] != "game-a" {
		t.Fatalf("unexpected snapshot: %+v", set)
	}
}

func TestTargetSyncSkipsWithoutActingDependent(t *testing.T) {
	dir := &syncDirectory{selection: &directory.TargetSelection{}}
	job, _, targets := newSyncFixture(t, dir)

	ctx := context.Background()
	if err := job.Handle(ctx, NewTargetSyncTask()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := targets.Load(ctx); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected no snapshot written, got %v", err)
	}
}

func TestTargetSyncKeepsSnapshotOnFailure(t *testing.T) {
	hid := "h1"
	dir := &syncDirectory{
		selection: &directory.TargetSelection{BlockedApps: []string{"game-a"}},
		roster:    []directory.Member{{ID: "d1", HouseholdID: &hid, Role: directory.RoleDependent}},
	}
	job, hc, targets := newSyncFixture(t, dir)
	bindWithDependent(t, hc, "d1")

	ctx := context.Background()
	if err := job.Handle(ctx, NewTargetSyncTask()); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	dir.selectErr = errors.New("directory down")
	if err := job.Handle(ctx, NewTargetSyncTask()); err == nil {
		t.Fatal("expected sync failure surfaced for retry")
	}

	set, err := targets.LoadFor(ctx, "d1")
	if err != nil {
		t.Fatalf("snapshot lost on failed sync: %v", err)
	}
	if len(set.Apps) != 1 {
		t.Fatalf("snapshot changed on failed sync: %+v", set)
	}
}

func TestTargetSyncDiscardsResultAfterProfileSwitch(t *testing.T) {
	hid := "h1"
	dir := &syncDirectory{
		selection: &directory.TargetSelection{BlockedApps: []string{"game-a"}},
		roster: []directory.Member{
			{ID: "d1", HouseholdID: &hid, Role: directory.RoleDependent},
			{ID: "d2", HouseholdID: &hid, Role: directory.RoleDependent},
		},
	}
	job, hc, targets := newSyncFixture(t, dir)
	bindWithDependent(t, hc, "d1")

	ctx := context.Background()
	dir.onSelect = func() {
		if err := hc.SetActiveDependent(ctx, "d2"); err != nil {
			t.Errorf("switch dependent: %v", err)
		}
	}

	if err := job.Handle(ctx, NewTargetSyncTask()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := targets.Load(ctx); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("stale selection written after profile switch, got %v", err)
	}
}
