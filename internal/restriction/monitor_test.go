package restriction

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nestguard/nestguard/internal/directory"
	"github.com/nestguard/nestguard/internal/guard"
	"github.com/nestguard/nestguard/internal/statestore"
)

type recordingEnforcer struct {
	mu         sync.Mutex
	apps       []string
	categories []string
	domains    []string
	clears     int
}

func (e *recordingEnforcer) ApplyApps(_ context.Context, apps []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.apps = append([]string(nil), apps...)
	return nil
}

func (e *recordingEnforcer) ApplyCategories(_ context.Context, categories []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.categories = append([]string(nil), categories...)
	return nil
}

func (e *recordingEnforcer) ApplyDomains(_ context.Context, domains []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.domains = append([]string(nil), domains...)
	return nil
}

func (e *recordingEnforcer) ClearAll(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clears++
	e.apps = nil
	e.categories = nil
	e.domains = nil
	return nil
}

type staticRoster []directory.Member

func (s staticRoster) ListDependents(context.Context, string) ([]directory.Member, error) {
	return s, nil
}

func newMonitorFixture(t *testing.T) (*Monitor, *recordingEnforcer, *TargetStore, *guard.HouseholdContext) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := statestore.New(client, "device")

	hid := "h1"
	hc := guard.NewHouseholdContext(staticRoster{{ID: "d1", HouseholdID: &hid, Role: directory.RoleDependent}}, store, slog.Default())
	ctx := context.Background()
	if err := hc.Bind(ctx, hid, "g1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := hc.SetActiveDependent(ctx, "d1"); err != nil {
		t.Fatalf("set active dependent: %v", err)
	}
	if err := hc.WaitForRoster(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	enf := &recordingEnforcer{}
	targets := NewTargetStore(store)
	return NewMonitor(targets, hc, enf, slog.Default()), enf, targets, hc
}

func TestBlockingIntervalIsAdditiveOnly(t *testing.T) {
	monitor, enf, targets, _ := newMonitorFixture(t)
	ctx := context.Background()

	if err := targets.Save(ctx, TargetSet{
		DependentID: "d1",
		Apps:        []string{"game-a", "game-b"},
		SyncedAt:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save targets: %v", err)
	}

	monitor.OnIntervalStart(ctx, "dailyRestriction")

	if len(enf.apps) != 2 {
		t.Fatalf("expected both apps restricted, got %v", enf.apps)
	}
	if len(enf.categories) != 0 || len(enf.domains) != 0 {
		t.Fatalf("categories/domains restricted without being selected: %v %v", enf.categories, enf.domains)
	}

	monitor.OnIntervalEnd(ctx, "dailyRestriction")
	if enf.clears != 1 {
		t.Fatalf("expected restrictions cleared at interval end, got %d clears", enf.clears)
	}
	if len(enf.apps) != 0 {
		t.Fatalf("apps still restricted after clear: %v", enf.apps)
	}
}

func TestUnrestrictedSessionClearsEverythingIdempotently(t *testing.T) {
	monitor, enf, targets, _ := newMonitorFixture(t)
	ctx := context.Background()

	if err := targets.Save(ctx, TargetSet{
		DependentID: "d1",
		Apps:        []string{"game-a"},
		Categories:  []string{"social"},
		SyncedAt:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save targets: %v", err)
	}
	monitor.OnIntervalStart(ctx, "dailyRestriction")

	monitor.OnIntervalStart(ctx, "unrestrictedSession")
	monitor.OnIntervalStart(ctx, "unrestrictedSession")

	if enf.clears != 2 {
		t.Fatalf("expected a total clear per session start, got %d", enf.clears)
	}
	if len(enf.apps) != 0 || len(enf.categories) != 0 {
		t.Fatalf("restrictions survived the free session: %v %v", enf.apps, enf.categories)
	}

	// Session end restores the last-known target set.
	monitor.OnIntervalEnd(ctx, "unrestrictedSession")
	if len(enf.apps) != 1 || len(enf.categories) != 1 {
		t.Fatalf("targets not re-applied after session end: %v %v", enf.apps, enf.categories)
	}
}

func TestMissingTargetsFailsOpen(t *testing.T) {
	monitor, enf, _, _ := newMonitorFixture(t)
	ctx := context.Background()

	monitor.OnIntervalStart(ctx, "dailyRestriction")

	if len(enf.apps) != 0 || len(enf.categories) != 0 || len(enf.domains) != 0 {
		t.Fatal("restrictions applied without a target snapshot")
	}
	if enf.clears != 0 {
		t.Fatal("restrictions cleared without being asked")
	}
}

func TestStaleSnapshotNotAppliedAcrossDependentSwitch(t *testing.T) {
	monitor, enf, targets, hc := newMonitorFixture(t)
	ctx := context.Background()

	if err := targets.Save(ctx, TargetSet{
		DependentID: "d1",
		Apps:        []string{"game-a"},
		SyncedAt:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save targets: %v", err)
	}

	// Switch profiles without a fresh sync; d1's snapshot must not apply.
	if err := hc.SetActiveDependent(ctx, "d2"); err != nil {
		t.Fatalf("switch dependent: %v", err)
	}
	monitor.OnIntervalStart(ctx, "dailyRestriction")

	if len(enf.apps) != 0 {
		t.Fatalf("previous dependent's targets applied after switch: %v", enf.apps)
	}
}

func TestThresholdReappliesTargets(t *testing.T) {
	monitor, enf, targets, _ := newMonitorFixture(t)
	ctx := context.Background()

	if err := targets.Save(ctx, TargetSet{
		DependentID: "d1",
		Domains:     []string{"example.com"},
		SyncedAt:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save targets: %v", err)
	}

	monitor.OnIntervalStart(ctx, "usageThresholdRestriction")
	if len(enf.domains) != 1 {
		t.Fatalf("expected domain restricted on start, got %v", enf.domains)
	}

	enf.domains = nil
	monitor.OnThreshold(ctx, "screen-time-limit", "usageThresholdRestriction")
	if len(enf.domains) != 1 {
		t.Fatalf("expected domain restricted again on threshold, got %v", enf.domains)
	}
}
