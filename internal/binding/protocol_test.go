package binding

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
	"github.com/nestguard/nestguard/internal/shared"
	"github.com/nestguard/nestguard/internal/statestore"
)

type fakeDirectory struct {
	households map[string]*directory.Household // keyed by invite code
	members    map[string]*directory.Member    // keyed by email
	rosters    map[string][]directory.Member   // keyed by household id

	logouts int
	binds   int
}

func (f *fakeDirectory) VerifyInviteCode(_ context.Context, code string) (bool, error) {
	_, ok := f.households[code]
	return ok, nil
}

func (f *fakeDirectory) GetHouseholdByInviteCode(_ context.Context, code string) (*directory.Household, error) {
	h, ok := f.households[code]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return h, nil
}

func (f *fakeDirectory) RosterByInviteCode(ctx context.Context, code string) ([]directory.Member, error) {
	h, err := f.GetHouseholdByInviteCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return f.rosters[h.ID], nil
}

func (f *fakeDirectory) CreateHousehold(context.Context, string) (*directory.Household, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDirectory) JoinHousehold(context.Context, string, directory.Role) (*directory.Household, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDirectory) ListMembers(_ context.Context, householdID string) ([]directory.Member, error) {
	return f.rosters[householdID], nil
}

func (f *fakeDirectory) ListDependents(_ context.Context, householdID string) ([]directory.Member, error) {
	var out []directory.Member
	for _, m := range f.rosters[householdID] {
		if m.Role == directory.RoleDependent {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeDirectory) ResolveHouseholdForMember(context.Context, string) (*directory.Household, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDirectory) GetTargetSelection(context.Context, string) (*directory.TargetSelection, error) {
	return nil, shared.ErrNotFound
}

func (f *fakeDirectory) Login(_ context.Context, email, _ string) (*directory.Member, error) {
	m, ok := f.members[email]
	if !ok {
		return nil, shared.ErrInvalidCredentials
	}
	return m, nil
}

func (f *fakeDirectory) Logout(context.Context) error {
	f.logouts++
	return nil
}

func (f *fakeDirectory) BindDevice(_ context.Context, code, memberID, _ string) (*dirclient.BindResult, error) {
	h, ok := f.households[code]
	if !ok {
		return nil, shared.ErrNotFound
	}
	f.binds++
	return &dirclient.BindResult{Token: "device-token", Household: h}, nil
}

func strPtr(s string) *string { return &s }

func newFixture() *fakeDirectory {
	h1 := &directory.Household{ID: "h1", Name: "Alder", InviteCode: "482193"}
	h2 := &directory.Household{ID: "h2", Name: "Birch", InviteCode: "915260"}
	return &fakeDirectory{
		households: map[string]*directory.Household{"482193": h1, "915260": h2},
		members: map[string]*directory.Member{
			"g1@example.com": {ID: "g1", HouseholdID: strPtr("h1"), Role: directory.RoleGuardian, DisplayName: "Pat"},
			"g2@example.com": {ID: "g2", HouseholdID: strPtr("h2"), Role: directory.RoleGuardian, DisplayName: "Sam"},
			"orphan@example.com": {ID: "g3", Role: directory.RoleGuardian, DisplayName: "Lee"},
			"kid@example.com":    {ID: "dx", HouseholdID: strPtr("h1"), Role: directory.RoleDependent, DisplayName: "Kim"},
		},
		rosters: map[string][]directory.Member{
			"h1": {
				{ID: "g1", HouseholdID: strPtr("h1"), Role: directory.RoleGuardian, DisplayName: "Pat"},
				{ID: "d1", HouseholdID: strPtr("h1"), Role: directory.RoleDependent, DisplayName: "Robin"},
				{ID: "d2", HouseholdID: strPtr("h1"), Role: directory.RoleDependent, DisplayName: "Jo"},
			},
			"h2": {
				{ID: "g2", HouseholdID: strPtr("h2"), Role: directory.RoleGuardian, DisplayName: "Sam"},
			},
		},
	}
}

func newProtocol(t *testing.T, dir *fakeDirectory, dependentPath bool) (*Protocol, *guard.HouseholdContext) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := statestore.New(client, "device")
	hc := guard.NewHouseholdContext(dir, store, slog.Default())
	return New(dir, hc, store, slog.Default(), "device-1", dependentPath, nil), hc
}

func TestInviteCodeStageRetries(t *testing.T) {
	dir := newFixture()
	p, _ := newProtocol(t, dir, false)
	ctx := context.Background()

	if err := p.SubmitInviteCode(ctx, "12"); !errors.Is(err, shared.ErrInvalid) {
		t.Fatalf("expected invalid code error, got %v", err)
	}
	if p.Stage() != StageEnterInviteCode {
		t.Fatalf("stage advanced on invalid code: %s", p.Stage())
	}

	if err := p.SubmitInviteCode(ctx, "000000"); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected not found for unknown code, got %v", err)
	}
	if p.Stage() != StageEnterInviteCode {
		t.Fatalf("stage advanced on unknown code: %s", p.Stage())
	}

	if err := p.SubmitInviteCode(ctx, " 482193 "); err != nil {
		t.Fatalf("submit valid code: %v", err)
	}
	if p.Stage() != StageAuthenticate {
		t.Fatalf("expected authenticate stage, got %s", p.Stage())
	}
}

func TestCrossTenantInvariantDeniesBinding(t *testing.T) {
	dir := newFixture()
	p, hc := newProtocol(t, dir, false)
	ctx := context.Background()

	// h2's invite code, h1's guardian credentials.
	if err := p.SubmitInviteCode(ctx, "915260"); err != nil {
		t.Fatalf("submit code: %v", err)
	}
	err := p.Authenticate(ctx, "g1@example.com", "pw")
	if !errors.Is(err, ErrWrongHousehold) {
		t.Fatalf("expected cross-tenant denial, got %v", err)
	}
	if !errors.Is(err, shared.ErrUnauthorized) {
		t.Fatalf("denial must be unauthorized, got %v", err)
	}
	if dir.logouts != 1 {
		t.Fatalf("expected forced sign-out, got %d logouts", dir.logouts)
	}
	if hc.State() != guard.StateUnbound {
		t.Fatal("binding occurred despite cross-tenant denial")
	}
	// Invite code survives; only credentials are re-entered.
	if p.Stage() != StageAuthenticate {
		t.Fatalf("expected authenticate stage after denial, got %s", p.Stage())
	}

	// The right household's guardian proceeds.
	if err := p.Authenticate(ctx, "g2@example.com", "pw"); err != nil {
		t.Fatalf("authenticate correct guardian: %v", err)
	}
	if p.Stage() != StageSelectProfile {
		t.Fatalf("expected profile stage, got %s", p.Stage())
	}
}

func TestRoleInvariant(t *testing.T) {
	dir := newFixture()
	p, _ := newProtocol(t, dir, false)
	ctx := context.Background()

	if err := p.SubmitInviteCode(ctx, "482193"); err != nil {
		t.Fatalf("submit code: %v", err)
	}
	if err := p.Authenticate(ctx, "kid@example.com", "pw"); !errors.Is(err, ErrNotGuardian) {
		t.Fatalf("expected role denial, got %v", err)
	}
	if dir.logouts != 1 {
		t.Fatalf("expected forced sign-out, got %d logouts", dir.logouts)
	}
}

func TestTenancyInvariant(t *testing.T) {
	dir := newFixture()
	p, _ := newProtocol(t, dir, false)
	ctx := context.Background()

	if err := p.SubmitInviteCode(ctx, "482193"); err != nil {
		t.Fatalf("submit code: %v", err)
	}
	if err := p.Authenticate(ctx, "orphan@example.com", "pw"); !errors.Is(err, ErrNoHousehold) {
		t.Fatalf("expected tenancy denial, got %v", err)
	}
	if dir.logouts != 1 {
		t.Fatalf("expected forced sign-out, got %d logouts", dir.logouts)
	}
}

func TestGuardianBindsOwnProfile(t *testing.T) {
	dir := newFixture()
	p, hc := newProtocol(t, dir, false)
	ctx := context.Background()

	if err := p.SubmitInviteCode(ctx, "482193"); err != nil {
		t.Fatalf("submit code: %v", err)
	}
	if err := p.Authenticate(ctx, "g1@example.com", "pw"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := p.SelectProfile(ctx, "g1"); err != nil {
		t.Fatalf("select profile: %v", err)
	}

	if p.Stage() != StageBound {
		t.Fatalf("expected bound, got %s", p.Stage())
	}
	if dir.binds != 1 {
		t.Fatalf("expected one directory bind, got %d", dir.binds)
	}
	if err := hc.WaitForRoster(ctx); err != nil {
		t.Fatalf("wait for roster: %v", err)
	}
	snap := hc.Snapshot()
	if snap.HouseholdID != "h1" || snap.GuardianID != "g1" || snap.DependentID != "" {
		t.Fatalf("unexpected binding: %+v", snap)
	}
	if !hc.IsDependentInHousehold("d1") {
		t.Fatal("expected household roster loaded after bind")
	}
}

func TestDependentPathSelectsOnlyDependents(t *testing.T) {
	dir := newFixture()
	p, hc := newProtocol(t, dir, true)
	ctx := context.Background()

	if err := p.SubmitInviteCode(ctx, "482193"); err != nil {
		t.Fatalf("submit code: %v", err)
	}
	// No credential held: the dependent path goes straight to profiles.
	if p.Stage() != StageSelectProfile {
		t.Fatalf("expected profile stage, got %s", p.Stage())
	}

	if err := p.SelectProfile(ctx, "g1"); !errors.Is(err, shared.ErrUnauthorized) {
		t.Fatalf("expected guardian profile rejection, got %v", err)
	}
	if p.Stage() != StageSelectProfile {
		t.Fatalf("stage changed on rejected selection: %s", p.Stage())
	}

	if err := p.SelectProfile(ctx, "d1"); err != nil {
		t.Fatalf("select dependent: %v", err)
	}
	if p.Stage() != StageBound {
		t.Fatalf("expected bound, got %s", p.Stage())
	}
	snap := hc.Snapshot()
	if snap.HouseholdID != "h1" || snap.DependentID != "d1" || snap.GuardianID != "" {
		t.Fatalf("unexpected binding: %+v", snap)
	}
}

func TestStageOrderEnforced(t *testing.T) {
	dir := newFixture()
	p, _ := newProtocol(t, dir, false)
	ctx := context.Background()

	if err := p.Authenticate(ctx, "g1@example.com", "pw"); !errors.Is(err, ErrStageOrder) {
		t.Fatalf("expected stage order error, got %v", err)
	}
	if err := p.SelectProfile(ctx, "g1"); !errors.Is(err, ErrStageOrder) {
		t.Fatalf("expected stage order error, got %v", err)
	}
}

func TestDependentSelectionRequestsImmediateSync(t *testing.T) {
	dir := newFixture()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := statestore.New(client, "device")
	ctx := context.Background()

	var syncs int
	requester := func(context.Context) error {
		syncs++
		return nil
	}

	hc := guard.NewHouseholdContext(dir, store, slog.Default())
	p := New(dir, hc, store, slog.Default(), "device-1", true, requester)
	if err := p.SubmitInviteCode(ctx, "482193"); err != nil {
		t.Fatalf("submit code: %v", err)
	}
	if err := p.SelectProfile(ctx, "d1"); err != nil {
		t.Fatalf("select dependent: %v", err)
	}
	if syncs != 1 {
		t.Fatalf("expected one immediate sync request, got %d", syncs)
	}

	// A guardian device has no acting dependent; nothing to pull yet.
	hc2 := guard.NewHouseholdContext(dir, store, slog.Default())
	p2 := New(dir, hc2, store, slog.Default(), "device-2", false, requester)
	if err := p2.SubmitInviteCode(ctx, "482193"); err != nil {
		t.Fatalf("submit code: %v", err)
	}
	if err := p2.Authenticate(ctx, "g1@example.com", "pw"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := p2.SelectProfile(ctx, "g1"); err != nil {
		t.Fatalf("select guardian: %v", err)
	}
	if syncs != 1 {
		t.Fatalf("guardian selection must not request a sync, got %d", syncs)
	}
}
