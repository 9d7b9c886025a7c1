// Package binding implements the device role-binding protocol: the staged,
// retryable flow that takes a device from an invite code to an active
// household binding.
package binding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nestguard/nestguard/internal/dirclient"
	"github.com/nestguard/nestguard/internal/directory"
	"github.com/nestguard/nestguard/internal/guard"
	"github.com/nestguard/nestguard/internal/shared"
	"github.com/nestguard/nestguard/internal/statestore"
)

// Stage identifies where in the protocol a device currently is. Each stage
// can fail and be retried on its own; earlier stages are not redone.
type Stage int

const (
	StageEnterInviteCode Stage = iota
	StageAuthenticate
	StageSelectProfile
	StageBound
)

func (s Stage) String() string {
	switch s {
	case StageAuthenticate:
		return "authenticate"
	case StageSelectProfile:
		return "select-profile"
	case StageBound:
		return "bound"
	default:
		return "enter-invite-code"
	}
}

// The three security invariants checked after authentication. Any violation
// tears down the session: holding a valid-but-wrong-tenant session is the
// primary threat this protocol defends against.
var (
	ErrNotGuardian = fmt.Errorf("%w: this credential is not a guardian account", shared.ErrUnauthorized)
	ErrNoHousehold = fmt.Errorf("%w: this account is not associated with any household", shared.ErrUnauthorized)
	// ErrWrongHousehold is the anti-leakage check: valid guardian credentials
	// for household A must not bind a device onto household B's invite code.
	ErrWrongHousehold = fmt.Errorf("%w: this account belongs to a different household", shared.ErrUnauthorized)
)

// ErrStageOrder reports a call that does not match the current stage.
var ErrStageOrder = errors.New("binding: operation does not match current stage")

// Statestore keys persisted when the protocol completes.
const (
	keyDeviceMode         = "device_mode"
	keyOnboardingComplete = "onboarding_complete"
)

// SyncRequester asks the agent's queue for an immediate restriction-target
// pull, so a fresh binding is enforced before the periodic sync fires.
type SyncRequester func(ctx context.Context) error

// Protocol drives one device's binding flow. Not safe for concurrent use;
// the flow is inherently sequential, one stage awaited at a time.
type Protocol struct {
	dir      dirclient.Directory
	guard    *guard.HouseholdContext
	store    *statestore.Store
	logger   *slog.Logger
	deviceID string
	syncNow  SyncRequester

	// dependentPath devices skip authentication entirely: dependents hold no
	// credential, so possession of the invite code is the gate.
	dependentPath bool

	stage      Stage
	inviteCode string
	household  *directory.Household
	guardian   *directory.Member
}

// New constructs a Protocol at the invite-code stage. syncNow may be nil.
func New(dir dirclient.Directory, g *guard.HouseholdContext, store *statestore.Store, logger *slog.Logger, deviceID string, dependentPath bool, syncNow SyncRequester) *Protocol {
	return &Protocol{
		dir:           dir,
		guard:         g,
		store:         store,
		logger:        logger,
		deviceID:      deviceID,
		dependentPath: dependentPath,
		syncNow:       syncNow,
	}
}

// Stage returns the current protocol stage.
func (p *Protocol) Stage() Stage {
	return p.stage
}

// Household returns the household resolved from the invite code, once known.
func (p *Protocol) Household() *directory.Household {
	return p.household
}

// SubmitInviteCode verifies the code against the directory and advances. On
// any failure the protocol stays at this stage for re-entry.
func (p *Protocol) SubmitInviteCode(ctx context.Context, code string) error {
	if p.stage != StageEnterInviteCode {
		return ErrStageOrder
	}
	code = directory.NormalizeInviteCode(code)
	if err := directory.ValidateInviteCode(code); err != nil {
		return err
	}
	ok, err := p.dir.VerifyInviteCode(ctx, code)
	if err != nil {
		return fmt.Errorf("verify invite code: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: no household for invite code", shared.ErrNotFound)
	}
	household, err := p.dir.GetHouseholdByInviteCode(ctx, code)
	if err != nil {
		return fmt.Errorf("resolve household: %w", err)
	}

	p.inviteCode = code
	p.household = household
	if p.dependentPath {
		p.stage = StageSelectProfile
	} else {
		p.stage = StageAuthenticate
	}
	return nil
}

// Authenticate signs a guardian in and enforces the three security
// invariants, in order. A violation signs the session out immediately: the
// invite code and stage survive, the credentials do not.
func (p *Protocol) Authenticate(ctx context.Context, email, password string) error {
	if p.stage != StageAuthenticate {
		return ErrStageOrder
	}
	member, err := p.dir.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	// 1. Role invariant.
	if member.Role != directory.RoleGuardian {
		p.signOut(ctx, "role", member.ID)
		return ErrNotGuardian
	}
	// 2. Tenancy invariant.
	if member.HouseholdID == nil {
		p.signOut(ctx, "tenancy", member.ID)
		return ErrNoHousehold
	}
	// 3. Cross-tenant invariant.
	if *member.HouseholdID != p.household.ID {
		p.signOut(ctx, "cross-tenant", member.ID)
		return ErrWrongHousehold
	}

	p.guardian = member
	p.stage = StageSelectProfile
	return nil
}

// Roster lists the profiles selectable at the profile stage. The guardian
// path reads the authenticated roster; the dependent path reads the
// invite-code-scoped roster, since it never holds a session.
func (p *Protocol) Roster(ctx context.Context) ([]directory.Member, error) {
	if p.stage != StageSelectProfile {
		return nil, ErrStageOrder
	}
	if p.dependentPath {
		return p.dir.RosterByInviteCode(ctx, p.inviteCode)
	}
	return p.dir.ListMembers(ctx, p.household.ID)
}

// SelectProfile picks the acting identity and completes the binding: the
// directory confirms the bind, the isolation guard activates the household,
// and the device mode is persisted so returning members skip redundant
// onboarding.
//
// The dependent path may only select dependent profiles. This is enforced
// here and again by the directory, not by hiding options in a UI.
func (p *Protocol) SelectProfile(ctx context.Context, memberID string) error {
	if p.stage != StageSelectProfile {
		return ErrStageOrder
	}

	roster, err := p.Roster(ctx)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	var selected *directory.Member
	for i := range roster {
		if roster[i].ID == memberID {
			selected = &roster[i]
			break
		}
	}
	if selected == nil {
		return fmt.Errorf("%w: profile not in household roster", shared.ErrNotFound)
	}
	if p.dependentPath && selected.Role != directory.RoleDependent {
		return fmt.Errorf("%w: dependent devices cannot act as a guardian profile", shared.ErrUnauthorized)
	}

	if _, err := p.dir.BindDevice(ctx, p.inviteCode, selected.ID, p.deviceID); err != nil {
		return fmt.Errorf("bind device: %w", err)
	}

	guardianID := ""
	if p.guardian != nil {
		guardianID = p.guardian.ID
	}
	if err := p.guard.Bind(ctx, p.household.ID, guardianID); err != nil {
		return fmt.Errorf("bind household: %w", err)
	}
	mode := "guardian"
	if selected.Role == directory.RoleDependent {
		mode = "dependent"
		if err := p.guard.SetActiveDependent(ctx, selected.ID); err != nil {
			return fmt.Errorf("set active dependent: %w", err)
		}
	}

	if err := p.store.Set(ctx, keyDeviceMode, []byte(mode)); err != nil {
		p.logger.Warn("persist device mode", slog.Any("error", err))
	}
	if err := p.store.Set(ctx, keyOnboardingComplete, []byte("1")); err != nil {
		p.logger.Warn("persist onboarding flag", slog.Any("error", err))
	}

	// Best effort: pull targets now instead of waiting for the periodic
	// sync. Enforcement still fails open until the snapshot arrives.
	if p.syncNow != nil && selected.Role == directory.RoleDependent {
		if err := p.syncNow(ctx); err != nil {
			p.logger.Warn("request immediate target sync", slog.Any("error", err))
		}
	}

	p.stage = StageBound
	return nil
}

// Reset returns the protocol to the invite-code stage, e.g. when the user
// backs out entirely.
func (p *Protocol) Reset() {
	p.stage = StageEnterInviteCode
	p.inviteCode = ""
	p.household = nil
	p.guardian = nil
}

// signOut tears down the authenticated session after an invariant violation.
// Onboarding progress (the verified invite code) is kept; only the
// credentials must be re-entered.
func (p *Protocol) signOut(ctx context.Context, invariant, memberID string) {
	p.logger.Warn("binding denied, signing out",
		slog.String("invariant", invariant),
		slog.String("member_id", memberID))
	if err := p.dir.Logout(ctx); err != nil {
		// The local token is already cleared; a dangling server session
		// expires by TTL.
		p.logger.Warn("logout after denial", slog.Any("error", err))
	}
	p.guardian = nil
}
