package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/nestguard/nestguard/internal/shared"
)

// maxInviteAttempts bounds invite-code regeneration when the 6-digit space
// collides. With ~1e6 codes, hitting this limit means the directory is close
// to exhaustion and the error should surface.
const maxInviteAttempts = 5

// Service implements the household directory operations.
type Service struct {
	repo   Repository
	audit  *shared.AuditLogger
	logger *slog.Logger
}

// NewService constructs the directory service.
func NewService(repo Repository, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, logger: logger}
}

// ErrMembershipPending marks a household that was created but whose creator's
// membership registration failed. The household is valid; callers retry
// RegisterMembership, which is idempotent.
var ErrMembershipPending = errors.New("household created, membership registration pending")

// CreateHousehold creates a household with a fresh invite code and registers
// the creator as a guardian member.
//
// A unique-violation on the invite code triggers regeneration, not failure.
// Household creation and membership registration are not one transaction: if
// registration fails the household survives and the caller retries
// registration, signalled by ErrMembershipPending.
func (s *Service) CreateHousehold(ctx context.Context, name, creatorID string) (*Household, error) {
	name = normalizeName(name)
	if name == "" {
		return nil, fmt.Errorf("%w: household name is required", shared.ErrInvalid)
	}
	creator, err := s.repo.GetMember(ctx, creatorID)
	if err != nil {
		return nil, fmt.Errorf("resolve creator: %w", err)
	}
	if creator.Role != RoleGuardian {
		return nil, fmt.Errorf("%w: only guardians can create households", shared.ErrUnauthorized)
	}

	now := time.Now().UTC()
	h := Household{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: creatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var created bool
	for attempt := 0; attempt < maxInviteAttempts; attempt++ {
		h.InviteCode = GenerateInviteCode()
		err = s.repo.CreateHousehold(ctx, h)
		if err == nil {
			created = true
			break
		}
		if !errors.Is(err, shared.ErrConflict) {
			return nil, fmt.Errorf("create household: %w", err)
		}
		s.logger.Warn("invite code collision, regenerating", slog.Int("attempt", attempt+1))
	}
	if !created {
		return nil, fmt.Errorf("%w: could not allocate a unique invite code", shared.ErrConflict)
	}

	s.recordAudit(ctx, creatorID, shared.AuditHouseholdCreated, h.ID, nil)

	if err := s.RegisterMembership(ctx, h.ID, creatorID); err != nil {
		s.logger.Error("creator membership registration failed",
			slog.String("household_id", h.ID), slog.Any("error", err))
		return &h, fmt.Errorf("%w: %v", ErrMembershipPending, err)
	}
	return &h, nil
}

// RegisterMembership moves a member into a household. Safe to retry.
func (s *Service) RegisterMembership(ctx context.Context, householdID, memberID string) error {
	return s.repo.SetMemberHousehold(ctx, memberID, householdID)
}

// JoinHousehold resolves a household by invite code and registers the member.
func (s *Service) JoinHousehold(ctx context.Context, inviteCode, memberID string, role Role) (*Household, error) {
	inviteCode = NormalizeInviteCode(inviteCode)
	if err := ValidateInviteCode(inviteCode); err != nil {
		return nil, err
	}
	if !role.IsValid() {
		return nil, fmt.Errorf("%w: unknown role %q", shared.ErrInvalid, role)
	}

	h, err := s.repo.GetHouseholdByInviteCode(ctx, inviteCode)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: no household for invite code", shared.ErrNotFound)
		}
		return nil, fmt.Errorf("resolve invite code: %w", err)
	}

	if err := s.repo.SetMemberHousehold(ctx, memberID, h.ID); err != nil {
		return nil, fmt.Errorf("register membership: %w", err)
	}

	s.recordAudit(ctx, memberID, shared.AuditHouseholdJoined, h.ID, map[string]any{"role": string(role)})
	return h, nil
}

// VerifyInviteCode is a read-only existence check used to fail fast before a
// multi-step flow collects further input. Never mutates state.
func (s *Service) VerifyInviteCode(ctx context.Context, code string) (bool, error) {
	code = NormalizeInviteCode(code)
	if err := ValidateInviteCode(code); err != nil {
		return false, err
	}
	_, err := s.repo.GetHouseholdByInviteCode(ctx, code)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("verify invite code: %w", err)
	}
	return true, nil
}

// GetHouseholdByInviteCode resolves a household from its invite code.
func (s *Service) GetHouseholdByInviteCode(ctx context.Context, code string) (*Household, error) {
	code = NormalizeInviteCode(code)
	if err := ValidateInviteCode(code); err != nil {
		return nil, err
	}
	return s.repo.GetHouseholdByInviteCode(ctx, code)
}

// ListMembers returns every member of the household.
func (s *Service) ListMembers(ctx context.Context, householdID string) ([]Member, error) {
	return s.repo.ListMembers(ctx, householdID)
}

// ListDependents returns only dependent members of the household.
func (s *Service) ListDependents(ctx context.Context, householdID string) ([]Member, error) {
	return s.repo.ListDependents(ctx, householdID)
}

// GetMember fetches a single member record.
func (s *Service) GetMember(ctx context.Context, memberID string) (*Member, error) {
	return s.repo.GetMember(ctx, memberID)
}

// ResolveHouseholdForMember returns the household a member belongs to, or
// ErrNotFound when the member is not yet onboarded.
func (s *Service) ResolveHouseholdForMember(ctx context.Context, memberID string) (*Household, error) {
	m, err := s.repo.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if m.HouseholdID == nil {
		return nil, fmt.Errorf("%w: member has no household", shared.ErrNotFound)
	}
	return s.repo.GetHousehold(ctx, *m.HouseholdID)
}

// AddDependent creates a dependent profile inside the guardian's household.
func (s *Service) AddDependent(ctx context.Context, householdID, displayName string, age *int) (*Member, error) {
	displayName = normalizeName(displayName)
	if displayName == "" {
		return nil, fmt.Errorf("%w: display name is required", shared.ErrInvalid)
	}
	now := time.Now().UTC()
	m := Member{
		ID:          uuid.NewString(),
		HouseholdID: &householdID,
		Role:        RoleDependent,
		DisplayName: displayName,
		Age:         age,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateMember(ctx, m); err != nil {
		return nil, fmt.Errorf("create dependent: %w", err)
	}
	return &m, nil
}

// GetTargetSelection returns the blocked apps/categories/domains chosen for a
// dependent. A dependent with no selection yet gets an empty selection, not an
// error: devices treat it as "nothing blocked".
func (s *Service) GetTargetSelection(ctx context.Context, dependentID string) (*TargetSelection, error) {
	sel, err := s.repo.GetTargetSelection(ctx, dependentID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return &TargetSelection{DependentID: dependentID}, nil
		}
		return nil, err
	}
	return sel, nil
}

// SetTargetSelection stores the guardian-chosen restriction targets for a
// dependent, verifying the dependent exists and is a dependent.
func (s *Service) SetTargetSelection(ctx context.Context, sel TargetSelection) error {
	m, err := s.repo.GetMember(ctx, sel.DependentID)
	if err != nil {
		return fmt.Errorf("resolve dependent: %w", err)
	}
	if m.Role != RoleDependent {
		return fmt.Errorf("%w: restriction targets apply to dependents only", shared.ErrInvalid)
	}
	return s.repo.SetTargetSelection(ctx, sel)
}

// RecordDeviceBinding stores which profile a device is bound to, for support
// and audit. Failures are logged, not surfaced: the device-side binding is
// already durable locally and must not be blocked by directory bookkeeping.
func (s *Service) RecordDeviceBinding(ctx context.Context, deviceID, householdID, memberID string) {
	if deviceID == "" {
		return
	}
	if err := s.repo.RecordDeviceBinding(ctx, deviceID, householdID, memberID); err != nil {
		s.logger.Warn("record device binding", slog.String("device_id", deviceID), slog.Any("error", err))
	}
}

// RecordBindingDenial audits a device-binding attempt rejected by a security
// invariant. Reviewers need these alongside successful bindings to spot
// probing against invite codes.
func (s *Service) RecordBindingDenial(ctx context.Context, memberID, householdID, invariant string) {
	s.recordAudit(ctx, memberID, shared.AuditBindingDenied, householdID, map[string]any{"invariant": invariant})
}

// RecordAccessDenial audits a cross-household read rejection.
func (s *Service) RecordAccessDenial(ctx context.Context, memberID, householdID string) {
	s.recordAudit(ctx, memberID, shared.AuditAccessDenied, householdID, nil)
}

func (s *Service) recordAudit(ctx context.Context, actorID, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "household",
		EntityID: entityID,
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

// normalizeName NFC-normalizes human-entered names so lookups and display do
// not depend on the input method's codepoint composition.
func normalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}
