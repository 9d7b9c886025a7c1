package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nestguard/nestguard/internal/directory"
	"github.com/nestguard/nestguard/internal/shared"
)

// Service wraps guardian authentication business rules.
type Service struct {
	repo    Repository
	members directory.Repository
}

// NewService constructs a new Service.
func NewService(repo Repository, members directory.Repository) *Service {
	return &Service{repo: repo, members: members}
}

// SignUp registers a guardian: a member record with no household yet, plus a
// credential. The household is attached later by create or join.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (*directory.Member, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", shared.ErrInvalid)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	member := directory.Member{
		ID:          uuid.NewString(),
		Role:        directory.RoleGuardian,
		DisplayName: displayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.members.CreateMember(ctx, member); err != nil {
		return nil, fmt.Errorf("create member: %w", err)
	}
	if err := s.repo.Create(ctx, Credential{
		MemberID:     member.ID,
		Email:        email,
		PasswordHash: string(hash),
		IsActive:     true,
	}); err != nil {
		return nil, err
	}
	return &member, nil
}

// Authenticate validates email/password credentials and returns the guardian's
// member record. All failure modes collapse into ErrInvalidCredentials so the
// response does not reveal which part was wrong.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*directory.Member, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	cred, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", shared.ErrUnavailable, err)
	}
	if !cred.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return s.members.GetMember(ctx, cred.MemberID)
}
