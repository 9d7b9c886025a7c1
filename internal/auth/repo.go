package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nestguard/nestguard/internal/shared"
)

// Repository defines persistence operations for guardian credentials.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*Credential, error)
	Create(ctx context.Context, cred Credential) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindByEmail fetches a credential by email.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*Credential, error) {
	var cred Credential
	var createdAt, updatedAt pgtype.Timestamptz
	err := r.pool.QueryRow(ctx, `
		SELECT member_id, email, password_hash, is_active, created_at, updated_at
		FROM guardian_credentials WHERE email = $1
	`, email).Scan(&cred.MemberID, &cred.Email, &cred.PasswordHash, &cred.IsActive, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	cred.CreatedAt = createdAt.Time
	cred.UpdatedAt = updatedAt.Time
	return &cred, nil
}

// Create persists a new credential.
func (r *PGRepository) Create(ctx context.Context, cred Credential) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO guardian_credentials (member_id, email, password_hash, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, cred.MemberID, cred.Email, cred.PasswordHash, cred.IsActive)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: email already registered", shared.ErrConflict)
		}
		return err
	}
	return nil
}

var _ Repository = (*PGRepository)(nil)
