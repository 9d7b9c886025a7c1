package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nestguard/nestguard/internal/platform/db"
	"github.com/nestguard/nestguard/internal/shared"
)

// Repository defines persistence operations for the household directory.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	CreateHousehold(ctx context.Context, h Household) error
	GetHousehold(ctx context.Context, id string) (*Household, error)
	GetHouseholdByInviteCode(ctx context.Context, code string) (*Household, error)

	CreateMember(ctx context.Context, m Member) error
	GetMember(ctx context.Context, id string) (*Member, error)
	SetMemberHousehold(ctx context.Context, memberID, householdID string) error
	ListMembers(ctx context.Context, householdID string) ([]Member, error)
	ListDependents(ctx context.Context, householdID string) ([]Member, error)

	GetTargetSelection(ctx context.Context, dependentID string) (*TargetSelection, error)
	SetTargetSelection(ctx context.Context, sel TargetSelection) error

	RecordDeviceBinding(ctx context.Context, deviceID, householdID, memberID string) error
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

type repository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL-backed directory repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
}

func (r *repository) CreateHousehold(ctx context.Context, h Household) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO households (id, name, invite_code, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, h.ID, h.Name, h.InviteCode, h.CreatedBy, h.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: invite code already in use", shared.ErrConflict)
		}
		return err
	}
	return nil
}

func (r *repository) GetHousehold(ctx context.Context, id string) (*Household, error) {
	return r.scanHousehold(r.db.QueryRow(ctx, `
		SELECT id, name, invite_code, created_by, created_at, updated_at
		FROM households WHERE id = $1
	`, id))
}

func (r *repository) GetHouseholdByInviteCode(ctx context.Context, code string) (*Household, error) {
	return r.scanHousehold(r.db.QueryRow(ctx, `
		SELECT id, name, invite_code, created_by, created_at, updated_at
		FROM households WHERE invite_code = $1
	`, code))
}

func (r *repository) scanHousehold(row pgx.Row) (*Household, error) {
	var h Household
	var createdAt, updatedAt pgtype.Timestamptz
	err := row.Scan(&h.ID, &h.Name, &h.InviteCode, &h.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	h.CreatedAt = createdAt.Time
	h.UpdatedAt = updatedAt.Time
	return &h, nil
}

func (r *repository) CreateMember(ctx context.Context, m Member) error {
	var age pgtype.Int4
	if m.Age != nil {
		age = pgtype.Int4{Int32: int32(*m.Age), Valid: true}
	}
	var householdID pgtype.Text
	if m.HouseholdID != nil {
		householdID = pgtype.Text{String: *m.HouseholdID, Valid: true}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO members (id, household_id, role, display_name, age, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, m.ID, householdID, string(m.Role), m.DisplayName, age, m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: member already exists", shared.ErrConflict)
		}
		return err
	}
	return nil
}

func (r *repository) GetMember(ctx context.Context, id string) (*Member, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, household_id, role, display_name, age, created_at, updated_at
		FROM members WHERE id = $1
	`, id)
	return scanMember(row)
}

// SetMemberHousehold moves a member into a household. Re-running with the same
// pair is a no-op, which is what makes membership registration retryable after
// a partial createHousehold failure.
func (r *repository) SetMemberHousehold(ctx context.Context, memberID, householdID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE members SET household_id = $2, updated_at = NOW() WHERE id = $1
	`, memberID, householdID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repository) ListMembers(ctx context.Context, householdID string) ([]Member, error) {
	return r.listMembers(ctx, `
		SELECT id, household_id, role, display_name, age, created_at, updated_at
		FROM members WHERE household_id = $1 ORDER BY created_at
	`, householdID)
}

func (r *repository) ListDependents(ctx context.Context, householdID string) ([]Member, error) {
	return r.listMembers(ctx, `
		SELECT id, household_id, role, display_name, age, created_at, updated_at
		FROM members WHERE household_id = $1 AND role = 'dependent' ORDER BY created_at
	`, householdID)
}

func (r *repository) listMembers(ctx context.Context, query string, args ...interface{}) ([]Member, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

func scanMember(row pgx.Row) (*Member, error) {
	var m Member
	var householdID pgtype.Text
	var role string
	var age pgtype.Int4
	var createdAt, updatedAt pgtype.Timestamptz
	err := row.Scan(&m.ID, &householdID, &role, &m.DisplayName, &age, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	if householdID.Valid {
		m.HouseholdID = &householdID.String
	}
	m.Role = Role(role)
	if age.Valid {
		v := int(age.Int32)
		m.Age = &v
	}
	m.CreatedAt = createdAt.Time
	m.UpdatedAt = updatedAt.Time
	return &m, nil
}

func (r *repository) GetTargetSelection(ctx context.Context, dependentID string) (*TargetSelection, error) {
	var sel TargetSelection
	var updatedAt pgtype.Timestamptz
	err := r.db.QueryRow(ctx, `
		SELECT dependent_id, blocked_apps, blocked_categories, blocked_domains, updated_at
		FROM restriction_targets WHERE dependent_id = $1
	`, dependentID).Scan(&sel.DependentID, &sel.BlockedApps, &sel.BlockedCategories, &sel.BlockedDomains, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	sel.UpdatedAt = updatedAt.Time
	return &sel, nil
}

func (r *repository) SetTargetSelection(ctx context.Context, sel TargetSelection) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO restriction_targets (dependent_id, blocked_apps, blocked_categories, blocked_domains, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (dependent_id) DO UPDATE SET
			blocked_apps = EXCLUDED.blocked_apps,
			blocked_categories = EXCLUDED.blocked_categories,
			blocked_domains = EXCLUDED.blocked_domains,
			updated_at = NOW()
	`, sel.DependentID, sel.BlockedApps, sel.BlockedCategories, sel.BlockedDomains)
	return err
}

// RecordDeviceBinding upserts the directory's view of which profile a device
// operates as. One row per device; a re-bind overwrites the previous row.
func (r *repository) RecordDeviceBinding(ctx context.Context, deviceID, householdID, memberID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO device_bindings (device_id, household_id, member_id, bound_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			household_id = EXCLUDED.household_id,
			member_id = EXCLUDED.member_id,
			bound_at = NOW()
	`, deviceID, householdID, memberID)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
