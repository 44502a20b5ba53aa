package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/otpauth/otpauth-api/internal/database"
)

var (
	ErrNotFound    = errors.New("user not found")
	ErrNotVerified = errors.New("email not verified")
	ErrDeleted     = errors.New("user has been deleted")
)

// Repository handles user data persistence.
// All email arguments are normalized before they reach the database.
type Repository struct {
	db bun.IDB
}

func NewRepository(db bun.IDB) *Repository {
	return &Repository{db: db}
}

// RunInTx runs fn inside a single database transaction. The repository passed
// to fn is bound to that transaction; any error returned by fn rolls back
// every write it made.
func (r *Repository) RunInTx(ctx context.Context, fn func(ctx context.Context, repo *Repository) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &Repository{db: tx})
	})
}

// FindByEmail retrieves a user by email
func (r *Repository) FindByEmail(ctx context.Context, email string) (*User, error) {
	dbUser := new(database.User)
	err := r.db.NewSelect().
		Model(dbUser).
		Where("email = ?", NormalizeEmail(email)).
		Where("is_deleted = ?", false).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	return mapDBUserToModel(dbUser), nil
}

// CreateIfAbsent returns the user for email, inserting it first when it does
// not exist. The unique constraint on email decides concurrent inserts: the
// losing insert is a no-op and the following select returns the winner's row.
// A soft-deleted row keeps its email, so it yields ErrDeleted.
func (r *Repository) CreateIfAbsent(ctx context.Context, email string) (*User, error) {
	email = NormalizeEmail(email)
	now := time.Now().UTC()

	dbUser := &database.User{
		ID:        uuid.New(),
		Email:     email,
		Status:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.db.NewInsert().
		Model(dbUser).
		On("CONFLICT (email) DO NOTHING").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	u, err := r.FindByEmail(ctx, email)
	if !errors.Is(err, ErrNotFound) {
		return u, err
	}

	// the insert was skipped, so the email belongs to a soft-deleted row
	deleted, err := r.db.NewSelect().
		Model((*database.User)(nil)).
		Where("email = ?", email).
		Where("is_deleted = ?", true).
		Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check deleted user: %w", err)
	}
	if deleted {
		return nil, ErrDeleted
	}
	return nil, ErrNotFound
}

// MarkVerified sets email_verified for the user and returns the updated row
func (r *Repository) MarkVerified(ctx context.Context, email string) (*User, error) {
	email = NormalizeEmail(email)

	result, err := r.db.NewUpdate().
		Model((*database.User)(nil)).
		Set("email_verified = ?", true).
		Set("updated_at = ?", time.Now().UTC()).
		Where("email = ?", email).
		Where("is_deleted = ?", false).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to mark email as verified: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	return r.FindByEmail(ctx, email)
}

// CompleteRegistration stores the profile names and marks the user registered.
// Only verified users can register.
func (r *Repository) CompleteRegistration(ctx context.Context, email, firstName, lastName string) (*User, error) {
	existing, err := r.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !existing.EmailVerified {
		return nil, ErrNotVerified
	}

	result, err := r.db.NewUpdate().
		Model((*database.User)(nil)).
		Set("first_name = ?", firstName).
		Set("last_name = ?", lastName).
		Set("registered = ?", true).
		Set("updated_by = ?", existing.ID).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", existing.ID).
		Where("email_verified = ?", true).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to complete registration: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	// The row changed between the read and the update
	if rowsAffected == 0 {
		return nil, ErrNotVerified
	}

	return r.FindByEmail(ctx, existing.Email)
}

// mapDBUserToModel converts database model to domain model
func mapDBUserToModel(dbu *database.User) *User {
	u := &User{
		ID:            dbu.ID,
		Email:         dbu.Email,
		EmailVerified: dbu.EmailVerified,
		Registered:    dbu.Registered,
		Status:        dbu.Status,
		CreatedAt:     dbu.CreatedAt,
		UpdatedAt:     dbu.UpdatedAt,
	}
	if dbu.FirstName != nil {
		u.FirstName = *dbu.FirstName
	}
	if dbu.LastName != nil {
		u.LastName = *dbu.LastName
	}

	return u
}
