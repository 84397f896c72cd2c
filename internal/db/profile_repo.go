package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"aitextspeak/internal/types"
)

// ProfileRepo reads the user directory and writes the single entitlement
// field the billing core owns: profiles.role.
type ProfileRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewProfileRepo creates a ProfileRepo.
func NewProfileRepo(db DBTX, logger *slog.Logger) *ProfileRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileRepo{db: db, logger: logger}
}

// GetByID fetches a profile by user ID.
func (r *ProfileRepo) GetByID(ctx context.Context, userID string) (*types.Profile, error) {
	var p types.Profile
	err := r.db.QueryRow(ctx,
		`SELECT id, email, role FROM profiles WHERE id = $1`,
		userID,
	).Scan(&p.UserID, &p.Email, &p.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user profile not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to fetch profile", err)
	}
	return &p, nil
}

// GetByEmailInsensitive fetches a profile by email, case-insensitively.
// Provider-reported payer emails vary in casing from what users signed up with.
func (r *ProfileRepo) GetByEmailInsensitive(ctx context.Context, email string) (*types.Profile, error) {
	var p types.Profile
	err := r.db.QueryRow(ctx,
		`SELECT id, email, role FROM profiles WHERE LOWER(email) = LOWER($1)`,
		email,
	).Scan(&p.UserID, &p.Email, &p.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "no profile for email", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to fetch profile by email", err)
	}
	return &p, nil
}

// Grant sets the user's role to the granted entitlement. Grants apply
// unconditionally, including to admins (a no-op in practice since admin
// already implies full access, but never an error).
func (r *ProfileRepo) Grant(ctx context.Context, userID string, role types.UserRole) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE profiles SET role = $1, updated_at = NOW() WHERE id = $2 AND role <> $3`,
		role, userID, types.RoleAdmin,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to grant role", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the user does not exist or is an admin. Distinguish so
		// callers can surface genuinely missing users.
		exists, exErr := r.exists(ctx, userID)
		if exErr != nil {
			return exErr
		}
		if !exists {
			return types.NewAppError(types.ErrCodeNotFoundUser, "user profile not found", nil)
		}
	}
	return nil
}

// Revoke downgrades the user's role to the base tier. The admin guard lives
// in the query itself so no code path, including the sweep, can demote an
// admin.
func (r *ProfileRepo) Revoke(ctx context.Context, userID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE profiles SET role = $1, updated_at = NOW() WHERE id = $2 AND role <> $3`,
		types.RoleUser, userID, types.RoleAdmin,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to revoke role", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.DebugContext(ctx, "role revoke was a no-op", "user_id", userID)
	}
	return nil
}

func (r *ProfileRepo) exists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM profiles WHERE id = $1)`,
		userID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check profile existence", err)
	}
	return exists, nil
}
