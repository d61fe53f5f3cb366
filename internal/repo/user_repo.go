package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
	"github.com/lib/pq"
)

// Sentinel errors shared by the repositories.
var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
)

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	Create(ctx context.Context, email, name, passwordHash string, role model.Role) (model.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetOrCreateOAuth(ctx context.Context, email, name, provider string) (model.User, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	EnableTOTP(ctx context.Context, id uuid.UUID, secretEnc string, backupCodes []string) error
	DisableTOTP(ctx context.Context, id uuid.UUID) error
	ReplaceBackupCodes(ctx context.Context, id uuid.UUID, codes []string) error
	ConsumeBackupCode(ctx context.Context, id uuid.UUID, codeEnc string) (bool, error)
	RecordTOTPFailure(ctx context.Context, id uuid.UUID, threshold int, lockUntil time.Time) (int, *time.Time, error)
	ResetTOTPFailures(ctx context.Context, id uuid.UUID) error
	ClaimTOTPWindow(ctx context.Context, id uuid.UUID, usedAt, windowStart time.Time) (bool, error)
	SetStatus(ctx context.Context, id uuid.UUID, status model.Status) error
	List(ctx context.Context, limit, offset int) ([]model.User, error)
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

const userColumns = `
	id, email, name, password_hash, role, status, oauth_provider,
	totp_enabled, totp_secret_enc, backup_codes, failed_totp_attempts,
	totp_locked_until, totp_last_used_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.PasswordHash,
		&user.Role,
		&user.Status,
		&user.OAuthProvider,
		&user.TOTPEnabled,
		&user.TOTPSecretEnc,
		pq.Array(&user.BackupCodes),
		&user.FailedTOTPAttempts,
		&user.TOTPLockedUntil,
		&user.TOTPLastUsedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

// Create inserts a new local-credential user. A duplicate email returns
// ErrEmailTaken.
func (r *userRepo) Create(ctx context.Context, email, name, passwordHash string, role model.Role) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (email, name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING`+userColumns,
		email, name, passwordHash, role)

	user, err := scanUser(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return model.User{}, ErrEmailTaken
		}
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// GetByEmail retrieves a user by email
func (r *userRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+userColumns+` FROM users WHERE email = $1`, email)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, fmt.Errorf("user by email: %w", ErrNotFound)
		}
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// GetOrCreateOAuth retrieves the user for a provider email or creates one
// if it doesn't exist. Existing accounts are returned unchanged.
func (r *userRepo) GetOrCreateOAuth(ctx context.Context, email, name, provider string) (model.User, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (email, name, password_hash, role, oauth_provider)
		VALUES ($1, $2, '', $3, $4)
		ON CONFLICT (email) DO NOTHING
	`, email, name, model.RoleUser, provider)
	if err != nil {
		return model.User{}, fmt.Errorf("insert oauth user: %w", err)
	}

	return r.GetByEmail(ctx, email)
}

// UpdatePassword replaces the stored password hash.
func (r *userRepo) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1
	`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnableTOTP stores the encrypted secret and backup codes and clears any
// stale failure state from an earlier enrollment.
func (r *userRepo) EnableTOTP(ctx context.Context, id uuid.UUID, secretEnc string, backupCodes []string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET totp_enabled = TRUE, totp_secret_enc = $2, backup_codes = $3,
		    failed_totp_attempts = 0, totp_locked_until = NULL, updated_at = now()
		WHERE id = $1
	`, id, secretEnc, pq.Array(backupCodes))
	if err != nil {
		return fmt.Errorf("enable totp: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DisableTOTP removes the secret, backup codes and all factor state.
func (r *userRepo) DisableTOTP(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET totp_enabled = FALSE, totp_secret_enc = NULL, backup_codes = '{}',
		    failed_totp_attempts = 0, totp_locked_until = NULL, totp_last_used_at = NULL,
		    updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("disable totp: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceBackupCodes swaps the whole list, invalidating every earlier code.
func (r *userRepo) ReplaceBackupCodes(ctx context.Context, id uuid.UUID, codes []string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET backup_codes = $2, updated_at = now() WHERE id = $1
	`, id, pq.Array(codes))
	if err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeBackupCode removes exactly one stored envelope. The guard makes
// concurrent submissions of the same code race to a single winner.
func (r *userRepo) ConsumeBackupCode(ctx context.Context, id uuid.UUID, codeEnc string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET backup_codes = array_remove(backup_codes, $2), updated_at = now()
		WHERE id = $1 AND $2 = ANY(backup_codes)
	`, id, codeEnc)
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// RecordTOTPFailure bumps the failure counter and, when it reaches
// threshold, sets the lock in the same statement. Returns the new counter
// and the lock expiry if one is active.
func (r *userRepo) RecordTOTPFailure(ctx context.Context, id uuid.UUID, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	var attempts int
	var lockedUntil *time.Time
	err := r.db.QueryRowContext(ctx, `
		UPDATE users
		SET failed_totp_attempts = failed_totp_attempts + 1,
		    totp_locked_until = CASE
		        WHEN failed_totp_attempts + 1 >= $2 THEN $3
		        ELSE totp_locked_until
		    END,
		    updated_at = now()
		WHERE id = $1
		RETURNING failed_totp_attempts, totp_locked_until
	`, id, threshold, lockUntil).Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, fmt.Errorf("record totp failure: %w", err)
	}
	return attempts, lockedUntil, nil
}

// ResetTOTPFailures clears the counter and any lock after a success.
func (r *userRepo) ResetTOTPFailures(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_totp_attempts = 0, totp_locked_until = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("reset totp failures: %w", err)
	}
	return nil
}

// ClaimTOTPWindow marks the current time step used. It reports false when
// an earlier success already claimed a step at or after windowStart, which
// stops a captured code from being replayed within its validity window.
func (r *userRepo) ClaimTOTPWindow(ctx context.Context, id uuid.UUID, usedAt, windowStart time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET totp_last_used_at = $2, updated_at = now()
		WHERE id = $1 AND (totp_last_used_at IS NULL OR totp_last_used_at < $3)
	`, id, usedAt, windowStart)
	if err != nil {
		return false, fmt.Errorf("claim totp window: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// SetStatus activates or disables an account.
func (r *userRepo) SetStatus(ctx context.Context, id uuid.UUID, status model.Status) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns users newest first.
func (r *userRepo) List(ctx context.Context, limit, offset int) ([]model.User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+userColumns+`
		FROM users
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}
