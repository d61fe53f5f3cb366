package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
)

// SessionRepo defines the interface for refresh-session repository operations
type SessionRepo interface {
	Create(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time, ip, userAgent *string) (uuid.UUID, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (model.Session, error)
	FindByTokenHashIncludeRevoked(ctx context.Context, tokenHash string) (model.Session, error)
	RevokeAndSetReplacedBy(ctx context.Context, sessionID, replacedBy uuid.UUID) error
	Revoke(ctx context.Context, sessionID uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
}

type sessionRepo struct {
	db *sql.DB
}

// NewSessionRepo creates a new SessionRepo instance
func NewSessionRepo(db *sql.DB) SessionRepo {
	return &sessionRepo{db: db}
}

const sessionColumns = `
	id, user_id, token_hash, ip, user_agent, created_at, expires_at,
	revoked_at, replaced_by`

func scanSession(row rowScanner) (model.Session, error) {
	var s model.Session
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.TokenHash,
		&s.IP,
		&s.UserAgent,
		&s.CreatedAt,
		&s.ExpiresAt,
		&s.RevokedAt,
		&s.ReplacedBy,
	)
	return s, err
}

// Create inserts a new session record for a rotated refresh token.
func (r *sessionRepo) Create(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time, ip, userAgent *string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (user_id, token_hash, expires_at, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, userID, tokenHash, expiresAt, ip, userAgent).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// FindByTokenHash returns the session if it exists, is not revoked, and not expired
func (r *sessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (model.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+sessionColumns+`
		FROM sessions
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()
	`, tokenHash)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, fmt.Errorf("active session: %w", ErrNotFound)
		}
		return model.Session{}, fmt.Errorf("find session: %w", err)
	}
	return s, nil
}

// FindByTokenHashIncludeRevoked returns the session regardless of revocation status (used for reuse detection)
func (r *sessionRepo) FindByTokenHashIncludeRevoked(ctx context.Context, tokenHash string) (model.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+sessionColumns+`
		FROM sessions
		WHERE token_hash = $1
	`, tokenHash)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, fmt.Errorf("session: %w", ErrNotFound)
		}
		return model.Session{}, fmt.Errorf("find session: %w", err)
	}
	return s, nil
}

// RevokeAndSetReplacedBy sets revoked_at and replaced_by for the session
func (r *sessionRepo) RevokeAndSetReplacedBy(ctx context.Context, sessionID, replacedBy uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET revoked_at = now(), replaced_by = $2
		WHERE id = $1
	`, sessionID, replacedBy)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke sets revoked_at for the session
func (r *sessionRepo) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = now() WHERE id = $1
	`, sessionID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAllForUser revokes every active session for a user, the response to
// refresh-token reuse and to a committed password reset.
func (r *sessionRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL
	`, userID)
	if err != nil {
		return fmt.Errorf("revoke all sessions for user: %w", err)
	}
	return nil
}
