package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyfold/server/internal/audit"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/repo"
	"github.com/keyfold/server/internal/token"
)

// RefreshTokens rotates a refresh token. The presented token's record is
// revoked and linked to its replacement, and a fresh access token is minted.
// Presenting an already-rotated token is treated as theft: every session for
// the user is revoked.
func (s *Service) RefreshTokens(ctx context.Context, presented string, meta Meta) (SessionResult, error) {
	if presented == "" {
		return SessionResult{}, ErrInvalidToken
	}
	hash := token.HashRefreshToken(presented)

	sess, err := s.sessions.FindByTokenHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return SessionResult{}, fmt.Errorf("find session: %w", err)
		}
		return SessionResult{}, s.handleRefreshMiss(ctx, hash, meta)
	}

	user, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return SessionResult{}, fmt.Errorf("load user: %w", err)
	}
	if user.Status != model.StatusActive {
		return SessionResult{}, ErrAccountInactive
	}

	access, err := s.tokens.IssueSession(user)
	if err != nil {
		return SessionResult{}, fmt.Errorf("issue session token: %w", err)
	}

	refresh, newHash, err := token.GenerateRefreshToken()
	if err != nil {
		return SessionResult{}, fmt.Errorf("generate refresh token: %w", err)
	}

	newID, err := s.sessions.Create(ctx, user.ID, newHash, time.Now().Add(token.RefreshTTL), optional(meta.IP), optional(meta.UserAgent))
	if err != nil {
		return SessionResult{}, fmt.Errorf("create session: %w", err)
	}

	if err := s.sessions.RevokeAndSetReplacedBy(ctx, sess.ID, newID); err != nil {
		return SessionResult{}, fmt.Errorf("rotate session: %w", err)
	}

	s.audit.Record(ctx, audit.ActionSessionRefreshed, s.event(user, meta, ""))

	return SessionResult{User: user, AccessToken: access, RefreshToken: refresh}, nil
}

// handleRefreshMiss distinguishes an unknown token from a rotated one. A
// rotated token means the value leaked somewhere, so the whole session
// family is revoked.
func (s *Service) handleRefreshMiss(ctx context.Context, hash string, meta Meta) error {
	old, err := s.sessions.FindByTokenHashIncludeRevoked(ctx, hash)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInvalidToken
		}
		return fmt.Errorf("find revoked session: %w", err)
	}

	if old.RevokedAt == nil {
		// Known but past its expiry: a stale client, not theft.
		return ErrSessionExpired
	}

	if err := s.sessions.RevokeAllForUser(ctx, old.UserID); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}

	uid := old.UserID
	s.audit.Record(ctx, audit.ActionRefreshReuse, audit.Event{UserID: &uid, IP: meta.IP, UserAgent: meta.UserAgent})

	return ErrRefreshReuseDetected
}

// Logout revokes the presented session record. It is best-effort: the
// client's cookies are cleared regardless, so failures are only logged.
func (s *Service) Logout(ctx context.Context, refreshToken, accessToken string, meta Meta) {
	if refreshToken != "" {
		hash := token.HashRefreshToken(refreshToken)
		sess, err := s.sessions.FindByTokenHashIncludeRevoked(ctx, hash)
		if err == nil {
			if sess.RevokedAt == nil {
				if err := s.sessions.Revoke(ctx, sess.ID); err != nil {
					slog.Error("logout: revoke session failed", "source", "auth", "error", err.Error())
				}
			}
			uid := sess.UserID
			s.audit.Record(ctx, audit.ActionLogout, audit.Event{UserID: &uid, IP: meta.IP, UserAgent: meta.UserAgent})
			return
		}
		if !errors.Is(err, repo.ErrNotFound) {
			slog.Error("logout: find session failed", "source", "auth", "error", err.Error())
		}
	}

	// No refresh record to revoke. Note who signed out if the access token
	// is readable; this is attribution only, never an authorization call.
	if claims := s.tokens.DecodeUnsafe(accessToken); claims != nil {
		uid := claims.UserID
		s.audit.Record(ctx, audit.ActionLogout, audit.Event{UserID: &uid, Email: claims.Email, IP: meta.IP, UserAgent: meta.UserAgent})
	}
}
