package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/keyfold/server/internal/audit"
	"github.com/keyfold/server/internal/crypto"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/ratelimit"
	"github.com/keyfold/server/internal/repo"
	"github.com/keyfold/server/internal/token"
)

// ResetStart is the response to a password-reset request: an identity-proof
// token and the factor that must verify it.
type ResetStart struct {
	ResetToken string
	Method     token.Method
}

// RequestPasswordReset begins the forgot-password flow. TOTP-enrolled
// accounts prove the reset with their authenticator and receive no mail;
// everyone else gets an email code. Unknown emails receive a decoy token so
// the response never confirms whether an account exists.
func (s *Service) RequestPasswordReset(ctx context.Context, email, captchaToken string, meta Meta) (ResetStart, error) {
	email = normalizeEmail(email)

	if err := s.checkCaptcha(ctx, captchaToken, meta.IP); err != nil {
		return ResetStart{}, err
	}
	if !s.limiter.Allow(ratelimit.ResetKey(email)) {
		return ResetStart{}, ErrRateLimited
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.audit.Record(ctx, audit.ActionResetRequested, audit.Event{Email: email, IP: meta.IP, UserAgent: meta.UserAgent, Detail: "unknown email"})
			return s.decoyResetStart(email)
		}
		return ResetStart{}, fmt.Errorf("load user: %w", err)
	}

	method := token.MethodOTP
	if user.TOTPEnabled {
		method = token.MethodTOTP
	} else {
		code, err := s.otps.Issue(ctx, resetOTPKey(email))
		if err != nil {
			return ResetStart{}, fmt.Errorf("issue reset otp: %w", err)
		}
		if err := s.mailer.SendResetCode(ctx, user.Email, code); err != nil {
			return ResetStart{}, fmt.Errorf("%w: send reset code: %v", ErrDownstream, err)
		}
	}

	resetToken, err := s.tokens.IssueReset(user, method)
	if err != nil {
		return ResetStart{}, fmt.Errorf("issue reset token: %w", err)
	}

	s.audit.Record(ctx, audit.ActionResetRequested, s.event(user, meta, string(method)))

	return ResetStart{ResetToken: resetToken, Method: method}, nil
}

// decoyResetStart mints a token for a nonexistent identity. It looks like a
// real one but can never verify: no code was issued for it and no account
// matches its subject.
func (s *Service) decoyResetStart(email string) (ResetStart, error) {
	decoy := model.User{ID: uuid.New(), Email: email, Role: model.RoleUser}
	resetToken, err := s.tokens.IssueReset(decoy, token.MethodOTP)
	if err != nil {
		return ResetStart{}, fmt.Errorf("issue reset token: %w", err)
	}
	return ResetStart{ResetToken: resetToken, Method: token.MethodOTP}, nil
}

// VerifyPasswordReset exchanges the reset token plus a valid factor proof
// for the single-use final token.
func (s *Service) VerifyPasswordReset(ctx context.Context, resetToken, code, backupCode string, meta Meta) (string, error) {
	claims, err := s.verifyResetToken(resetToken)
	if err != nil {
		return "", err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Decoy token for an unknown email.
			return "", ErrInvalidCode
		}
		return "", fmt.Errorf("load user: %w", err)
	}

	switch claims.Method {
	case token.MethodTOTP:
		if err := s.verifyFactor(ctx, &user, code, backupCode, meta); err != nil {
			return "", err
		}
	default:
		ok, err := s.otps.Verify(ctx, resetOTPKey(user.Email), code)
		if err != nil {
			return "", fmt.Errorf("verify reset otp: %w", err)
		}
		if !ok {
			s.audit.Record(ctx, audit.ActionOTPFailed, s.event(user, meta, "password reset"))
			return "", ErrInvalidCode
		}
	}

	final, jti, err := s.tokens.IssueResetFinal(user)
	if err != nil {
		return "", fmt.Errorf("issue final reset token: %w", err)
	}
	if err := s.ephemeral.Put(ctx, resetJTIKey(jti), "1", token.ResetFinalTTL); err != nil {
		return "", fmt.Errorf("register final reset token: %w", err)
	}

	s.audit.Record(ctx, audit.ActionResetVerified, s.event(user, meta, ""))

	return final, nil
}

// CommitPasswordReset consumes the final token and sets the new password.
// The token's jti is claimed before any write, so a second commit with the
// same token fails. All sessions for the user are revoked.
func (s *Service) CommitPasswordReset(ctx context.Context, finalToken, newPassword string, meta Meta) error {
	claims, err := s.tokens.Verify(finalToken)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrTokenExpired):
		return ErrSessionExpired
	default:
		return ErrInvalidToken
	}
	if claims.Kind != token.KindResetFinal {
		return ErrInvalidToken
	}

	if len(newPassword) < minPasswordLength {
		return ErrPasswordTooShort
	}

	_, live, err := s.ephemeral.Get(ctx, resetJTIKey(claims.ID))
	if err != nil {
		return fmt.Errorf("check final reset token: %w", err)
	}
	if !live {
		return ErrSessionExpired
	}
	if err := s.ephemeral.Delete(ctx, resetJTIKey(claims.ID)); err != nil {
		return fmt.Errorf("consume final reset token: %w", err)
	}

	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, claims.UserID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.sessions.RevokeAllForUser(ctx, claims.UserID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}

	uid := claims.UserID
	s.audit.Record(ctx, audit.ActionResetCommitted, audit.Event{UserID: &uid, Email: claims.Email, IP: meta.IP, UserAgent: meta.UserAgent})

	return nil
}

func (s *Service) verifyResetToken(resetToken string) (*token.Claims, error) {
	claims, err := s.tokens.Verify(resetToken)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrTokenExpired):
		return nil, ErrSessionExpired
	default:
		return nil, ErrInvalidToken
	}
	if claims.Kind != token.KindReset {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func resetJTIKey(jti string) string { return "resetjti:" + jti }
