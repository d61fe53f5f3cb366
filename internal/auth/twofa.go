package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keyfold/server/internal/audit"
	"github.com/keyfold/server/internal/model"
)

const (
	backupCodeCount    = 10
	backupCodeLength   = 10
	backupCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
)

// TOTPSetup is returned by BeginTOTPSetup. SecretEnc carries the enrollment
// secret sealed with the server key; the client echoes it back on confirm,
// so the server holds no enrollment state in between.
type TOTPSetup struct {
	Secret      string
	URI         string
	QRPNGBase64 string
	SecretEnc   string
}

// BeginTOTPSetup starts authenticator enrollment for a signed-in user.
func (s *Service) BeginTOTPSetup(ctx context.Context, userID uuid.UUID) (TOTPSetup, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return TOTPSetup{}, fmt.Errorf("load user: %w", err)
	}
	if user.TOTPEnabled {
		return TOTPSetup{}, ErrTOTPAlreadyEnabled
	}

	enrollment, err := s.totp.Generate(user.Email)
	if err != nil {
		return TOTPSetup{}, fmt.Errorf("generate totp secret: %w", err)
	}

	secretEnc, err := s.totpBox.Seal(enrollment.Secret)
	if err != nil {
		return TOTPSetup{}, fmt.Errorf("seal totp secret: %w", err)
	}

	return TOTPSetup{
		Secret:      enrollment.Secret,
		URI:         enrollment.URI,
		QRPNGBase64: enrollment.QRPNGBase64,
		SecretEnc:   secretEnc,
	}, nil
}

// ConfirmTOTPSetup verifies the first code against the sealed enrollment
// secret, enables the factor and returns the backup codes. The plaintext
// codes exist only in this response; the stored copies are sealed.
func (s *Service) ConfirmTOTPSetup(ctx context.Context, userID uuid.UUID, secretEnc, code string, meta Meta) ([]string, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user.TOTPEnabled {
		return nil, ErrTOTPAlreadyEnabled
	}

	secret, err := s.totpBox.Open(secretEnc)
	if err != nil {
		// Not sealed by us, or tampered with. Either way the enrollment
		// cannot proceed and the client must start over.
		return nil, ErrSetupExpired
	}

	if !s.totp.Verify(code, secret) {
		return nil, ErrInvalidCode
	}

	codes, envelopes, err := s.generateBackupCodes()
	if err != nil {
		return nil, fmt.Errorf("generate backup codes: %w", err)
	}

	if err := s.users.EnableTOTP(ctx, user.ID, secretEnc, envelopes); err != nil {
		return nil, fmt.Errorf("enable totp: %w", err)
	}

	s.audit.Record(ctx, audit.ActionTOTPEnabled, s.event(user, meta, ""))

	return codes, nil
}

// DisableTOTP turns the factor off. A current TOTP code or an unused backup
// code must verify first, so a stolen session alone cannot weaken the
// account.
func (s *Service) DisableTOTP(ctx context.Context, userID uuid.UUID, code, backupCode string, meta Meta) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	if err := s.verifyFactor(ctx, &user, code, backupCode, meta); err != nil {
		return err
	}

	if err := s.users.DisableTOTP(ctx, user.ID); err != nil {
		return fmt.Errorf("disable totp: %w", err)
	}

	s.audit.Record(ctx, audit.ActionTOTPDisabled, s.event(user, meta, ""))

	return nil
}

// RegenerateBackupCodes replaces every issued backup code after a current
// TOTP code verifies. The fresh codes are returned exactly once.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID, code string, meta Meta) ([]string, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	if err := s.verifyFactor(ctx, &user, code, "", meta); err != nil {
		return nil, err
	}

	codes, envelopes, err := s.generateBackupCodes()
	if err != nil {
		return nil, fmt.Errorf("generate backup codes: %w", err)
	}
	if err := s.users.ReplaceBackupCodes(ctx, user.ID, envelopes); err != nil {
		return nil, fmt.Errorf("replace backup codes: %w", err)
	}

	s.audit.Record(ctx, audit.ActionBackupCodesReplaced, s.event(user, meta, ""))

	return codes, nil
}

// verifyFactor checks a TOTP or backup code for the user, applying the
// lockout, failure counting and replay rules. On success all failure state
// clears. Every factor-protected operation funnels through here so the
// rules cannot drift apart.
func (s *Service) verifyFactor(ctx context.Context, user *model.User, code, backupCode string, meta Meta) error {
	if !user.TOTPEnabled || user.TOTPSecretEnc == nil {
		return ErrTOTPNotEnabled
	}

	now := time.Now()
	if user.TOTPLocked(now) {
		// Locked means locked: even a correct code is refused.
		return ErrFactorLocked
	}

	if backupCode != "" {
		return s.verifyBackupCode(ctx, user, backupCode, meta)
	}

	secret, err := s.totpBox.Open(*user.TOTPSecretEnc)
	if err != nil {
		return fmt.Errorf("decrypt totp secret: %w", err)
	}

	if !s.totp.Verify(code, secret) {
		return s.recordFactorFailure(ctx, user, meta)
	}

	// A code authenticates once, even while its window is still open.
	// Losing the claim does not count toward the lockout: a replay is a
	// captured code, not a guessing attempt.
	claimed, err := s.users.ClaimTOTPWindow(ctx, user.ID, now, now.Truncate(totpPeriod))
	if err != nil {
		return fmt.Errorf("claim totp window: %w", err)
	}
	if !claimed {
		s.audit.Record(ctx, audit.ActionTOTPFailed, s.event(*user, meta, "code replayed"))
		return ErrInvalidCode
	}

	if err := s.users.ResetTOTPFailures(ctx, user.ID); err != nil {
		return fmt.Errorf("reset totp failures: %w", err)
	}

	s.audit.Record(ctx, audit.ActionTOTPVerified, s.event(*user, meta, ""))

	return nil
}

// verifyBackupCode decrypts each stored envelope looking for a normalized
// match, then consumes exactly that envelope. Entries that will not decrypt
// are skipped, never matched.
func (s *Service) verifyBackupCode(ctx context.Context, user *model.User, submitted string, meta Meta) error {
	want := normalizeCode(submitted)
	if want == "" {
		return s.recordFactorFailure(ctx, user, meta)
	}

	for _, envelope := range user.BackupCodes {
		plain, err := s.backupBox.Open(envelope)
		if err != nil {
			continue
		}
		if normalizeCode(plain) != want {
			continue
		}

		consumed, err := s.users.ConsumeBackupCode(ctx, user.ID, envelope)
		if err != nil {
			return fmt.Errorf("consume backup code: %w", err)
		}
		if !consumed {
			// Lost the race to a concurrent submission of the same code.
			break
		}

		if err := s.users.ResetTOTPFailures(ctx, user.ID); err != nil {
			return fmt.Errorf("reset totp failures: %w", err)
		}

		s.audit.Record(ctx, audit.ActionBackupCodeUsed, s.event(*user, meta, ""))

		return nil
	}

	return s.recordFactorFailure(ctx, user, meta)
}

// recordFactorFailure counts one failed attempt and engages the lock at the
// threshold. The attempt that crosses the threshold returns ErrFactorLocked
// itself, so the client learns about the lock immediately.
func (s *Service) recordFactorFailure(ctx context.Context, user *model.User, meta Meta) error {
	attempts, lockedUntil, err := s.users.RecordTOTPFailure(ctx, user.ID, totpFailureThreshold, time.Now().Add(totpLockDuration))
	if err != nil {
		return fmt.Errorf("record factor failure: %w", err)
	}

	s.audit.Record(ctx, audit.ActionTOTPFailed, s.event(*user, meta, fmt.Sprintf("attempt %d", attempts)))

	if lockedUntil != nil && lockedUntil.After(time.Now()) {
		s.audit.Record(ctx, audit.ActionTOTPLocked, s.event(*user, meta, ""))
		return ErrFactorLocked
	}

	return ErrInvalidCode
}

// generateBackupCodes returns the plaintext codes and their individually
// sealed envelopes in matching order.
func (s *Service) generateBackupCodes() ([]string, []string, error) {
	codes := make([]string, 0, backupCodeCount)
	envelopes := make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		code, err := generateBackupCode()
		if err != nil {
			return nil, nil, err
		}
		envelope, err := s.backupBox.Seal(code)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		envelopes = append(envelopes, envelope)
	}
	return codes, envelopes, nil
}

func generateBackupCode() (string, error) {
	buf := make([]byte, backupCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = backupCodeAlphabet[int(b)%len(backupCodeAlphabet)]
	}
	return string(buf), nil
}
