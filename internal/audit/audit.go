// Package audit appends security-relevant events to the audit trail.
// Writes are best-effort: a failed write is logged and never propagated,
// so auditing can never fail the operation being audited.
package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/repo"
)

// Actions recorded by the authentication flows.
const (
	ActionRegister            = "register"
	ActionLoginFailed         = "login.failed"
	ActionOTPSent             = "otp.sent"
	ActionOTPVerified         = "otp.verified"
	ActionOTPFailed           = "otp.failed"
	ActionTOTPRequired        = "totp.required"
	ActionTOTPVerified        = "totp.verified"
	ActionTOTPFailed          = "totp.failed"
	ActionTOTPLocked          = "totp.locked"
	ActionBackupCodeUsed      = "totp.backup_code_used"
	ActionTOTPEnabled         = "totp.enabled"
	ActionTOTPDisabled        = "totp.disabled"
	ActionBackupCodesReplaced = "totp.backup_codes_replaced"
	ActionSessionIssued       = "session.issued"
	ActionSessionRefreshed    = "session.refreshed"
	ActionRefreshReuse        = "session.refresh_reuse_detected"
	ActionLogout              = "session.logout"
	ActionOAuthLogin          = "oauth.login"
	ActionResetRequested      = "password_reset.requested"
	ActionResetVerified       = "password_reset.verified"
	ActionResetCommitted      = "password_reset.committed"
)

// Event carries the who/where of an audited action. UserID is nil when the
// identity is unknown, such as a failed login for an unregistered email.
type Event struct {
	UserID    *uuid.UUID
	Email     string
	IP        string
	UserAgent string
	Detail    string
}

// Recorder writes audit entries through the audit repository.
type Recorder struct {
	repo repo.AuditRepo
}

// NewRecorder creates a Recorder over the given repository.
func NewRecorder(r repo.AuditRepo) *Recorder {
	return &Recorder{repo: r}
}

// Record appends one event.
func (rec *Recorder) Record(ctx context.Context, action string, e Event) {
	err := rec.repo.Append(ctx, model.AuditEntry{
		UserID:    e.UserID,
		Email:     e.Email,
		Action:    action,
		IP:        e.IP,
		UserAgent: e.UserAgent,
		Detail:    e.Detail,
	})
	if err != nil {
		slog.Error("audit write failed", "source", "audit", "action", action, "error", err.Error())
	}
}
