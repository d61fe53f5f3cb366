package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is the authorization level carried in session tokens.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Status gates whether an account may authenticate at all.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusDisabled Status = "DISABLED"
)

// User represents an identity in the system. TOTPSecretEnc and BackupCodes
// hold ciphertext envelopes, never plaintext.
type User struct {
	ID                 uuid.UUID
	Email              string
	Name               string
	PasswordHash       string
	Role               Role
	Status             Status
	OAuthProvider      *string
	TOTPEnabled        bool
	TOTPSecretEnc      *string
	BackupCodes        []string
	FailedTOTPAttempts int
	TOTPLockedUntil    *time.Time
	TOTPLastUsedAt     *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TOTPLocked reports whether factor verification must be refused right now.
func (u *User) TOTPLocked(now time.Time) bool {
	return u.TOTPLockedUntil != nil && u.TOTPLockedUntil.After(now)
}

// Session represents a persisted refresh-token record. TokenHash is the
// SHA-256 of the opaque token; the token itself is never stored.
type Session struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	TokenHash  string
	IP         *string
	UserAgent  *string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *uuid.UUID
}

// AuditEntry is an append-only record of a security-relevant event.
type AuditEntry struct {
	ID        uuid.UUID
	UserID    *uuid.UUID
	Email     string
	Action    string
	IP        string
	UserAgent string
	Detail    string
	CreatedAt time.Time
}
