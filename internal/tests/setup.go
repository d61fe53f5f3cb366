// Package tests exercises the full HTTP surface end to end over httptest,
// with in-memory collaborators in place of Postgres, SMTP and the captcha
// service so the suite runs without external infrastructure.
package tests

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keyfold/server/internal/audit"
	"github.com/keyfold/server/internal/auth"
	"github.com/keyfold/server/internal/crypto"
	httphandler "github.com/keyfold/server/internal/http"
	"github.com/keyfold/server/internal/http/handlers"
	"github.com/keyfold/server/internal/kv"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/oauth"
	"github.com/keyfold/server/internal/otp"
	"github.com/keyfold/server/internal/ratelimit"
	"github.com/keyfold/server/internal/repo"
	"github.com/keyfold/server/internal/token"
	"github.com/keyfold/server/internal/totp"

	"github.com/go-chi/chi/v5"
)

// fakeUsers is an in-memory repo.UserRepo mirroring the SQL semantics the
// Postgres implementation provides.
type fakeUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*model.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[uuid.UUID]*model.User)}
}

func (f *fakeUsers) Create(_ context.Context, email, name, passwordHash string, role model.Role) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return model.User{}, repo.ErrEmailTaken
		}
	}
	u := &model.User{
		ID:           uuid.New(),
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		Role:         role,
		Status:       model.StatusActive,
		BackupCodes:  []string{},
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	f.users[u.ID] = u
	return *u, nil
}

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return *u, nil
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return *u, nil
		}
	}
	return model.User{}, repo.ErrNotFound
}

func (f *fakeUsers) GetOrCreateOAuth(ctx context.Context, email, name, provider string) (model.User, error) {
	if u, err := f.GetByEmail(ctx, email); err == nil {
		return u, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &model.User{
		ID:            uuid.New(),
		Email:         email,
		Name:          name,
		Role:          model.RoleUser,
		Status:        model.StatusActive,
		OAuthProvider: &provider,
		BackupCodes:   []string{},
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	f.users[u.ID] = u
	return *u, nil
}

func (f *fakeUsers) UpdatePassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (f *fakeUsers) EnableTOTP(_ context.Context, id uuid.UUID, secretEnc string, backupCodes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.TOTPEnabled = true
	u.TOTPSecretEnc = &secretEnc
	u.BackupCodes = append([]string(nil), backupCodes...)
	u.FailedTOTPAttempts = 0
	u.TOTPLockedUntil = nil
	u.TOTPLastUsedAt = nil
	return nil
}

func (f *fakeUsers) DisableTOTP(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.TOTPEnabled = false
	u.TOTPSecretEnc = nil
	u.BackupCodes = []string{}
	u.FailedTOTPAttempts = 0
	u.TOTPLockedUntil = nil
	u.TOTPLastUsedAt = nil
	return nil
}

func (f *fakeUsers) ReplaceBackupCodes(_ context.Context, id uuid.UUID, codes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.BackupCodes = append([]string(nil), codes...)
	return nil
}

func (f *fakeUsers) ConsumeBackupCode(_ context.Context, id uuid.UUID, codeEnc string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	for i, c := range u.BackupCodes {
		if c == codeEnc {
			u.BackupCodes = append(append([]string(nil), u.BackupCodes[:i]...), u.BackupCodes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUsers) RecordTOTPFailure(_ context.Context, id uuid.UUID, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return 0, nil, repo.ErrNotFound
	}
	u.FailedTOTPAttempts++
	if u.FailedTOTPAttempts >= threshold {
		until := lockUntil
		u.TOTPLockedUntil = &until
	}
	return u.FailedTOTPAttempts, u.TOTPLockedUntil, nil
}

func (f *fakeUsers) ResetTOTPFailures(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.FailedTOTPAttempts = 0
	u.TOTPLockedUntil = nil
	return nil
}

func (f *fakeUsers) ClaimTOTPWindow(_ context.Context, id uuid.UUID, usedAt, windowStart time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if u.TOTPLastUsedAt != nil && !u.TOTPLastUsedAt.Before(windowStart) {
		return false, nil
	}
	used := usedAt
	u.TOTPLastUsedAt = &used
	return true, nil
}

func (f *fakeUsers) SetStatus(_ context.Context, id uuid.UUID, status model.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.Status = status
	return nil
}

func (f *fakeUsers) List(_ context.Context, limit, offset int) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, *u)
	}
	return out, nil
}

// clearTOTPWindow lets the next verification reuse the current time step.
func (f *fakeUsers) clearTOTPWindow(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id].TOTPLastUsedAt = nil
}

// expireLock backdates an engaged lock so it no longer applies.
func (f *fakeUsers) expireLock(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	past := time.Now().Add(-time.Minute)
	f.users[id].TOTPLockedUntil = &past
}

// fakeSessions is an in-memory repo.SessionRepo.
type fakeSessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[uuid.UUID]*model.Session)}
}

func (f *fakeSessions) Create(_ context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time, ip, userAgent *string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &model.Session{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: tokenHash,
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	f.sessions[s.ID] = s
	return s.ID, nil
}

func (f *fakeSessions) FindByTokenHash(_ context.Context, tokenHash string) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.TokenHash == tokenHash && s.RevokedAt == nil && s.ExpiresAt.After(time.Now()) {
			return *s, nil
		}
	}
	return model.Session{}, repo.ErrNotFound
}

func (f *fakeSessions) FindByTokenHashIncludeRevoked(_ context.Context, tokenHash string) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.TokenHash == tokenHash {
			return *s, nil
		}
	}
	return model.Session{}, repo.ErrNotFound
}

func (f *fakeSessions) RevokeAndSetReplacedBy(_ context.Context, sessionID, replacedBy uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return repo.ErrNotFound
	}
	now := time.Now()
	next := replacedBy
	s.RevokedAt = &now
	s.ReplacedBy = &next
	return nil
}

func (f *fakeSessions) Revoke(_ context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return repo.ErrNotFound
	}
	now := time.Now()
	s.RevokedAt = &now
	return nil
}

func (f *fakeSessions) RevokeAllForUser(_ context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, s := range f.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			at := now
			s.RevokedAt = &at
		}
	}
	return nil
}

func (f *fakeSessions) activeCount(userID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			n++
		}
	}
	return n
}

// fakeAudit is an in-memory repo.AuditRepo.
type fakeAudit struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (f *fakeAudit) Append(_ context.Context, entry model.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAudit) has(action string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.Action == action {
			return true
		}
	}
	return false
}

// fakeMailer records dispatched codes instead of sending them.
type fakeMailer struct {
	mu         sync.Mutex
	loginCodes []string
	resetCodes []string
}

func (f *fakeMailer) SendLoginCode(_ context.Context, to, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCodes = append(f.loginCodes, code)
	return nil
}

func (f *fakeMailer) SendResetCode(_ context.Context, to, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCodes = append(f.resetCodes, code)
	return nil
}

func (f *fakeMailer) lastLoginCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.loginCodes) == 0 {
		return ""
	}
	return f.loginCodes[len(f.loginCodes)-1]
}

func (f *fakeMailer) lastResetCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.resetCodes) == 0 {
		return ""
	}
	return f.resetCodes[len(f.resetCodes)-1]
}

// fakeCaptcha accepts every proof token.
type fakeCaptcha struct{}

func (fakeCaptcha) Verify(ctx context.Context, token, remoteIP string) error { return nil }

// testEnv bundles the assembled router with the collaborators the tests
// poke at directly.
type testEnv struct {
	Router   *chi.Mux
	Users    *fakeUsers
	Sessions *fakeSessions
	Audit    *fakeAudit
	Mailer   *fakeMailer
	Tokens   *token.Service
	Store    *kv.Memory
}

// newTestEnv wires the production constructors over in-memory collaborators,
// the same assembly order as cmd/api.
func newTestEnv() *testEnv {
	users := newFakeUsers()
	sessions := newFakeSessions()
	auditRepo := &fakeAudit{}
	mailer := &fakeMailer{}
	store := kv.NewMemory()
	tokens := token.NewService("e2e-jwt-secret-0123456789abcdef", "keyfold-test")

	totpBox, err := crypto.NewSecretBox("e2e-totp-box-secret")
	if err != nil {
		panic(err)
	}
	backupBox, err := crypto.NewSecretBox("e2e-backup-box-secret")
	if err != nil {
		panic(err)
	}

	svc := auth.NewService(auth.Deps{
		Users:     users,
		Sessions:  sessions,
		Tokens:    tokens,
		OTP:       otp.NewService(store, "e2e-salt"),
		TOTP:      totp.NewEngine("Keyfold Test"),
		TOTPBox:   totpBox,
		BackupBox: backupBox,
		Mailer:    mailer,
		Captcha:   fakeCaptcha{},
		Audit:     audit.NewRecorder(auditRepo),
		Limiter:   ratelimit.New(time.Minute, 100),
		Ephemeral: store,
	})

	handler := handlers.NewAuthHandler(svc, users, oauth.NewRegistry(), "http://localhost:8080", false)
	router := httphandler.NewRouter(handler, tokens)

	return &testEnv{
		Router:   router,
		Users:    users,
		Sessions: sessions,
		Audit:    auditRepo,
		Mailer:   mailer,
		Tokens:   tokens,
		Store:    store,
	}
}

// seedUser inserts a user with a hashed password, bypassing registration.
func (e *testEnv) seedUser(email, password string, role model.Role) model.User {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		panic(err)
	}
	u, err := e.Users.Create(context.Background(), email, "Seeded User", hash, role)
	if err != nil {
		panic(err)
	}
	return u
}
