package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	ptotp "github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/server/internal/audit"
	"github.com/keyfold/server/internal/crypto"
	"github.com/keyfold/server/internal/kv"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/otp"
	"github.com/keyfold/server/internal/ratelimit"
	"github.com/keyfold/server/internal/repo"
	"github.com/keyfold/server/internal/token"
	"github.com/keyfold/server/internal/totp"
)

var testMeta = Meta{IP: "203.0.113.7", UserAgent: "keyfold-test/1.0"}

// memUsers is an in-memory repo.UserRepo mirroring the SQL semantics.
type memUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*model.User
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[uuid.UUID]*model.User)}
}

func (m *memUsers) Create(_ context.Context, email, name, passwordHash string, role model.Role) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
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
	m.users[u.ID] = u
	return *u, nil
}

func (m *memUsers) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return *u, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return *u, nil
		}
	}
	return model.User{}, repo.ErrNotFound
}

func (m *memUsers) GetOrCreateOAuth(ctx context.Context, email, name, provider string) (model.User, error) {
	if u, err := m.GetByEmail(ctx, email); err == nil {
		return u, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
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
	m.users[u.ID] = u
	return *u, nil
}

func (m *memUsers) UpdatePassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *memUsers) EnableTOTP(_ context.Context, id uuid.UUID, secretEnc string, backupCodes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
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

func (m *memUsers) DisableTOTP(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
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

func (m *memUsers) ReplaceBackupCodes(_ context.Context, id uuid.UUID, codes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.BackupCodes = append([]string(nil), codes...)
	return nil
}

func (m *memUsers) ConsumeBackupCode(_ context.Context, id uuid.UUID, codeEnc string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
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

func (m *memUsers) RecordTOTPFailure(_ context.Context, id uuid.UUID, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
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

func (m *memUsers) ResetTOTPFailures(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.FailedTOTPAttempts = 0
	u.TOTPLockedUntil = nil
	return nil
}

func (m *memUsers) ClaimTOTPWindow(_ context.Context, id uuid.UUID, usedAt, windowStart time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
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

func (m *memUsers) SetStatus(_ context.Context, id uuid.UUID, status model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.Status = status
	return nil
}

func (m *memUsers) List(_ context.Context, limit, offset int) ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	return out, nil
}

// memSessions is an in-memory repo.SessionRepo.
type memSessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[uuid.UUID]*model.Session)}
}

func (m *memSessions) Create(_ context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time, ip, userAgent *string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &model.Session{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: tokenHash,
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	m.sessions[s.ID] = s
	return s.ID, nil
}

func (m *memSessions) FindByTokenHash(_ context.Context, tokenHash string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TokenHash == tokenHash && s.RevokedAt == nil && s.ExpiresAt.After(time.Now()) {
			return *s, nil
		}
	}
	return model.Session{}, repo.ErrNotFound
}

func (m *memSessions) FindByTokenHashIncludeRevoked(_ context.Context, tokenHash string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TokenHash == tokenHash {
			return *s, nil
		}
	}
	return model.Session{}, repo.ErrNotFound
}

func (m *memSessions) RevokeAndSetReplacedBy(_ context.Context, sessionID, replacedBy uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return repo.ErrNotFound
	}
	now := time.Now()
	next := replacedBy
	s.RevokedAt = &now
	s.ReplacedBy = &next
	return nil
}

func (m *memSessions) Revoke(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return repo.ErrNotFound
	}
	now := time.Now()
	s.RevokedAt = &now
	return nil
}

func (m *memSessions) RevokeAllForUser(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, s := range m.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			at := now
			s.RevokedAt = &at
		}
	}
	return nil
}

func (m *memSessions) active(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			n++
		}
	}
	return n
}

func (m *memSessions) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// memAudit is an in-memory repo.AuditRepo.
type memAudit struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (m *memAudit) Append(_ context.Context, entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAudit) has(action string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Action == action {
			return true
		}
	}
	return false
}

func (m *memAudit) count(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

// capMailer records dispatched codes instead of sending them.
type capMailer struct {
	mu         sync.Mutex
	loginCodes []string
	resetCodes []string
	lastTo     string
	failWith   error
}

func (m *capMailer) SendLoginCode(_ context.Context, to, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.lastTo = to
	m.loginCodes = append(m.loginCodes, code)
	return nil
}

func (m *capMailer) SendResetCode(_ context.Context, to, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.lastTo = to
	m.resetCodes = append(m.resetCodes, code)
	return nil
}

func (m *capMailer) lastLoginCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.loginCodes) == 0 {
		return ""
	}
	return m.loginCodes[len(m.loginCodes)-1]
}

func (m *capMailer) lastResetCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.resetCodes) == 0 {
		return ""
	}
	return m.resetCodes[len(m.resetCodes)-1]
}

func (m *capMailer) loginCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loginCodes)
}

func (m *capMailer) resetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resetCodes)
}

// stubCaptcha verifies every token unless an error is injected.
type stubCaptcha struct {
	err error
}

func (s *stubCaptcha) Verify(ctx context.Context, token, remoteIP string) error {
	return s.err
}

type fixture struct {
	svc      *Service
	users    *memUsers
	sessions *memSessions
	auditLog *memAudit
	mailer   *capMailer
	captcha  *stubCaptcha
	store    *kv.Memory
	tokens   *token.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	users := newMemUsers()
	sessions := newMemSessions()
	auditRepo := &memAudit{}
	mailer := &capMailer{}
	captchaStub := &stubCaptcha{}
	store := kv.NewMemory()
	tokens := token.NewService("test-jwt-secret-0123456789abcdef", "keyfold-test")

	totpBox, err := crypto.NewSecretBox("totp-box-test-secret")
	require.NoError(t, err)
	backupBox, err := crypto.NewSecretBox("backup-box-test-secret")
	require.NoError(t, err)

	svc := NewService(Deps{
		Users:     users,
		Sessions:  sessions,
		Tokens:    tokens,
		OTP:       otp.NewService(store, "test-salt"),
		TOTP:      totp.NewEngine("Keyfold Test"),
		TOTPBox:   totpBox,
		BackupBox: backupBox,
		Mailer:    mailer,
		Captcha:   captchaStub,
		Audit:     audit.NewRecorder(auditRepo),
		Limiter:   ratelimit.New(time.Minute, 10),
		Ephemeral: store,
	})

	return &fixture{
		svc:      svc,
		users:    users,
		sessions: sessions,
		auditLog: auditRepo,
		mailer:   mailer,
		captcha:  captchaStub,
		store:    store,
		tokens:   tokens,
	}
}

func (f *fixture) createUser(t *testing.T, email, password string) model.User {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	require.NoError(t, err)
	user, err := f.users.Create(context.Background(), email, "Test User", hash, model.RoleUser)
	require.NoError(t, err)
	return user
}

// passwordLogin completes the credential step.
func (f *fixture) passwordLogin(t *testing.T, email, password string) LoginResult {
	t.Helper()
	res, err := f.svc.Login(context.Background(), email, password, "captcha-ok", testMeta)
	require.NoError(t, err)
	return res
}

// otpLogin completes both steps of an email-OTP login.
func (f *fixture) otpLogin(t *testing.T, email, password string) SessionResult {
	t.Helper()
	login := f.passwordLogin(t, email, password)
	require.Equal(t, token.MethodOTP, login.Method)
	sess, err := f.svc.VerifyOTP(context.Background(), login.PreAuthToken, f.mailer.lastLoginCode(), testMeta)
	require.NoError(t, err)
	return sess
}

// enrollTOTP runs the full setup flow and returns the shared secret and the
// plaintext backup codes.
func (f *fixture) enrollTOTP(t *testing.T, userID uuid.UUID) (string, []string) {
	t.Helper()
	ctx := context.Background()
	setup, err := f.svc.BeginTOTPSetup(ctx, userID)
	require.NoError(t, err)
	codes, err := f.svc.ConfirmTOTPSetup(ctx, userID, setup.SecretEnc, currentCode(t, setup.Secret), testMeta)
	require.NoError(t, err)
	require.Len(t, codes, backupCodeCount)
	return setup.Secret, codes
}

// clearTOTPWindow lets the next verification reuse the current time step.
// Tests that chain several code checks need this between them.
func (f *fixture) clearTOTPWindow(userID uuid.UUID) {
	f.users.mu.Lock()
	defer f.users.mu.Unlock()
	f.users.users[userID].TOTPLastUsedAt = nil
}

// setTOTPLastUsed pins the recorded step claim to a given instant.
func (f *fixture) setTOTPLastUsed(userID uuid.UUID, at time.Time) {
	f.users.mu.Lock()
	defer f.users.mu.Unlock()
	f.users.users[userID].TOTPLastUsedAt = &at
}

// expireLock backdates an engaged lock so it no longer applies.
func (f *fixture) expireLock(userID uuid.UUID) {
	f.users.mu.Lock()
	defer f.users.mu.Unlock()
	past := time.Now().Add(-time.Minute)
	f.users.users[userID].TOTPLockedUntil = &past
}

func (f *fixture) userState(t *testing.T, userID uuid.UUID) model.User {
	t.Helper()
	u, err := f.users.GetByID(context.Background(), userID)
	require.NoError(t, err)
	return u
}

func currentCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := ptotp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	return code
}

// wrongCode returns a six-digit string that cannot validate in any accepted
// time step right now.
func wrongCode(t *testing.T, secret string) string {
	t.Helper()
	now := time.Now()
	valid := map[string]bool{}
	for _, d := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		c, err := ptotp.GenerateCode(secret, now.Add(d))
		require.NoError(t, err)
		valid[c] = true
	}
	for _, candidate := range []string{"000000", "111111", "222222", "333333"} {
		if !valid[candidate] {
			return candidate
		}
	}
	t.Fatal("no invalid candidate code available")
	return ""
}
