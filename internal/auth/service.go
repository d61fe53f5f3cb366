// Package auth implements the login state machine: password and OAuth
// credential verification, the second-factor milestone (email OTP or TOTP
// with backup codes), session issuance with refresh rotation, password
// reset, and TOTP enrollment.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keyfold/server/internal/audit"
	"github.com/keyfold/server/internal/captcha"
	"github.com/keyfold/server/internal/crypto"
	"github.com/keyfold/server/internal/kv"
	"github.com/keyfold/server/internal/mail"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/oauth"
	"github.com/keyfold/server/internal/otp"
	"github.com/keyfold/server/internal/ratelimit"
	"github.com/keyfold/server/internal/repo"
	"github.com/keyfold/server/internal/token"
	"github.com/keyfold/server/internal/totp"
)

// Factor and lockout policy.
const (
	totpFailureThreshold = 5
	totpLockDuration     = 15 * time.Minute
	totpPeriod           = 30 * time.Second
	minPasswordLength    = 8
)

// Meta carries per-request client details into sessions and audit entries.
type Meta struct {
	IP        string
	UserAgent string
}

// LoginResult reports the factor milestone a credential-stage login reached.
// PreAuthToken rides back to the client in a temp cookie; no session exists
// yet.
type LoginResult struct {
	User         model.User
	Method       token.Method
	PreAuthToken string
}

// SessionResult carries the credentials of a fully authenticated session.
type SessionResult struct {
	User         model.User
	AccessToken  string
	RefreshToken string
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Users     repo.UserRepo
	Sessions  repo.SessionRepo
	Tokens    *token.Service
	OTP       *otp.Service
	TOTP      *totp.Engine
	TOTPBox   *crypto.SecretBox
	BackupBox *crypto.SecretBox
	Mailer    mail.Sender
	Captcha   captcha.Verifier
	Audit     *audit.Recorder
	Limiter   *ratelimit.Limiter
	Ephemeral kv.Store
}

// Service orchestrates the authentication flows. Safe for concurrent use.
type Service struct {
	users     repo.UserRepo
	sessions  repo.SessionRepo
	tokens    *token.Service
	otps      *otp.Service
	totp      *totp.Engine
	totpBox   *crypto.SecretBox
	backupBox *crypto.SecretBox
	mailer    mail.Sender
	captcha   captcha.Verifier
	audit     *audit.Recorder
	limiter   *ratelimit.Limiter
	ephemeral kv.Store
}

// NewService creates the auth service over its collaborators.
func NewService(d Deps) *Service {
	return &Service{
		users:     d.Users,
		sessions:  d.Sessions,
		tokens:    d.Tokens,
		otps:      d.OTP,
		totp:      d.TOTP,
		totpBox:   d.TOTPBox,
		backupBox: d.BackupBox,
		mailer:    d.Mailer,
		captcha:   d.Captcha,
		audit:     d.Audit,
		limiter:   d.Limiter,
		ephemeral: d.Ephemeral,
	}
}

// Register creates a local-credential identity and starts the email-OTP
// milestone. The caller is not signed in until the code verifies.
func (s *Service) Register(ctx context.Context, email, name, password, captchaToken string, meta Meta) (LoginResult, error) {
	email = normalizeEmail(email)

	if err := s.checkCaptcha(ctx, captchaToken, meta.IP); err != nil {
		return LoginResult{}, err
	}
	if len(password) < minPasswordLength {
		return LoginResult{}, ErrPasswordTooShort
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return LoginResult{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.Create(ctx, email, strings.TrimSpace(name), hash, model.RoleUser)
	if err != nil {
		if errors.Is(err, repo.ErrEmailTaken) {
			return LoginResult{}, ErrEmailTaken
		}
		return LoginResult{}, fmt.Errorf("create user: %w", err)
	}

	s.audit.Record(ctx, audit.ActionRegister, s.event(user, meta, ""))

	return s.startFactor(ctx, user, meta)
}

// Login runs the credential step: captcha gate, per-identity and per-IP
// throttling, then password verification with a uniform failure regardless
// of cause. On success it hands off to the factor milestone.
func (s *Service) Login(ctx context.Context, email, password, captchaToken string, meta Meta) (LoginResult, error) {
	email = normalizeEmail(email)

	// The captcha gate runs before any password work.
	if err := s.checkCaptcha(ctx, captchaToken, meta.IP); err != nil {
		return LoginResult{}, err
	}

	if !s.limiter.Allow(ratelimit.LoginKey(email)) || !s.limiter.Allow(ratelimit.LoginIPKey(meta.IP)) {
		return LoginResult{}, ErrRateLimited
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.audit.Record(ctx, audit.ActionLoginFailed, audit.Event{Email: email, IP: meta.IP, UserAgent: meta.UserAgent, Detail: "unknown email"})
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("load user: %w", err)
	}

	if !crypto.CheckPassword(password, user.PasswordHash) {
		s.audit.Record(ctx, audit.ActionLoginFailed, s.event(user, meta, "wrong password"))
		return LoginResult{}, ErrInvalidCredentials
	}

	// Status is only checked after the password matches, so the response
	// carries no enumeration signal.
	if user.Status != model.StatusActive {
		s.audit.Record(ctx, audit.ActionLoginFailed, s.event(user, meta, "account inactive"))
		return LoginResult{}, ErrAccountInactive
	}

	// Password verified; earlier failures stop counting against the account.
	s.limiter.Reset(ratelimit.LoginKey(email))

	return s.startFactor(ctx, user, meta)
}

// LoginWithProfile signs in a verified external profile. The identity is
// found or created by email, then the factor milestone always runs: OAuth
// is credential-equivalent, never a bypass of the second factor.
func (s *Service) LoginWithProfile(ctx context.Context, profile oauth.Profile, meta Meta) (LoginResult, error) {
	email := normalizeEmail(profile.Email)

	user, err := s.users.GetOrCreateOAuth(ctx, email, profile.Name, profile.Provider)
	if err != nil {
		return LoginResult{}, fmt.Errorf("get or create oauth user: %w", err)
	}

	if user.Status != model.StatusActive {
		return LoginResult{}, ErrAccountInactive
	}

	s.audit.Record(ctx, audit.ActionOAuthLogin, s.event(user, meta, profile.Provider))

	return s.startFactor(ctx, user, meta)
}

// VerifyOTP completes the email-OTP factor step and mints the session.
func (s *Service) VerifyOTP(ctx context.Context, preAuth, code string, meta Meta) (SessionResult, error) {
	claims, err := s.verifyPreAuth(preAuth, token.MethodOTP)
	if err != nil {
		return SessionResult{}, err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		return SessionResult{}, fmt.Errorf("load user: %w", err)
	}

	ok, err := s.otps.Verify(ctx, loginOTPKey(user.Email), code)
	if err != nil {
		return SessionResult{}, fmt.Errorf("verify otp: %w", err)
	}
	if !ok {
		s.audit.Record(ctx, audit.ActionOTPFailed, s.event(user, meta, ""))
		return SessionResult{}, ErrInvalidCode
	}

	s.audit.Record(ctx, audit.ActionOTPVerified, s.event(user, meta, ""))

	return s.issueSession(ctx, user, meta)
}

// VerifyTOTP completes the TOTP factor step with either an authenticator
// code or a backup code, enforcing the lockout rules, and mints the session.
func (s *Service) VerifyTOTP(ctx context.Context, preAuth, code, backupCode string, meta Meta) (SessionResult, error) {
	claims, err := s.verifyPreAuth(preAuth, token.MethodTOTP)
	if err != nil {
		return SessionResult{}, err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		return SessionResult{}, fmt.Errorf("load user: %w", err)
	}

	if err := s.verifyFactor(ctx, &user, code, backupCode, meta); err != nil {
		return SessionResult{}, err
	}

	return s.issueSession(ctx, user, meta)
}

// ResendOTP reissues a login code. With a valid pre-auth token it resends
// for that identity; otherwise the caller must present fresh credentials
// and the whole password step reruns.
func (s *Service) ResendOTP(ctx context.Context, preAuth, email, password, captchaToken string, meta Meta) (LoginResult, error) {
	if preAuth != "" {
		claims, err := s.verifyPreAuth(preAuth, token.MethodOTP)
		if err == nil {
			user, err := s.users.GetByID(ctx, claims.UserID)
			if err != nil {
				return LoginResult{}, fmt.Errorf("load user: %w", err)
			}
			if !s.limiter.Allow(ratelimit.ResendKey(user.Email)) {
				return LoginResult{}, ErrRateLimited
			}
			return s.startFactor(ctx, user, meta)
		}
	}

	return s.Login(ctx, email, password, captchaToken, meta)
}

// startFactor picks the second factor for the user, dispatches a code when
// the factor is email OTP, and mints the pre-auth token. TOTP-enrolled
// users receive no code: the authenticator supplies it.
func (s *Service) startFactor(ctx context.Context, user model.User, meta Meta) (LoginResult, error) {
	method := token.MethodOTP
	if user.TOTPEnabled {
		method = token.MethodTOTP
	}

	if method == token.MethodOTP {
		code, err := s.otps.Issue(ctx, loginOTPKey(user.Email))
		if err != nil {
			return LoginResult{}, fmt.Errorf("issue otp: %w", err)
		}
		if err := s.mailer.SendLoginCode(ctx, user.Email, code); err != nil {
			return LoginResult{}, fmt.Errorf("%w: send login code: %v", ErrDownstream, err)
		}
		s.audit.Record(ctx, audit.ActionOTPSent, s.event(user, meta, ""))
	} else {
		s.audit.Record(ctx, audit.ActionTOTPRequired, s.event(user, meta, ""))
	}

	preAuth, err := s.tokens.IssuePreAuth(user, method)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue pre-auth token: %w", err)
	}

	return LoginResult{User: user, Method: method, PreAuthToken: preAuth}, nil
}

// issueSession mints the final access token and the persisted refresh
// record. This is the only place a session record is created: no login path
// has a session side effect before its factor verifies.
func (s *Service) issueSession(ctx context.Context, user model.User, meta Meta) (SessionResult, error) {
	access, err := s.tokens.IssueSession(user)
	if err != nil {
		return SessionResult{}, fmt.Errorf("issue session token: %w", err)
	}

	refresh, hash, err := token.GenerateRefreshToken()
	if err != nil {
		return SessionResult{}, fmt.Errorf("generate refresh token: %w", err)
	}

	if _, err := s.sessions.Create(ctx, user.ID, hash, time.Now().Add(token.RefreshTTL), optional(meta.IP), optional(meta.UserAgent)); err != nil {
		return SessionResult{}, fmt.Errorf("create session: %w", err)
	}

	s.audit.Record(ctx, audit.ActionSessionIssued, s.event(user, meta, ""))

	return SessionResult{User: user, AccessToken: access, RefreshToken: refresh}, nil
}

// verifyPreAuth validates a pre-auth token and that it awaits this method.
func (s *Service) verifyPreAuth(preAuth string, method token.Method) (*token.Claims, error) {
	claims, err := s.tokens.Verify(preAuth)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrTokenExpired):
		return nil, ErrSessionExpired
	default:
		return nil, ErrInvalidToken
	}
	if claims.Kind != token.KindPreAuth || claims.Method != method {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) checkCaptcha(ctx context.Context, proof, ip string) error {
	err := s.captcha.Verify(ctx, proof, ip)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, captcha.ErrFailed):
		return ErrCaptchaFailed
	default:
		return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
}

func (s *Service) event(user model.User, meta Meta, detail string) audit.Event {
	id := user.ID
	return audit.Event{
		UserID:    &id,
		Email:     user.Email,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail:    detail,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// normalizeCode uppercases and strips all embedded whitespace.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.Join(strings.Fields(code), ""))
}

func loginOTPKey(email string) string { return "login:" + email }
func resetOTPKey(email string) string { return "reset:" + email }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
