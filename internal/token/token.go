package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
)

const (
	// PreAuthTTL bounds the window between the password step and the factor step.
	PreAuthTTL = 10 * time.Minute
	// SessionTTL is the lifetime of a final access token.
	SessionTTL = 15 * time.Minute
	// ResetTTL covers the identity-proof stage of a password reset.
	ResetTTL = 10 * time.Minute
	// ResetFinalTTL authorizes exactly one password commit.
	ResetFinalTTL = 5 * time.Minute
	// RefreshTTL is the lifetime of the opaque refresh token record.
	RefreshTTL = 7 * 24 * time.Hour
)

// Kind tags what a token proves. The set is closed: every claims value
// carries exactly one of these, and the request gate branches on it alone.
type Kind string

const (
	// KindPreAuth marks "password (or OAuth) verified, second factor pending".
	KindPreAuth Kind = "preauth"
	// KindSession marks a fully authenticated session.
	KindSession Kind = "session"
	// KindReset proves identity during a password reset, before the factor step.
	KindReset Kind = "reset"
	// KindResetFinal authorizes a single password update.
	KindResetFinal Kind = "reset_final"
)

// Method names the second factor a pre-auth or reset token is waiting on.
type Method string

const (
	MethodOTP  Method = "otp"
	MethodTOTP Method = "totp"
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenInvalid   = errors.New("token invalid")
)

// Claims is the payload of every signed token.
type Claims struct {
	UserID uuid.UUID  `json:"sub"`
	Email  string     `json:"email"`
	Name   string     `json:"name,omitempty"`
	Role   model.Role `json:"role"`
	Kind   Kind       `json:"kind"`
	Method Method     `json:"method,omitempty"`
	jwt.RegisteredClaims
}

// RequiresSecondFactor reports whether the claims still await a factor step.
// Total over the closed kind set: only a pre-auth token returns true.
func RequiresSecondFactor(c *Claims) bool {
	return c != nil && c.Kind == KindPreAuth
}

// Service mints and verifies signed tokens. HMAC-SHA256 over a server-held
// secret; the issuer claim is checked on every verification.
type Service struct {
	secret []byte
	issuer string
}

// NewService creates a token service for the given signing secret and issuer.
func NewService(secret, issuer string) *Service {
	return &Service{
		secret: []byte(secret),
		issuer: issuer,
	}
}

// IssuePreAuth mints a short-lived token marking the factor step as pending.
func (s *Service) IssuePreAuth(u model.User, method Method) (string, error) {
	return s.issue(u, KindPreAuth, method, PreAuthTTL)
}

// IssueSession mints a final session token.
func (s *Service) IssueSession(u model.User) (string, error) {
	return s.issue(u, KindSession, "", SessionTTL)
}

// IssueReset mints an identity-proof token for the password-reset flow,
// pending the given factor method.
func (s *Service) IssueReset(u model.User, method Method) (string, error) {
	return s.issue(u, KindReset, method, ResetTTL)
}

// IssueResetFinal mints the single-use password-commit token and returns its
// jti so the caller can register it for one-shot consumption.
func (s *Service) IssueResetFinal(u model.User) (token string, jti string, err error) {
	jti = uuid.NewString()
	token, err = s.sign(u, KindResetFinal, "", ResetFinalTTL, jti)
	return token, jti, err
}

func (s *Service) issue(u model.User, kind Kind, method Method, ttl time.Duration) (string, error) {
	return s.sign(u, kind, method, ttl, uuid.NewString())
}

func (s *Service) sign(u model.User, kind Kind, method Method, ttl time.Duration, jti string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: u.ID,
		Email:  u.Email,
		Name:   u.Name,
		Role:   u.Role,
		Kind:   kind,
		Method: method,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token: signature, expiry, and issuer.
// Failures map to ErrTokenExpired, ErrTokenMalformed, or ErrTokenInvalid.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithIssuer(s.issuer))
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		default:
			return nil, ErrTokenInvalid
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// DecodeUnsafe parses claims without verifying the signature. Returns nil on
// any parse failure. Only for non-security-critical extraction, such as
// reading the subject at logout to cascade session deletion; never use the
// result for an authorization decision.
func (s *Service) DecodeUnsafe(tokenString string) *Claims {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil
	}
	return claims
}
