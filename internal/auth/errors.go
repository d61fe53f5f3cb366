package auth

import "errors"

// Failure classes surfaced to the route boundary. Handlers map these to
// stable client-safe messages and status codes; anything not listed here is
// an internal error and surfaces only as a generic failure.
var (
	// ErrInvalidCredentials covers unknown email and wrong password alike,
	// so a response never confirms whether an account exists.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrEmailTaken rejects registration for an address already in use.
	ErrEmailTaken = errors.New("email already registered")

	// ErrPasswordTooShort rejects passwords under the minimum length.
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")

	// ErrAccountInactive refuses login for a disabled account. Only returned
	// after the password check passes, so it carries no enumeration signal.
	ErrAccountInactive = errors.New("account is not active")

	// ErrVerificationUnavailable means the anti-automation service could not
	// be reached. Surfaces as 503 before any password work happens.
	ErrVerificationUnavailable = errors.New("verification service unavailable")

	// ErrCaptchaFailed means the anti-automation service rejected the proof
	// token. Says nothing about any account.
	ErrCaptchaFailed = errors.New("captcha verification failed")

	// ErrInvalidCode covers OTP, TOTP and backup-code mismatch or expiry.
	ErrInvalidCode = errors.New("invalid or expired code")

	// ErrFactorLocked refuses factor verification while the lockout window
	// is open, regardless of code validity. HTTP 423.
	ErrFactorLocked = errors.New("too many failed attempts, try again later")

	// ErrSessionExpired marks an expired access or pre-auth token.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidToken marks a token that fails signature, issuer, or kind
	// checks.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSetupExpired means an enrollment envelope could not be decrypted.
	// The client must restart enrollment; this is never fatal.
	ErrSetupExpired = errors.New("setup session expired, restart enrollment")

	// ErrRefreshReuseDetected marks presentation of an already-rotated
	// refresh token. Every session for the user is revoked in response.
	ErrRefreshReuseDetected = errors.New("refresh token reuse detected")

	// ErrRateLimited throttles repeated credential or code-dispatch attempts.
	ErrRateLimited = errors.New("too many requests, try again later")

	// ErrDownstream wraps email-collaborator failures. HTTP 503.
	ErrDownstream = errors.New("service temporarily unavailable")

	// ErrTOTPNotEnabled rejects factor operations for accounts without TOTP.
	ErrTOTPNotEnabled = errors.New("totp is not enabled")

	// ErrTOTPAlreadyEnabled rejects re-enrollment while TOTP is active.
	ErrTOTPAlreadyEnabled = errors.New("totp is already enabled")
)
