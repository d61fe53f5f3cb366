// Package totp wraps time-based one-time password generation and
// verification. Generation and verification share one parameter set; if they
// ever drifted apart, enrolled authenticators would silently stop validating.
package totp

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	period     = 30
	skew       = 1
	secretSize = 32
	qrSidePx   = 200
)

var (
	digits    = otp.DigitsSix
	algorithm = otp.AlgorithmSHA1
)

// Enrollment is everything a client needs to register an authenticator.
// QRPNGBase64 may be empty when QR rendering failed; the manual-entry Secret
// is always present, so enrollment never fails on rendering alone.
type Enrollment struct {
	Secret      string
	URI         string
	QRPNGBase64 string
}

// Engine generates secrets and verifies submitted codes.
type Engine struct {
	issuer string
}

// NewEngine creates an engine labeling provisioning URIs with issuer.
func NewEngine(issuer string) *Engine {
	return &Engine{issuer: issuer}
}

// Generate creates a fresh secret and provisioning material for the account.
func (e *Engine) Generate(account string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: account,
		Period:      period,
		SecretSize:  secretSize,
		Digits:      digits,
		Algorithm:   algorithm,
	})
	if err != nil {
		return Enrollment{}, err
	}

	enrollment := Enrollment{
		Secret: key.Secret(),
		URI:    key.URL(),
	}

	// QR failure falls back to manual entry, never a failed enrollment.
	if qr, err := renderQRCode(key); err == nil {
		enrollment.QRPNGBase64 = qr
	}

	return enrollment, nil
}

// Verify checks a submitted code against the secret, accepting the current
// time step plus or minus one step of clock skew. Embedded whitespace in the
// code is stripped before comparison.
func (e *Engine) Verify(code, secret string) bool {
	normalized := strings.Join(strings.Fields(code), "")
	if normalized == "" {
		return false
	}
	ok, err := totp.ValidateCustom(normalized, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    period,
		Skew:      skew,
		Digits:    digits,
		Algorithm: algorithm,
	})
	if err != nil {
		return false
	}
	return ok
}

// renderQRCode returns the key's QR code as a base64-encoded PNG.
func renderQRCode(key *otp.Key) (string, error) {
	img, err := key.Image(qrSidePx, qrSidePx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
