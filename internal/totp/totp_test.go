package totp

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    period,
		Skew:      skew,
		Digits:    digits,
		Algorithm: algorithm,
	})
	require.NoError(t, err)
	return code
}

func TestGenerate(t *testing.T) {
	engine := NewEngine("Keyfold")

	enrollment, err := engine.Generate("alice@example.com")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(enrollment.Secret), 32, "secret must be at least 32 base32 chars")
	assert.NotContains(t, enrollment.Secret, "=", "secret must not carry base32 padding")
	assert.Contains(t, enrollment.URI, "otpauth://totp/")
	assert.Contains(t, enrollment.URI, "Keyfold")

	require.NotEmpty(t, enrollment.QRPNGBase64)
	raw, err := base64.StdEncoding.DecodeString(enrollment.QRPNGBase64)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), raw[:4], "QR payload must be a PNG")
}

func TestVerify_CurrentCode(t *testing.T) {
	engine := NewEngine("Keyfold")
	enrollment, err := engine.Generate("alice@example.com")
	require.NoError(t, err)

	code := codeAt(t, enrollment.Secret, time.Now().UTC())
	assert.True(t, engine.Verify(code, enrollment.Secret))
}

func TestVerify_SkewWindow(t *testing.T) {
	engine := NewEngine("Keyfold")
	enrollment, err := engine.Generate("alice@example.com")
	require.NoError(t, err)

	now := time.Now().UTC()

	// One step either side is inside the tolerance window.
	assert.True(t, engine.Verify(codeAt(t, enrollment.Secret, now.Add(-period*time.Second)), enrollment.Secret))
	assert.True(t, engine.Verify(codeAt(t, enrollment.Secret, now.Add(period*time.Second)), enrollment.Secret))

	// Three steps away is not.
	assert.False(t, engine.Verify(codeAt(t, enrollment.Secret, now.Add(-3*period*time.Second)), enrollment.Secret))
	assert.False(t, engine.Verify(codeAt(t, enrollment.Secret, now.Add(3*period*time.Second)), enrollment.Secret))
}

func TestVerify_StripsWhitespace(t *testing.T) {
	engine := NewEngine("Keyfold")
	enrollment, err := engine.Generate("alice@example.com")
	require.NoError(t, err)

	code := codeAt(t, enrollment.Secret, time.Now().UTC())
	spaced := code[:3] + " " + code[3:]
	assert.True(t, engine.Verify(spaced, enrollment.Secret))
	assert.True(t, engine.Verify("  "+code+"\t", enrollment.Secret))
}

func TestVerify_Rejects(t *testing.T) {
	engine := NewEngine("Keyfold")
	enrollment, err := engine.Generate("alice@example.com")
	require.NoError(t, err)

	assert.False(t, engine.Verify("", enrollment.Secret))
	assert.False(t, engine.Verify("   ", enrollment.Secret))
	assert.False(t, engine.Verify("abcdef", enrollment.Secret))
	assert.False(t, engine.Verify("123456", "not-base32!!"))
}

func TestVerify_SecretsAreIndependent(t *testing.T) {
	engine := NewEngine("Keyfold")
	a, err := engine.Generate("alice@example.com")
	require.NoError(t, err)
	b, err := engine.Generate("bob@example.com")
	require.NoError(t, err)

	code := codeAt(t, a.Secret, time.Now().UTC())
	assert.False(t, engine.Verify(code, b.Secret), "a code for one secret must not verify against another")
}
