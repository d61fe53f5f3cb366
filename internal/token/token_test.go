package token

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/server/internal/model"
)

func testUser() model.User {
	return model.User{
		ID:    uuid.New(),
		Email: "alice@example.com",
		Name:  "Alice",
		Role:  model.RoleUser,
	}
}

func TestIssueAndVerify_AllKinds(t *testing.T) {
	svc := NewService("test-signing-secret-at-least-32-chars", "keyfold")
	u := testUser()

	preAuth, err := svc.IssuePreAuth(u, MethodTOTP)
	require.NoError(t, err)
	session, err := svc.IssueSession(u)
	require.NoError(t, err)
	reset, err := svc.IssueReset(u, MethodOTP)
	require.NoError(t, err)
	resetFinal, jti, err := svc.IssueResetFinal(u)
	require.NoError(t, err)
	require.NotEmpty(t, jti)

	cases := []struct {
		name   string
		token  string
		kind   Kind
		method Method
	}{
		{"pre-auth", preAuth, KindPreAuth, MethodTOTP},
		{"session", session, KindSession, ""},
		{"reset", reset, KindReset, MethodOTP},
		{"reset-final", resetFinal, KindResetFinal, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims, err := svc.Verify(tc.token)
			require.NoError(t, err)
			assert.Equal(t, u.ID, claims.UserID)
			assert.Equal(t, u.Email, claims.Email)
			assert.Equal(t, u.Role, claims.Role)
			assert.Equal(t, tc.kind, claims.Kind)
			assert.Equal(t, tc.method, claims.Method)
			assert.Equal(t, "keyfold", claims.Issuer)
			assert.NotEmpty(t, claims.ID, "jti must always be set")
		})
	}

	claims, err := svc.Verify(resetFinal)
	require.NoError(t, err)
	assert.Equal(t, jti, claims.ID, "returned jti must match the token's jti")
}

func TestRequiresSecondFactor_TruthTable(t *testing.T) {
	assert.True(t, RequiresSecondFactor(&Claims{Kind: KindPreAuth}))
	assert.False(t, RequiresSecondFactor(&Claims{Kind: KindSession}))
	assert.False(t, RequiresSecondFactor(&Claims{Kind: KindReset}))
	assert.False(t, RequiresSecondFactor(&Claims{Kind: KindResetFinal}))
	assert.False(t, RequiresSecondFactor(nil))
}

func TestVerify_Expired(t *testing.T) {
	svc := NewService("test-signing-secret-at-least-32-chars", "keyfold")
	expired, err := svc.sign(testUser(), KindSession, "", -time.Minute, uuid.NewString())
	require.NoError(t, err)

	_, err = svc.Verify(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerify_Malformed(t *testing.T) {
	svc := NewService("test-signing-secret-at-least-32-chars", "keyfold")

	for _, tok := range []string{"", "garbage", "a.b", "a.b.c"} {
		_, err := svc.Verify(tok)
		assert.ErrorIs(t, err, ErrTokenMalformed, "token %q", tok)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	mint := NewService("secret-one-aaaaaaaaaaaaaaaaaaaaaaaaa", "keyfold")
	check := NewService("secret-two-bbbbbbbbbbbbbbbbbbbbbbbbb", "keyfold")

	tok, err := mint.IssueSession(testUser())
	require.NoError(t, err)

	_, err = check.Verify(tok)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerify_WrongIssuer(t *testing.T) {
	mint := NewService("test-signing-secret-at-least-32-chars", "someone-else")
	check := NewService("test-signing-secret-at-least-32-chars", "keyfold")

	tok, err := mint.IssueSession(testUser())
	require.NoError(t, err)

	_, err = check.Verify(tok)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestDecodeUnsafe(t *testing.T) {
	svc := NewService("test-signing-secret-at-least-32-chars", "keyfold")
	u := testUser()

	// Expired and foreign-key tokens still decode; only parsing matters.
	expired, err := svc.sign(u, KindSession, "", -time.Minute, uuid.NewString())
	require.NoError(t, err)
	claims := svc.DecodeUnsafe(expired)
	require.NotNil(t, claims)
	assert.Equal(t, u.ID, claims.UserID)

	other := NewService("another-secret-cccccccccccccccccccc", "keyfold")
	foreign, err := other.IssueSession(u)
	require.NoError(t, err)
	claims = svc.DecodeUnsafe(foreign)
	require.NotNil(t, claims)
	assert.Equal(t, u.Email, claims.Email)

	assert.Nil(t, svc.DecodeUnsafe("not-a-token"))
	assert.Nil(t, svc.DecodeUnsafe(""))
}

func TestGenerateRefreshToken(t *testing.T) {
	tok, hash, err := GenerateRefreshToken()
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.Len(t, hash, 64, "sha256 hex is 64 chars")
	assert.Equal(t, hash, HashRefreshToken(tok))

	tok2, hash2, err := GenerateRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, tok2)
	assert.NotEqual(t, hash, hash2)
}
