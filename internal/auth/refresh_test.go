package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/server/internal/audit"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/token"
)

func TestRefreshTokens_Rotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "alice@example.com", "password123")
	sess := f.otpLogin(t, "alice@example.com", "password123")

	next, err := f.svc.RefreshTokens(ctx, sess.RefreshToken, testMeta)
	require.NoError(t, err)
	assert.NotEmpty(t, next.AccessToken)
	assert.NotEqual(t, sess.RefreshToken, next.RefreshToken)

	// The old record is revoked and linked to its replacement.
	assert.Equal(t, 2, f.sessions.total())
	assert.Equal(t, 1, f.sessions.active(user.ID))
	old, err := f.sessions.FindByTokenHashIncludeRevoked(ctx, token.HashRefreshToken(sess.RefreshToken))
	require.NoError(t, err)
	assert.NotNil(t, old.RevokedAt)
	assert.NotNil(t, old.ReplacedBy)

	claims, err := f.tokens.Verify(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, token.KindSession, claims.Kind)
}

func TestRefreshTokens_ReuseDetection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "bob@example.com", "password123")
	sess := f.otpLogin(t, "bob@example.com", "password123")

	next, err := f.svc.RefreshTokens(ctx, sess.RefreshToken, testMeta)
	require.NoError(t, err)

	// The rotated-out token comes back: hostile replay.
	_, err = f.svc.RefreshTokens(ctx, sess.RefreshToken, testMeta)
	assert.ErrorIs(t, err, ErrRefreshReuseDetected)
	assert.True(t, f.auditLog.has(audit.ActionRefreshReuse))

	// The whole family died with it, including the newest token.
	assert.Zero(t, f.sessions.active(user.ID))
	_, err = f.svc.RefreshTokens(ctx, next.RefreshToken, testMeta)
	assert.ErrorIs(t, err, ErrRefreshReuseDetected)
}

func TestRefreshTokens_UnknownToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RefreshTokens(ctx, "", testMeta)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = f.svc.RefreshTokens(ctx, "never-issued-token", testMeta)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshTokens_InactiveUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "carol@example.com", "password123")
	sess := f.otpLogin(t, "carol@example.com", "password123")

	require.NoError(t, f.users.SetStatus(ctx, user.ID, model.StatusDisabled))

	_, err := f.svc.RefreshTokens(ctx, sess.RefreshToken, testMeta)
	assert.ErrorIs(t, err, ErrAccountInactive)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "dave@example.com", "password123")
	sess := f.otpLogin(t, "dave@example.com", "password123")
	require.Equal(t, 1, f.sessions.active(user.ID))

	f.svc.Logout(ctx, sess.RefreshToken, sess.AccessToken, testMeta)
	assert.Zero(t, f.sessions.active(user.ID))
	assert.True(t, f.auditLog.has(audit.ActionLogout))

	// Logging out again, or without a refresh token, never fails.
	f.svc.Logout(ctx, sess.RefreshToken, sess.AccessToken, testMeta)
	f.svc.Logout(ctx, "", sess.AccessToken, testMeta)
	f.svc.Logout(ctx, "", "", testMeta)
}

func TestLogout_OnlyTargetsPresentedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "erin@example.com", "password123")

	first := f.otpLogin(t, "erin@example.com", "password123")
	second := f.otpLogin(t, "erin@example.com", "password123")
	require.Equal(t, 2, f.sessions.active(user.ID))

	f.svc.Logout(ctx, first.RefreshToken, first.AccessToken, testMeta)

	// The other device stays signed in.
	assert.Equal(t, 1, f.sessions.active(user.ID))
	_, err := f.svc.RefreshTokens(ctx, second.RefreshToken, testMeta)
	assert.NoError(t, err)
}
