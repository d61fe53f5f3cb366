package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/token"
)

func newTestGate() (*Gate, *token.Service) {
	tokens := token.NewService("gate-test-secret-0123456789abcdef", "keyfold-test")
	gate := NewGate(tokens,
		[]string{"/auth", "/health", SignInPath, VerifyOTPPath, VerifyTOTPPath},
		[]RoleRule{{Prefix: "/admin", Role: model.RoleAdmin}},
	)
	return gate, tokens
}

func runGate(g *Gate, req *http.Request) (*httptest.ResponseRecorder, bool, *token.Claims) {
	var forwarded bool
	var claims *token.Claims
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded = true
		claims, _ = Identity(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, forwarded, claims
}

func testUser(role model.Role) model.User {
	return model.User{ID: uuid.New(), Email: "gate@example.com", Role: role}
}

func TestGate_PublicPassThrough(t *testing.T) {
	g, _ := newTestGate()

	for _, path := range []string{"/health", "/auth/login", "/auth/oauth/google/callback", "/sign-in"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec, forwarded, _ := runGate(g, req)
		assert.True(t, forwarded, "%s must pass without a token", path)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestGate_NoTokenRedirectsToSignIn(t *testing.T) {
	g, _ := newTestGate()

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	rec, forwarded, _ := runGate(g, req)

	assert.False(t, forwarded)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/sign-in?return_to=%2Fme", rec.Header().Get("Location"))
}

func TestGate_BadTokenExpiresSession(t *testing.T) {
	g, _ := newTestGate()

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: CookieAccess, Value: "not-a-token"})
	rec, forwarded, _ := runGate(g, req)

	assert.False(t, forwarded)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/sign-in?reason=session_expired&return_to=%2Fme", rec.Header().Get("Location"))

	// Both session cookies are cleared on the way out.
	cleared := map[string]bool{}
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			cleared[c.Name] = true
		}
	}
	assert.True(t, cleared[CookieAccess])
	assert.True(t, cleared[CookieRefresh])
}

func TestGate_PreAuthInSessionCookieGoesToFactorPage(t *testing.T) {
	g, tokens := newTestGate()

	preAuth, err := tokens.IssuePreAuth(testUser(model.RoleUser), token.MethodTOTP)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: CookieAccess, Value: preAuth})
	rec, forwarded, _ := runGate(g, req)

	assert.False(t, forwarded)
	assert.Equal(t, "/verify-totp?return_to=%2Fme", rec.Header().Get("Location"))
}

func TestGate_PendingFactorCookieRoutesByMethod(t *testing.T) {
	g, tokens := newTestGate()
	user := testUser(model.RoleUser)

	totpPre, err := tokens.IssuePreAuth(user, token.MethodTOTP)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: CookieTOTPTemp, Value: totpPre})
	rec, _, _ := runGate(g, req)
	assert.Equal(t, "/verify-totp?return_to=%2Fme", rec.Header().Get("Location"))

	otpPre, err := tokens.IssuePreAuth(user, token.MethodOTP)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: CookieOTPTemp, Value: otpPre})
	rec, _, _ = runGate(g, req)
	assert.Equal(t, "/verify-otp?return_to=%2Fme", rec.Header().Get("Location"))

	// A stale or forged pending cookie falls back to sign-in.
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: CookieTOTPTemp, Value: "garbage"})
	rec, _, _ = runGate(g, req)
	assert.Equal(t, "/sign-in?return_to=%2Fme", rec.Header().Get("Location"))
}

func TestGate_SessionTokenForwardsWithIdentity(t *testing.T) {
	g, tokens := newTestGate()
	user := testUser(model.RoleUser)

	access, err := tokens.IssueSession(user)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: CookieAccess, Value: access})
	rec, forwarded, claims := runGate(g, req)

	assert.True(t, forwarded)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, claims)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, user.Email, claims.Email)
	assert.Equal(t, model.RoleUser, claims.Role)
}

func TestGate_RoleMismatchBouncesHome(t *testing.T) {
	g, tokens := newTestGate()

	access, err := tokens.IssueSession(testUser(model.RoleUser))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.AddCookie(&http.Cookie{Name: CookieAccess, Value: access})
	rec, forwarded, _ := runGate(g, req)

	assert.False(t, forwarded)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, HomePath, rec.Header().Get("Location"), "the admin path must not be confirmed to exist")

	admin, err := tokens.IssueSession(testUser(model.RoleAdmin))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.AddCookie(&http.Cookie{Name: CookieAccess, Value: admin})
	_, forwarded, _ = runGate(g, req)
	assert.True(t, forwarded)
}

func TestGate_ResetTokenIsNotASession(t *testing.T) {
	g, tokens := newTestGate()

	reset, err := tokens.IssueReset(testUser(model.RoleUser), token.MethodOTP)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: CookieAccess, Value: reset})
	rec, forwarded, _ := runGate(g, req)

	assert.False(t, forwarded)
	assert.Contains(t, rec.Header().Get("Location"), "reason=session_expired")
}
