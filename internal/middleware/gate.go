package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/token"
)

// Cookie names shared between the gate and the auth handlers.
const (
	CookieAccess     = "accessToken"
	CookieRefresh    = "refreshToken"
	CookieOTPTemp    = "otp_temp_token"
	CookieTOTPTemp   = "totp_temp_token"
	CookieTOTPMark   = "totp_verified"
	CookieReset      = "password_reset_token"
	CookieResetFinal = "password_reset_final_token"
	CookieOAuthState = "oauth_state"
)

// Browser destinations the gate redirects to.
const (
	SignInPath     = "/sign-in"
	VerifyOTPPath  = "/verify-otp"
	VerifyTOTPPath = "/verify-totp"
	HomePath       = "/"
)

type contextKey string

const identityKey contextKey = "identity"

// RoleRule requires a role for every path under a prefix.
type RoleRule struct {
	Prefix string
	Role   model.Role
}

// Gate fences protected paths. Requests without a verified session token are
// redirected to the step of the login flow they actually stand at; requests
// with one proceed with the claims attached to the context.
type Gate struct {
	tokens *token.Service
	public []string
	roles  []RoleRule
}

// NewGate builds the gate. Public entries match exactly or as a path prefix.
func NewGate(tokens *token.Service, public []string, roles []RoleRule) *Gate {
	return &Gate{tokens: tokens, public: public, roles: roles}
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(CookieAccess)
		if err != nil || cookie.Value == "" {
			g.redirectPending(w, r)
			return
		}

		claims, err := g.tokens.Verify(cookie.Value)
		if err != nil {
			g.expireSession(w, r)
			return
		}

		// A pre-auth token means the login stopped halfway: send the
		// request to the factor step, not into the protected page.
		if token.RequiresSecondFactor(claims) {
			redirect(w, r, factorURL(claims.Method, r.URL.Path))
			return
		}
		if claims.Kind != token.KindSession {
			g.expireSession(w, r)
			return
		}

		if rule, ok := g.roleFor(r.URL.Path); ok && claims.Role != rule.Role {
			// Wrong role: bounce home without confirming the resource
			// exists.
			redirect(w, r, HomePath)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Identity returns the verified claims the gate attached to the request.
func Identity(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(identityKey).(*token.Claims)
	return claims, ok
}

func (g *Gate) isPublic(path string) bool {
	for _, p := range g.public {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func (g *Gate) roleFor(path string) (RoleRule, bool) {
	for _, rule := range g.roles {
		if path == rule.Prefix || strings.HasPrefix(path, rule.Prefix+"/") {
			return rule, true
		}
	}
	return RoleRule{}, false
}

// redirectPending handles a request with no session cookie. A live pre-auth
// cookie names the factor step the login is waiting on; otherwise the
// request goes to sign-in with the original path preserved.
func (g *Gate) redirectPending(w http.ResponseWriter, r *http.Request) {
	pending := []struct {
		cookie string
		method token.Method
	}{
		{CookieTOTPTemp, token.MethodTOTP},
		{CookieOTPTemp, token.MethodOTP},
	}
	for _, p := range pending {
		cookie, err := r.Cookie(p.cookie)
		if err != nil || cookie.Value == "" {
			continue
		}
		claims, err := g.tokens.Verify(cookie.Value)
		if err != nil || !token.RequiresSecondFactor(claims) || claims.Method != p.method {
			continue
		}
		redirect(w, r, factorURL(p.method, r.URL.Path))
		return
	}
	redirect(w, r, gateURL(SignInPath, "", r.URL.Path))
}

func (g *Gate) expireSession(w http.ResponseWriter, r *http.Request) {
	clearCookie(w, CookieAccess)
	clearCookie(w, CookieRefresh)
	redirect(w, r, gateURL(SignInPath, "session_expired", r.URL.Path))
}

func factorURL(method token.Method, returnTo string) string {
	base := VerifyOTPPath
	if method == token.MethodTOTP {
		base = VerifyTOTPPath
	}
	return gateURL(base, "", returnTo)
}

// gateURL builds a redirect target. Only the requested path travels in the
// URL, never identity details.
func gateURL(base, reason, returnTo string) string {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	if returnTo != "" && returnTo != HomePath {
		q.Set("return_to", returnTo)
	}
	if len(q) == 0 {
		return base
	}
	return base + "?" + q.Encode()
}

func redirect(w http.ResponseWriter, r *http.Request, target string) {
	http.Redirect(w, r, target, http.StatusFound)
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
