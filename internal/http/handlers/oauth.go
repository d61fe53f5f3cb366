package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keyfold/server/internal/middleware"
	"github.com/keyfold/server/internal/oauth"
	"github.com/keyfold/server/internal/token"
)

// HandleOAuthStart handles GET /auth/oauth/{provider}. Stamps a state cookie
// binding the redirect to this browser and sends the client to the
// provider's consent page.
func (h *AuthHandler) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providers.Get(chi.URLParam(r, "provider"))
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown provider")
		return
	}

	state, err := oauth.GenerateState()
	if err != nil {
		respondAuthError(w, r, err)
		return
	}

	h.cookies.set(w, middleware.CookieOAuthState, state, oauthStateTTL)
	http.Redirect(w, r, provider.AuthURL(state), http.StatusFound)
}

// HandleOAuthCallback handles GET /auth/oauth/{provider}/callback. On
// success the browser lands on the factor-verification page with a pre-auth
// cookie: signing in with a provider never bypasses the second factor.
func (h *AuthHandler) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providers.Get(chi.URLParam(r, "provider"))
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown provider")
		return
	}

	// State check first: a mismatch means the redirect was not initiated by
	// this browser.
	state := r.URL.Query().Get("state")
	if state == "" || state != cookieValue(r, middleware.CookieOAuthState) {
		h.cookies.clear(w, middleware.CookieOAuthState)
		h.redirectSignIn(w, r, "oauth_state_mismatch")
		return
	}
	h.cookies.clear(w, middleware.CookieOAuthState)

	code := r.URL.Query().Get("code")
	if code == "" {
		// The provider reported an error or the user cancelled consent.
		h.redirectSignIn(w, r, "oauth_cancelled")
		return
	}

	profile, err := provider.Exchange(r.Context(), code)
	if err != nil {
		slog.Error("oauth exchange failed", "source", "http", "provider", provider.Name(), "error", err.Error())
		h.redirectSignIn(w, r, "oauth_failed")
		return
	}

	res, err := h.svc.LoginWithProfile(r.Context(), *profile, clientMeta(r))
	if err != nil {
		slog.Error("oauth login failed", "source", "http", "provider", provider.Name(), "email", maskEmail(profile.Email), "error", err.Error())
		h.redirectSignIn(w, r, "oauth_failed")
		return
	}

	h.cookies.setPreAuthCookie(w, res)

	target := h.publicURL + middleware.VerifyOTPPath
	if res.Method == token.MethodTOTP {
		target = h.publicURL + middleware.VerifyTOTPPath
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *AuthHandler) redirectSignIn(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, h.publicURL+middleware.SignInPath+"?reason="+reason, http.StatusFound)
}
