package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/keyfold/server/internal/auth"
	"github.com/keyfold/server/internal/middleware"
	"github.com/keyfold/server/internal/token"
)

// Cookie lifetimes. The marker cookie outlives the access token so the
// browser remembers the factor was satisfied across one refresh cycle.
const (
	totpMarkerTTL = 30 * time.Minute
	oauthStateTTL = 10 * time.Minute
)

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}

// respondWithJSON sends a JSON response with the given status code
func respondWithJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response failed", "source", "http", "error", err.Error())
	}
}

// respondAuthError maps a service failure to its client-safe status and
// message. Unrecognized errors are logged with detail server-side and
// surface only as a generic 500.
func respondAuthError(w http.ResponseWriter, r *http.Request, err error) {
	type mapping struct {
		sentinel error
		status   int
	}
	mappings := []mapping{
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{auth.ErrEmailTaken, http.StatusConflict},
		{auth.ErrPasswordTooShort, http.StatusBadRequest},
		{auth.ErrAccountInactive, http.StatusForbidden},
		{auth.ErrVerificationUnavailable, http.StatusServiceUnavailable},
		{auth.ErrCaptchaFailed, http.StatusBadRequest},
		{auth.ErrInvalidCode, http.StatusBadRequest},
		{auth.ErrFactorLocked, http.StatusLocked},
		{auth.ErrSessionExpired, http.StatusUnauthorized},
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{auth.ErrSetupExpired, http.StatusGone},
		{auth.ErrRefreshReuseDetected, http.StatusUnauthorized},
		{auth.ErrRateLimited, http.StatusTooManyRequests},
		{auth.ErrDownstream, http.StatusServiceUnavailable},
		{auth.ErrTOTPNotEnabled, http.StatusBadRequest},
		{auth.ErrTOTPAlreadyEnabled, http.StatusConflict},
	}
	for _, m := range mappings {
		if errors.Is(err, m.sentinel) {
			respondWithError(w, m.status, m.sentinel.Error())
			return
		}
	}

	slog.Error("internal error", "source", "http", "path", r.URL.Path, "error", err.Error())
	respondWithError(w, http.StatusInternalServerError, "internal server error")
}

// cookieWriter stamps auth cookies with consistent attributes. Secure is on
// in production only, so local HTTP development still round-trips cookies.
type cookieWriter struct {
	secure bool
}

func (c cookieWriter) set(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c cookieWriter) clear(w http.ResponseWriter, names ...string) {
	for _, name := range names {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   c.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// setSessionCookies stamps the final access and refresh cookies and drops
// every intermediate login cookie.
func (c cookieWriter) setSessionCookies(w http.ResponseWriter, sess auth.SessionResult) {
	c.clear(w, middleware.CookieOTPTemp, middleware.CookieTOTPTemp)
	c.set(w, middleware.CookieAccess, sess.AccessToken, token.SessionTTL)
	c.set(w, middleware.CookieRefresh, sess.RefreshToken, token.RefreshTTL)
}

// setPreAuthCookie stamps the temp cookie matching the pending factor and
// clears the other, so at most one pre-auth cookie is ever live.
func (c cookieWriter) setPreAuthCookie(w http.ResponseWriter, res auth.LoginResult) {
	if res.Method == token.MethodTOTP {
		c.clear(w, middleware.CookieOTPTemp)
		c.set(w, middleware.CookieTOTPTemp, res.PreAuthToken, token.PreAuthTTL)
		return
	}
	c.clear(w, middleware.CookieTOTPTemp)
	c.set(w, middleware.CookieOTPTemp, res.PreAuthToken, token.PreAuthTTL)
}

// cookieValue returns the named cookie's value, or "" when absent.
func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// clientMeta collects the request details carried into sessions and audit
// entries. RealIP runs ahead of the handlers, so RemoteAddr names the client.
func clientMeta(r *http.Request) auth.Meta {
	return auth.Meta{
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// maskEmail masks an address for logging (e.g. jo****@example.com)
func maskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return "****"
	}
	local := email[:at]
	if len(local) <= 2 {
		return "****" + email[at:]
	}
	return local[:2] + strings.Repeat("*", len(local)-2) + email[at:]
}
