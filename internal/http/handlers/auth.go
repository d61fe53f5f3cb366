// Package handlers maps the HTTP surface onto the auth service. Handlers
// decode and validate request bodies, translate service failures to stable
// client-safe responses, and own the cookie lifecycle; all authentication
// decisions live in the service.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/keyfold/server/internal/auth"
	"github.com/keyfold/server/internal/middleware"
	"github.com/keyfold/server/internal/oauth"
	"github.com/keyfold/server/internal/repo"
	"github.com/keyfold/server/internal/token"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	svc       *auth.Service
	users     repo.UserRepo
	providers *oauth.Registry
	publicURL string
	cookies   cookieWriter
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(svc *auth.Service, users repo.UserRepo, providers *oauth.Registry, publicURL string, secureCookies bool) *AuthHandler {
	return &AuthHandler{
		svc:       svc,
		users:     users,
		providers: providers,
		publicURL: strings.TrimRight(publicURL, "/"),
		cookies:   cookieWriter{secure: secureCookies},
	}
}

// registerRequest is the request body for POST /auth/register
type registerRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captchaToken"`
}

// loginRequest is the request body for POST /auth/login
type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captchaToken"`
}

// loginResponse reports which factor step the login now waits on. No session
// cookie is set until that step verifies.
type loginResponse struct {
	Message      string `json:"message"`
	RequiresTOTP bool   `json:"requiresTOTP"`
	OTPSent      bool   `json:"otpSent"`
}

// verifyCodeRequest is the request body for the factor-verification endpoints
type verifyCodeRequest struct {
	Code       string `json:"code"`
	BackupCode string `json:"backupCode,omitempty"`
	// Token is an alternative to the temp cookie for non-browser clients.
	Token string `json:"token,omitempty"`
}

// sessionResponse is the JSON response for a completed login
type sessionResponse struct {
	Message string       `json:"message"`
	User    userResponse `json:"user"`
}

// userResponse is the user object in API responses
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// HandleRegister handles POST /auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	res, err := h.svc.Register(r.Context(), req.Email, req.Name, req.Password, req.CaptchaToken, clientMeta(r))
	if err != nil {
		slog.Info("registration rejected", "source", "http", "email", maskEmail(req.Email), "reason", err.Error())
		respondAuthError(w, r, err)
		return
	}

	h.cookies.setPreAuthCookie(w, res)
	respondWithJSON(w, http.StatusCreated, loginResponse{
		Message: "verification code sent",
		OTPSent: true,
	})
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	res, err := h.svc.Login(r.Context(), req.Email, req.Password, req.CaptchaToken, clientMeta(r))
	if err != nil {
		respondAuthError(w, r, err)
		return
	}

	h.cookies.setPreAuthCookie(w, res)
	respondWithJSON(w, http.StatusOK, loginResponse{
		Message:      "second factor required",
		RequiresTOTP: res.Method == token.MethodTOTP,
		OTPSent:      res.Method == token.MethodOTP,
	})
}

// resendOTPRequest is the request body for POST /auth/login/request-otp.
// With a live pre-auth cookie the credentials may be omitted.
type resendOTPRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captchaToken"`
	Token        string `json:"token,omitempty"`
}

// HandleRequestOTP handles POST /auth/login/request-otp. Dual mode: a valid
// pre-auth token resends for that identity; otherwise the submitted
// credentials rerun the whole password step.
func (h *AuthHandler) HandleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var req resendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	preAuth := req.Token
	if preAuth == "" {
		preAuth = cookieValue(r, middleware.CookieOTPTemp)
	}
	if preAuth == "" && (strings.TrimSpace(req.Email) == "" || req.Password == "") {
		respondWithError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	res, err := h.svc.ResendOTP(r.Context(), preAuth, req.Email, req.Password, req.CaptchaToken, clientMeta(r))
	if err != nil {
		respondAuthError(w, r, err)
		return
	}

	h.cookies.setPreAuthCookie(w, res)
	respondWithJSON(w, http.StatusOK, loginResponse{
		Message:      "verification code sent",
		RequiresTOTP: res.Method == token.MethodTOTP,
		OTPSent:      res.Method == token.MethodOTP,
	})
}

// HandleVerifyOTP handles POST /auth/verify-otp
func (h *AuthHandler) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		respondWithError(w, http.StatusBadRequest, "code is required")
		return
	}

	preAuth := req.Token
	if preAuth == "" {
		preAuth = cookieValue(r, middleware.CookieOTPTemp)
	}
	if preAuth == "" {
		respondWithError(w, http.StatusUnauthorized, auth.ErrSessionExpired.Error())
		return
	}

	sess, err := h.svc.VerifyOTP(r.Context(), preAuth, strings.TrimSpace(req.Code), clientMeta(r))
	if err != nil {
		respondAuthError(w, r, err)
		return
	}

	h.cookies.setSessionCookies(w, sess)
	respondWithJSON(w, http.StatusOK, sessionResponse{
		Message: "signed in",
		User:    h.user(sess),
	})
}

// HandleVerifyTOTP handles POST /auth/verify-totp. Accepts either an
// authenticator code or a backup code.
func (h *AuthHandler) HandleVerifyTOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" && strings.TrimSpace(req.BackupCode) == "" {
		respondWithError(w, http.StatusBadRequest, "code or backupCode is required")
		return
	}

	preAuth := req.Token
	if preAuth == "" {
		preAuth = cookieValue(r, middleware.CookieTOTPTemp)
	}
	if preAuth == "" {
		respondWithError(w, http.StatusUnauthorized, auth.ErrSessionExpired.Error())
		return
	}

	sess, err := h.svc.VerifyTOTP(r.Context(), preAuth, strings.TrimSpace(req.Code), strings.TrimSpace(req.BackupCode), clientMeta(r))
	if err != nil {
		respondAuthError(w, r, err)
		return
	}

	h.cookies.setSessionCookies(w, sess)
	h.cookies.set(w, middleware.CookieTOTPMark, "1", totpMarkerTTL)
	respondWithJSON(w, http.StatusOK, sessionResponse{
		Message: "signed in",
		User:    h.user(sess),
	})
}

// refreshRequest is the request body for POST /auth/refresh; the cookie is
// preferred when both are present.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// HandleRefresh handles POST /auth/refresh
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	presented := cookieValue(r, middleware.CookieRefresh)
	if presented == "" {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			presented = strings.TrimSpace(req.RefreshToken)
		}
	}
	if presented == "" {
		respondWithError(w, http.StatusUnauthorized, "refresh token is required")
		return
	}

	sess, err := h.svc.RefreshTokens(r.Context(), presented, clientMeta(r))
	if err != nil {
		// Whatever went wrong, the presented cookies are no longer usable.
		h.cookies.clear(w, middleware.CookieAccess, middleware.CookieRefresh)
		respondAuthError(w, r, err)
		return
	}

	h.cookies.setSessionCookies(w, sess)
	respondWithJSON(w, http.StatusOK, sessionResponse{
		Message: "session refreshed",
		User:    h.user(sess),
	})
}

// HandleLogout handles POST /auth/logout. Always clears the client's cookies
// even when no server-side record matches them.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.svc.Logout(r.Context(), cookieValue(r, middleware.CookieRefresh), cookieValue(r, middleware.CookieAccess), clientMeta(r))

	h.cookies.clear(w,
		middleware.CookieAccess,
		middleware.CookieRefresh,
		middleware.CookieOTPTemp,
		middleware.CookieTOTPTemp,
		middleware.CookieTOTPMark,
	)
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe handles GET /me (protected). Returns the identity the gate
// attached to the request context.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.Identity(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	respondWithJSON(w, http.StatusOK, userResponse{
		ID:    claims.UserID.String(),
		Email: claims.Email,
		Name:  claims.Name,
		Role:  string(claims.Role),
	})
}

// HandleListUsers handles GET /admin/users (protected, ADMIN only).
func (h *AuthHandler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)

	users, err := h.users.List(r.Context(), limit, offset)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}

	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse{
			ID:    u.ID.String(),
			Email: u.Email,
			Name:  u.Name,
			Role:  string(u.Role),
		})
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"users": out})
}

// HandleHealth handles GET /health
func (h *AuthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *AuthHandler) user(sess auth.SessionResult) userResponse {
	return userResponse{
		ID:    sess.User.ID.String(),
		Email: sess.User.Email,
		Name:  sess.User.Name,
		Role:  string(sess.User.Role),
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
