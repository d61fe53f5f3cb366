package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/keyfold/server/internal/auth"
	"github.com/keyfold/server/internal/middleware"
	"github.com/keyfold/server/internal/token"
)

// resetRequestRequest is the request body for POST /auth/password-reset/request
type resetRequestRequest struct {
	Email        string `json:"email"`
	CaptchaToken string `json:"captchaToken"`
}

// resetRequestResponse names the factor that must now verify. The body is
// identical for known and unknown emails.
type resetRequestResponse struct {
	Message      string `json:"message"`
	RequiresTOTP bool   `json:"requiresTOTP"`
}

// HandleResetRequest handles POST /auth/password-reset/request
func (h *AuthHandler) HandleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		respondWithError(w, http.StatusBadRequest, "email is required")
		return
	}

	start, err := h.svc.RequestPasswordReset(r.Context(), req.Email, req.CaptchaToken, clientMeta(r))
	if err != nil {
		respondAuthError(w, r, err)
		return
	}

	h.cookies.set(w, middleware.CookieReset, start.ResetToken, token.ResetTTL)
	respondWithJSON(w, http.StatusOK, resetRequestResponse{
		Message:      "if the account exists, a reset code was sent",
		RequiresTOTP: start.Method == token.MethodTOTP,
	})
}

// resetVerifyRequest is the request body for POST /auth/password-reset/verify
type resetVerifyRequest struct {
	Code       string `json:"code"`
	BackupCode string `json:"backupCode,omitempty"`
	Token      string `json:"token,omitempty"`
}

// HandleResetVerify handles POST /auth/password-reset/verify. Exchanges the
// reset token plus a valid factor proof for the single-use commit token.
func (h *AuthHandler) HandleResetVerify(w http.ResponseWriter, r *http.Request) {
	var req resetVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" && strings.TrimSpace(req.BackupCode) == "" {
		respondWithError(w, http.StatusBadRequest, "code or backupCode is required")
		return
	}

	resetToken := req.Token
	if resetToken == "" {
		resetToken = cookieValue(r, middleware.CookieReset)
	}
	if resetToken == "" {
		respondWithError(w, http.StatusUnauthorized, auth.ErrSessionExpired.Error())
		return
	}

	final, err := h.svc.VerifyPasswordReset(r.Context(), resetToken, strings.TrimSpace(req.Code), strings.TrimSpace(req.BackupCode), clientMeta(r))
	if err != nil {
		respondAuthError(w, r, err)
		return
	}

	h.cookies.clear(w, middleware.CookieReset)
	h.cookies.set(w, middleware.CookieResetFinal, final, token.ResetFinalTTL)
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "identity verified"})
}

// resetConfirmRequest is the request body for POST /auth/password-reset/confirm
type resetConfirmRequest struct {
	NewPassword string `json:"newPassword"`
	Token       string `json:"token,omitempty"`
}

// HandleResetConfirm handles POST /auth/password-reset/confirm. The commit
// token authorizes exactly one password update; afterwards every session for
// the account is revoked.
func (h *AuthHandler) HandleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NewPassword == "" {
		respondWithError(w, http.StatusBadRequest, "newPassword is required")
		return
	}

	finalToken := req.Token
	if finalToken == "" {
		finalToken = cookieValue(r, middleware.CookieResetFinal)
	}
	if finalToken == "" {
		respondWithError(w, http.StatusUnauthorized, auth.ErrSessionExpired.Error())
		return
	}

	if err := h.svc.CommitPasswordReset(r.Context(), finalToken, req.NewPassword, clientMeta(r)); err != nil {
		respondAuthError(w, r, err)
		return
	}

	h.cookies.clear(w,
		middleware.CookieResetFinal,
		middleware.CookieAccess,
		middleware.CookieRefresh,
	)
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}
