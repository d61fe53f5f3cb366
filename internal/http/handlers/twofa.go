package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/keyfold/server/internal/middleware"
)

// totpSetupResponse is the JSON response for GET /2fa/setup. The QR field is
// empty when rendering failed; Secret and URI always allow manual entry.
type totpSetupResponse struct {
	Secret      string `json:"secret"`
	URI         string `json:"uri"`
	QRPNGBase64 string `json:"qrPngBase64,omitempty"`
	SecretEnc   string `json:"secretEnc"`
}

// totpConfirmRequest is the request body for POST /2fa/verify
type totpConfirmRequest struct {
	Code      string `json:"code"`
	SecretEnc string `json:"secretEnc"`
}

// backupCodesResponse carries freshly issued backup codes. They appear in
// exactly one response and are stored encrypted.
type backupCodesResponse struct {
	Message     string   `json:"message"`
	BackupCodes []string `json:"backupCodes"`
}

// HandleTOTPSetup handles GET /2fa/setup (protected). Returns a fresh secret
// for authenticator enrollment; nothing is persisted until the first code
// verifies.
func (h *AuthHandler) HandleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.Identity(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	setup, err := h.svc.BeginTOTPSetup(r.Context(), claims.UserID)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, totpSetupResponse{
		Secret:      setup.Secret,
		URI:         setup.URI,
		QRPNGBase64: setup.QRPNGBase64,
		SecretEnc:   setup.SecretEnc,
	})
}

// HandleTOTPConfirm handles POST /2fa/verify (protected). Enables the factor
// and returns the one-time backup codes.
func (h *AuthHandler) HandleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.Identity(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req totpConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" || req.SecretEnc == "" {
		respondWithError(w, http.StatusBadRequest, "code and secretEnc are required")
		return
	}

	codes, err := h.svc.ConfirmTOTPSetup(r.Context(), claims.UserID, req.SecretEnc, req.Code, clientMeta(r))
	if err != nil {
		respondAuthError(w, r, err)
		return
	}

	h.cookies.set(w, middleware.CookieTOTPMark, "1", totpMarkerTTL)
	respondWithJSON(w, http.StatusOK, backupCodesResponse{
		Message:     "totp enabled",
		BackupCodes: codes,
	})
}

// totpDisableRequest is the request body for POST /2fa/disable
type totpDisableRequest struct {
	Code       string `json:"code"`
	BackupCode string `json:"backupCode,omitempty"`
}

// HandleTOTPDisable handles POST /2fa/disable (protected). Requires a
// current TOTP code or an unused backup code, so a stolen session alone
// cannot weaken the account.
func (h *AuthHandler) HandleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.Identity(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req totpDisableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" && strings.TrimSpace(req.BackupCode) == "" {
		respondWithError(w, http.StatusBadRequest, "code or backupCode is required")
		return
	}

	if err := h.svc.DisableTOTP(r.Context(), claims.UserID, strings.TrimSpace(req.Code), strings.TrimSpace(req.BackupCode), clientMeta(r)); err != nil {
		respondAuthError(w, r, err)
		return
	}

	h.cookies.clear(w, middleware.CookieTOTPMark)
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "totp disabled"})
}

// regenerateBackupCodesRequest is the request body for
// POST /2fa/regenerate-backup-codes
type regenerateBackupCodesRequest struct {
	Code string `json:"code"`
}

// HandleRegenerateBackupCodes handles POST /2fa/regenerate-backup-codes
// (protected). Replaces the whole list after a current code verifies.
func (h *AuthHandler) HandleRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.Identity(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req regenerateBackupCodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		respondWithError(w, http.StatusBadRequest, "code is required")
		return
	}

	codes, err := h.svc.RegenerateBackupCodes(r.Context(), claims.UserID, strings.TrimSpace(req.Code), clientMeta(r))
	if err != nil {
		respondAuthError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, backupCodesResponse{
		Message:     "backup codes regenerated",
		BackupCodes: codes,
	})
}
