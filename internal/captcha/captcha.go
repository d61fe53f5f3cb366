// Package captcha verifies anti-automation proof tokens against an
// external verification service.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrUnavailable means the verification service could not be reached
	// or answered unusably.
	ErrUnavailable = errors.New("verification service unavailable")
	// ErrFailed means the service rejected the submitted token.
	ErrFailed = errors.New("verification token rejected")
)

// Verifier checks an anti-automation proof token submitted with a request.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

const defaultEndpoint = "https://www.google.com/recaptcha/api/siteverify"

// HTTPVerifier verifies tokens against a reCAPTCHA-compatible endpoint.
type HTTPVerifier struct {
	endpoint string
	secret   string
	client   *http.Client
}

// NewHTTPVerifier creates a verifier for the given shared secret. An empty
// endpoint selects the standard reCAPTCHA verify URL.
func NewHTTPVerifier(secret, endpoint string) *HTTPVerifier {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &HTTPVerifier{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, token, remoteIP string) error {
	if token == "" {
		return ErrFailed
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !body.Success {
		return ErrFailed
	}
	return nil
}

// AllowAll accepts every token. It backs local development when no
// verification secret is configured.
type AllowAll struct{}

func (AllowAll) Verify(ctx context.Context, token, remoteIP string) error {
	return nil
}
