package middleware

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/keyfold/server/internal/ratelimit"
)

// RateLimit rejects requests over the limiter's budget for the derived key.
func RateLimit(limiter *ratelimit.Limiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(keyFunc(r)) {
				respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKey derives the limiter key from the client address. RealIP runs ahead
// of this in the chain, so RemoteAddr already names the client.
func IPKey(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

// ClientIP returns the request's client address without the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
