// Package ratelimit provides an in-memory sliding-window limiter used to
// throttle credential guessing and code resends. Keys are scoped by purpose
// so login, resend and reset budgets never interfere. State is per-process:
// multi-instance deployments rate limit per instance, not globally.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Limiter tracks request timestamps per key over a sliding window.
type Limiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	window time.Duration
	limit  int
}

// New creates a limiter allowing at most limit hits per key within window.
func New(window time.Duration, limit int) *Limiter {
	l := &Limiter{
		hits:   make(map[string][]time.Time),
		window: window,
		limit:  limit,
	}

	// Cleanup goroutine to drop idle keys
	go l.cleanup()

	return l
}

// Allow records a hit for key and reports whether it is within budget.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false
	}

	l.hits[key] = append(kept, now)
	return true
}

// Reset clears the recorded hits for key, for example after a successful
// login so earlier failures stop counting against the account.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, key)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		cutoff := time.Now().Add(-l.window)
		for key, times := range l.hits {
			live := false
			for _, t := range times {
				if t.After(cutoff) {
					live = true
					break
				}
			}
			if !live {
				delete(l.hits, key)
			}
		}
		l.mu.Unlock()
	}
}

// LoginKey scopes login attempts by account email.
func LoginKey(email string) string {
	return "login:" + strings.ToLower(email)
}

// LoginIPKey scopes login attempts by client address.
func LoginIPKey(ip string) string {
	return "login-ip:" + ip
}

// ResendKey scopes verification-code resends by account email.
func ResendKey(email string) string {
	return "resend:" + strings.ToLower(email)
}

// ResetKey scopes password-reset requests by account email.
func ResetKey(email string) string {
	return "reset:" + strings.ToLower(email)
}
