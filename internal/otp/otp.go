// Package otp issues and verifies single-use email codes. Codes are stored
// only as salted hashes in the ephemeral store, never in plaintext.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/keyfold/server/internal/kv"
)

// CodeTTL is the absolute lifetime of an issued code.
const CodeTTL = 10 * time.Minute

// Service generates 6-digit codes keyed by identity. At most one code is live
// per key: issuing replaces any prior code.
type Service struct {
	store kv.Store
	salt  string
	ttl   time.Duration
}

// NewService creates an OTP service over the given ephemeral store.
func NewService(store kv.Store, salt string) *Service {
	return &Service{
		store: store,
		salt:  salt,
		ttl:   CodeTTL,
	}
}

// Issue generates a fresh code for the key and stores its hash, replacing any
// live code. The plaintext code is returned once, for dispatch only; it is
// never logged or persisted.
func (s *Service) Issue(ctx context.Context, key string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	hashHex := hashCodeHex(key, code, s.salt)
	if err := s.store.Put(ctx, storeKey(key), hashHex, s.ttl); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}
	return code, nil
}

// Verify checks the submitted code against the live entry for the key.
// Absent or expired entries verify false with no side effect. A match deletes
// the entry before returning true, so a code verifies at most once. A
// mismatch leaves the entry in place for retry until expiry.
func (s *Service) Verify(ctx context.Context, key, submitted string) (bool, error) {
	storedHex, ok, err := s.store.Get(ctx, storeKey(key))
	if err != nil {
		return false, fmt.Errorf("load code: %w", err)
	}
	if !ok {
		return false, nil
	}

	stored, err := hex.DecodeString(storedHex)
	if err != nil {
		return false, nil
	}
	candidate := hashCodeBytes(key, submitted, s.salt)
	if !constantTimeCompare(candidate, stored) {
		return false, nil
	}

	if err := s.store.Delete(ctx, storeKey(key)); err != nil {
		return false, fmt.Errorf("consume code: %w", err)
	}
	return true, nil
}

// Invalidate drops any live code for the key.
func (s *Service) Invalidate(ctx context.Context, key string) error {
	return s.store.Delete(ctx, storeKey(key))
}

func storeKey(key string) string {
	return "otp:" + key
}

// generateCode returns a uniformly random 6-digit code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// hashCodeHex returns SHA-256(key:code:salt) as hex for storage
func hashCodeHex(key, code, salt string) string {
	b := hashCodeBytes(key, code, salt)
	return hex.EncodeToString(b)
}

func hashCodeBytes(key, code, salt string) []byte {
	data := fmt.Sprintf("%s:%s:%s", key, code, salt)
	hash := sha256.Sum256([]byte(data))
	return hash[:]
}

func constantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var result int
	for i := 0; i < len(a); i++ {
		result |= int(a[i]) ^ int(b[i])
	}
	return result == 0
}
