package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt is returned for malformed envelopes, tampered ciphertext, or a
// wrong key. Callers treat it as "restart the flow", not as a fatal error.
var ErrDecrypt = errors.New("decryption failed")

// SecretBox encrypts short secrets at rest. The AES key is derived from an
// arbitrary-length passphrase, so two boxes with different passphrases cannot
// read each other's envelopes.
type SecretBox struct {
	key []byte
}

// NewSecretBox derives a 32-byte AES key from secret via HKDF-SHA256.
func NewSecretBox(secret string) (*SecretBox, error) {
	if secret == "" {
		return nil, errors.New("secretbox: empty secret")
	}
	h := hkdf.New(sha256.New, []byte(secret), nil, []byte("secretbox-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &SecretBox{key: key}, nil
}

// Seal encrypts plaintext with AES-GCM under a fresh random nonce and returns
// the printable envelope "hex(nonce):hex(ciphertext)". Output differs on
// every call even for identical plaintexts.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(ct), nil
}

// Open decrypts an envelope produced by Seal. Any malformed envelope, wrong
// key, or tampered ciphertext yields ErrDecrypt.
func (b *SecretBox) Open(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 2 {
		return "", ErrDecrypt
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", ErrDecrypt
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", ErrDecrypt
	}
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return "", ErrDecrypt
	}
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(pt), nil
}
