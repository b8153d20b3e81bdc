// Package secrets provides authenticated symmetric encryption for API keys
// at rest. Keys are sealed with AES-256-GCM using a process-wide key loaded
// once at startup; the [Box] is read-only after construction and safe for
// concurrent use.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrDecrypt is returned when a ciphertext cannot be authenticated or
// decrypted, typically because the process encryption key changed.
var ErrDecrypt = errors.New("secrets: decryption failed")

// Box seals and opens short secrets such as provider API keys.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives a 256-bit AES key from the configured encryption key
// material and returns a ready-to-use Box. The key material may be any
// non-empty string; it is stretched with SHA-256.
func NewBox(keyMaterial string) (*Box, error) {
	if keyMaterial == "" {
		return nil, errors.New("secrets: encryption key must not be empty")
	}

	sum := sha256.Sum256([]byte(keyMaterial))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: create gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext and returns a base64 token containing the nonce
// and ciphertext. Each call uses a fresh random nonce.
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	buf := []byte(plaintext)
	sealed := b.aead.Seal(nonce, nonce, buf, nil)
	Zero(buf)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a token produced by [Box.Seal]. It returns [ErrDecrypt] if
// the token is malformed or fails authentication. Callers should keep the
// returned plaintext inside a single call frame and avoid logging it.
func (b *Box) Open(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", ErrDecrypt
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrDecrypt
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	out := string(plain)
	Zero(plain)
	return out, nil
}

// Preview returns the masked form of an API key shown to clients:
// "****" followed by the last four characters. Short keys are fully masked.
func Preview(apiKey string) string {
	if len(apiKey) <= 4 {
		return "****"
	}
	return "****" + apiKey[len(apiKey)-4:]
}

// Zero overwrites b in place. Seal and Open use it to scrub the mutable
// copies of plaintext they make; callers holding secrets as []byte can do
// the same once done.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
