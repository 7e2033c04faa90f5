// Package vault provides authenticated symmetric encryption for the JSON
// blobs the service persists at rest (payloads, features, result metadata).
// A single process-wide key is loaded from configuration; a missing key is a
// fatal startup error.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrCorruptedCiphertext is returned when a stored blob fails authentication
// or cannot be decoded. Callers never see partial plaintext.
var ErrCorruptedCiphertext = errors.New("vault: corrupted ciphertext")

// Vault seals and opens JSON values with AES-256-GCM.
type Vault struct {
	aead cipher.AEAD
}

// New derives a 32-byte key from the configured encryption key. The key may
// be base64 (std or url), hex, or 32 raw bytes; anything else is hashed down
// to 32 bytes so operator-supplied passphrases still work.
func New(key string) (*Vault, error) {
	if key == "" {
		return nil, errors.New("vault: encryption key is required")
	}
	block, err := aes.NewCipher(deriveKey(key))
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead}, nil
}

func deriveKey(key string) []byte {
	if b, err := base64.StdEncoding.DecodeString(key); err == nil && len(b) == 32 {
		return b
	}
	if b, err := base64.URLEncoding.DecodeString(key); err == nil && len(b) == 32 {
		return b
	}
	if b, err := hex.DecodeString(key); err == nil && len(b) == 32 {
		return b
	}
	if len(key) == 32 {
		return []byte(key)
	}
	sum := sha256.Sum256([]byte(key))
	return sum[:]
}

// Seal serializes v as JSON and encrypts it. The random nonce is prepended
// to the ciphertext.
func (v *Vault) Seal(value any) ([]byte, error) {
	plain, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("vault: marshal: %w", err)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts a sealed blob into out. Authentication or decode failures
// surface as ErrCorruptedCiphertext.
func (v *Vault) Open(blob []byte, out any) error {
	if len(blob) < v.aead.NonceSize() {
		return ErrCorruptedCiphertext
	}
	nonce, ciphertext := blob[:v.aead.NonceSize()], blob[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrCorruptedCiphertext
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return ErrCorruptedCiphertext
	}
	return nil
}
