// Package crypto seals sensitive preference values (the pairing URL,
// tokens) with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	sealedPrefix = "aes-gcm:"
	keySize      = 32
)

// ErrDecrypt is returned when a sealed value cannot be opened with the key.
var ErrDecrypt = errors.New("sealed value does not open with this key")

// Sealer encrypts values bound to a field name, so a ciphertext copied into
// another key fails to open. A nil *Sealer passes values through unchanged.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer returns nil (plain-text passthrough) when key is empty.
func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, nil
	}
	keyBytes, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// Seal returns "aes-gcm:" + base64(nonce + ciphertext + tag).
func (s *Sealer) Seal(plaintext, field string) (string, error) {
	if s == nil || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(field))
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Values without the prefix are legacy plain text and
// returned as-is.
func (s *Sealer) Open(value, field string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if s == nil {
		return "", fmt.Errorf("%s is encrypted but no key is configured", field)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	nonce, body, ok := splitNonce(data, s.aead.NonceSize())
	if !ok {
		return "", ErrDecrypt
	}
	plaintext, err := s.aead.Open(nil, nonce, body, []byte(field))
	if err != nil {
		return "", fmt.Errorf("%s: %w", field, ErrDecrypt)
	}
	return string(plaintext), nil
}

func splitNonce(data []byte, n int) (nonce, body []byte, ok bool) {
	if len(data) < n {
		return nil, nil, false
	}
	return data[:n], data[n:], true
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// ParseKey accepts a 32-byte AES key as 64 hex chars, padded standard
// base64, or 32 raw bytes.
func ParseKey(key string) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	switch {
	case len(key) == 64:
		b, err = hex.DecodeString(key)
	case strings.HasSuffix(key, "="):
		b, err = base64.StdEncoding.DecodeString(key)
	default:
		b = []byte(key)
	}
	if err != nil || len(b) != keySize {
		return nil, errors.New("encryption key must be 32 bytes: 64 hex chars, base64, or raw")
	}
	return b, nil
}
