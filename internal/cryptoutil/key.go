// Package cryptoutil holds small helpers for key material handling shared by
// the cipher and config packages.
package cryptoutil

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the required key length in raw bytes (AES-256).
const KeySize = 32

// ErrInvalidEncryptionKey is returned when key material is absent, malformed,
// or does not decode to exactly 32 bytes.
var ErrInvalidEncryptionKey = errors.New("invalid encryption key")

// DecodeEncryptionKey interprets key material as URL-safe base64 (with or
// without padding) decoding to 32 bytes, or as 32 raw bytes. The base64 form
// is what ENCRYPTION_KEY carries in the environment; the raw form exists so
// tests can pass literal keys. A 32-character string that happens to be valid
// base64 of the wrong length is treated as raw bytes.
func DecodeEncryptionKey(key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("encryption key is not set: %w", ErrInvalidEncryptionKey)
	}

	if decoded, err := base64.URLEncoding.DecodeString(key); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(key); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}

	if len(key) == KeySize {
		return []byte(key), nil
	}

	return nil, fmt.Errorf("encryption key must be URL-safe base64 of %d bytes or %d raw bytes (got %d chars): %w", KeySize, KeySize, len(key), ErrInvalidEncryptionKey)
}
