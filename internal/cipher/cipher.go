// Package cipher provides authenticated symmetric encryption for credential
// material at rest.
//
// Secrets are encrypted with AES-256-GCM under a single process-wide key.
// Ciphertext is self-describing: "enc:v1:<base64(nonce || sealed)>", so a
// future scheme or key-rotation change can introduce a new version marker and
// coexist with legacy records. Decryption never falls back to treating the
// input as plaintext.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/keyrail/keyrail/internal/cryptoutil"
)

// Version markers embedded in ciphertext. Only v1 (AES-256-GCM) exists today.
const (
	prefix    = "enc:"
	versionV1 = "v1"
)

// ErrDecryptFailed is returned when ciphertext is malformed, carries an
// unknown version marker, or fails GCM authentication (tampering or wrong key).
var ErrDecryptFailed = errors.New("decryption failed")

// Cipher encrypts and decrypts UTF-8 secret strings. The key is immutable
// after construction, so a Cipher is safe for concurrent use.
type Cipher struct {
	aead stdcipher.AEAD
}

// New builds a Cipher from key material (URL-safe base64 of 32 bytes, or 32
// raw bytes). It fails fast on absent or malformed keys so a process cannot
// start handling tenant credentials without working encryption.
func New(key string) (*Cipher, error) {
	keyBytes, err := cryptoutil.DecodeEncryptionKey(key)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns a versioned ciphertext string.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	payload := base64.StdEncoding.EncodeToString(append(nonce, sealed...))
	return prefix + versionV1 + ":" + payload, nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any malformed input,
// unrecognized version marker, or authentication failure yields
// ErrDecryptFailed; a ciphertext that cannot be verified is never returned
// as if it were the plaintext.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	rest, ok := strings.CutPrefix(ciphertext, prefix)
	if !ok {
		return "", fmt.Errorf("missing %q marker: %w", prefix, ErrDecryptFailed)
	}
	version, payload, ok := strings.Cut(rest, ":")
	if !ok {
		return "", fmt.Errorf("missing version marker: %w", ErrDecryptFailed)
	}
	if version != versionV1 {
		return "", fmt.Errorf("unknown ciphertext version %q: %w", version, ErrDecryptFailed)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decoding payload: %w", ErrDecryptFailed)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("payload shorter than nonce: %w", ErrDecryptFailed)
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("authentication failed: %w", ErrDecryptFailed)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value carries the ciphertext marker.
// Used by the store to tell sensitive (encrypted) fields from structural ones.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, prefix)
}
