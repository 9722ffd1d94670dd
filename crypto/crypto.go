// Package crypto seals credential fields at rest with AES-256-GCM.
//
// Sealed values are self-describing strings of the form "v1:<base64>" so a
// reader can tell them apart from plaintext written before a key was
// configured. Opening a plaintext value returns it unchanged.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const sealedPrefix = "v1:"

// ErrNoKey is returned by Open when a sealed value is found but no key is configured.
var ErrNoKey = errors.New("value is sealed but no encryption key is configured")

// Sealer seals and opens short secrets such as OAuth tokens.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a base64-encoded 32-byte key
// (generate one with `openssl rand -base64 32`).
func NewSealer(base64Key string) (*Sealer, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool { return strings.HasPrefix(v, sealedPrefix) }

// Seal encrypts v. Empty input stays empty so "absent" survives a round trip.
func (s *Sealer) Seal(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	// nonce || ciphertext || tag
	out := s.aead.Seal(nonce, nonce, []byte(v), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as-is.
func (s *Sealer) Open(v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", ns, len(raw))
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		// Don't expose internal error details
		return "", fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}

// OpenWith opens v using s, which may be nil when encryption is disabled.
func OpenWith(s *Sealer, v string) (string, error) {
	if s == nil {
		if IsSealed(v) {
			return "", ErrNoKey
		}
		return v, nil
	}
	return s.Open(v)
}

// SealWith seals v using s, which may be nil when encryption is disabled.
func SealWith(s *Sealer, v string) (string, error) {
	if s == nil {
		return v, nil
	}
	return s.Seal(v)
}
