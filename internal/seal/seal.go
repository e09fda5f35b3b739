// Package seal encrypts ledger payloads at rest with AES-256-GCM. The key is
// derived from a passphrase or, when none is configured, from machine
// identifiers so a copied database cannot be read elsewhere.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

const (
	// Prefix marks sealed values in storage.
	Prefix = "enc:v1:"
	// KeyEnv names the environment variable holding the passphrase.
	KeyEnv = "MEDMEM_SEAL_KEY"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidFormat    = errors.New("invalid sealed format")
)

// Sealer seals and opens payloads. A nil *Sealer stores plaintext.
type Sealer struct {
	aead cipher.AEAD
}

// New derives a key from passphrase; an empty passphrase falls back to the
// machine-derived key.
func New(passphrase string) (*Sealer, error) {
	key := deriveKey(passphrase)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// FromEnv builds a Sealer from MEDMEM_SEAL_KEY.
func FromEnv() (*Sealer, error) {
	return New(os.Getenv(KeyEnv))
}

// Seal encrypts plaintext. aad binds the ciphertext to its row so sealed
// payloads cannot be swapped between records.
func (s *Sealer) Seal(plaintext, aad []byte) (string, error) {
	if s == nil {
		return string(plaintext), nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nonce, nonce, plaintext, aad)
	return Prefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal. Values without the prefix are returned unchanged so
// that plaintext rows stay readable.
func (s *Sealer) Open(stored string, aad []byte) ([]byte, error) {
	if !IsSealed(stored) {
		return []byte(stored), nil
	}
	if s == nil {
		return nil, fmt.Errorf("%w: sealed payload but no key configured", ErrDecryptionFailed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, Prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrInvalidFormat, err)
	}
	n := s.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, ErrInvalidFormat
	}
	plaintext, err := s.aead.Open(nil, ciphertext[:n], ciphertext[n:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// IsSealed reports whether a stored value is encrypted.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

func deriveKey(passphrase string) []byte {
	var entropy strings.Builder
	if passphrase != "" {
		entropy.WriteString("medmem-seal-passphrase-v1:")
		entropy.WriteString(passphrase)
	} else {
		hostname, _ := os.Hostname()
		entropy.WriteString(hostname)
		home, _ := os.UserHomeDir()
		entropy.WriteString(home)
		entropy.WriteString(runtime.GOOS)
		entropy.WriteString(runtime.GOARCH)
		entropy.WriteString("medmem-seal-machine-v1")
		if uid := os.Getuid(); uid != -1 {
			entropy.WriteString(fmt.Sprintf("uid:%d", uid))
		}
	}
	hash := sha256.Sum256([]byte(entropy.String()))
	return hash[:]
}

// Mask hides all but the edges of a secret for display.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
