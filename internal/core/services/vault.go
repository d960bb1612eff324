// Package services contains core business logic
// Following Hexagonal Architecture: Services orchestrate domain logic using ports
package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"omnihub/internal/core/domain"
)

// Vault modes. The mode is an explicit configuration value, never an implicit
// environment check: strict aborts startup without a key, dev-insecure falls
// back to a fixed key and logs a warning.
const (
	VaultModeStrict      = "strict"
	VaultModeDevInsecure = "dev-insecure"
)

const (
	// ciphertextPrefix tags encrypted values so callers can distinguish them
	// from legacy plaintext without attempting decryption.
	ciphertextPrefix = "enc:v1:"

	kdfIterations = 100000
	kdfKeyLen     = 32

	// devInsecureKey is only ever used in dev-insecure mode.
	devInsecureKey = "insecure_dev_only_key_do_not_use_in_production"
)

// Vault provides symmetric encryption of stored per-account secrets. The key
// is derived once at construction via PBKDF2-SHA256 and is read-only
// afterwards, so Vault is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// NewVault derives the process-wide key and returns a ready vault.
// In strict mode a missing secret is a hard configuration error.
func NewVault(mode, secret, salt string) (*Vault, error) {
	switch mode {
	case VaultModeStrict:
		if secret == "" {
			return nil, errors.New("vault: encryption key required in strict mode")
		}
	case VaultModeDevInsecure:
		if secret == "" {
			slog.Warn("No encryption key configured, using insecure default",
				"mode", mode,
			)
			secret = devInsecureKey
		}
	default:
		return nil, fmt.Errorf("vault: unrecognized mode %q", mode)
	}

	key := pbkdf2.Key([]byte(secret), []byte(salt), kdfIterations, kdfKeyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// IsEncrypted reports whether a stored value carries the ciphertext tag.
// Used by the one-time credential migration to skip already-encrypted rows.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, ciphertextPrefix)
}

// Encrypt seals plaintext and returns the tagged ciphertext. A failure here
// is fatal to the write path: callers must never store plaintext on error.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return ciphertextPrefix + base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored value. On any failure it returns the raw stored
// value together with ErrUndecryptable so read paths can log and continue
// instead of crashing; an operator then sees the opaque value is wrong.
// A value without the ciphertext tag is treated as legacy plaintext and
// returned as-is.
func (v *Vault) Decrypt(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}

	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(stored, ciphertextPrefix))
	if err != nil {
		slog.Error("Failed to decode stored credential", "error", err)
		return stored, domain.ErrUndecryptable
	}

	if len(raw) < v.aead.NonceSize() {
		return stored, domain.ErrUndecryptable
	}
	nonce, sealed := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		slog.Error("Failed to decrypt stored credential", "error", err)
		return stored, domain.ErrUndecryptable
	}

	return string(plaintext), nil
}
