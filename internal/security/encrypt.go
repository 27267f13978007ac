// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// NonceSize is the AES-GCM initialization vector size (96 bits).
const NonceSize = 12

// KeySize is the AES-256 key size.
const KeySize = 32

// SaltSize is the per-operation PBKDF2 salt size.
const SaltSize = 32

// TagSize is the GCM authentication tag size.
const TagSize = 16

// MinPBKDF2Iterations is the floor for subkey derivation.
const MinPBKDF2Iterations = 10000

// DefaultPBKDF2Iterations is used when no iteration count is configured.
// The derivation input is a random 256-bit key rather than a password, so
// the count does not need to reach password-hashing levels.
const DefaultPBKDF2Iterations = 100000

// =============================================================================
// HELPERS
// =============================================================================

// ZeroBytes overwrites key material once it is no longer needed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GenerateMasterKey returns KeySize bytes from crypto/rand.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// =============================================================================
// CIPHER
// =============================================================================

// Cipher performs authenticated encryption with a fresh subkey per call.
//
// Blob layout: IV (12) || salt (32) || ciphertext || tag (16).
// The subkey is PBKDF2-HMAC-SHA256(key, salt, iterations, 32).
type Cipher struct {
	iterations int
	redactor   Redactor
}

// NewCipher returns a cipher deriving subkeys with the given iteration
// count, raised to MinPBKDF2Iterations when lower.
func NewCipher(iterations int) *Cipher {
	if iterations < MinPBKDF2Iterations {
		iterations = MinPBKDF2Iterations
	}
	return &Cipher{iterations: iterations, redactor: NewPHIRedactor()}
}

// Iterations reports the effective PBKDF2 iteration count.
func (c *Cipher) Iterations() int { return c.iterations }

// Encrypt seals plaintext under key. Optional associated data is
// authenticated but not stored; the same value must be passed to Decrypt.
func (c *Cipher) Encrypt(plaintext, key, associated []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encrypt: key must be %d bytes, got %d", KeySize, len(key))
	}

	header := make([]byte, NonceSize+SaltSize)
	if _, err := io.ReadFull(rand.Reader, header); err != nil {
		return nil, fmt.Errorf("encrypt: read random: %w", err)
	}
	iv, salt := header[:NonceSize], header[NonceSize:]

	aead, err := c.aead(key, salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(header)+len(plaintext)+TagSize)
	out = append(out, header...)
	return aead.Seal(out, iv, plaintext, associated), nil
}

// Decrypt opens a blob produced by Encrypt. A tag mismatch returns
// ErrIntegrityViolation and never any plaintext.
func (c *Cipher) Decrypt(blob, key, associated []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("decrypt: key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(blob) < NonceSize+SaltSize+TagSize {
		return nil, ErrInvalidCiphertext
	}
	iv := blob[:NonceSize]
	salt := blob[NonceSize : NonceSize+SaltSize]
	sealed := blob[NonceSize+SaltSize:]

	aead, err := c.aead(key, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, iv, sealed, associated)
	if err != nil {
		return nil, ErrIntegrityViolation
	}
	return plaintext, nil
}

// Digest returns the lowercase hex SHA-256 of input.
func (c *Cipher) Digest(input []byte) string {
	return Digest(input)
}

// Sanitize redacts PHI-shaped substrings. It is a safety net for text that
// could not be encrypted, not a substitute for encryption.
func (c *Cipher) Sanitize(text string) string {
	return c.redactor.Redact(text)
}

func (c *Cipher) aead(key, salt []byte) (cipher.AEAD, error) {
	subkey := pbkdf2.Key(key, salt, c.iterations, KeySize, sha256.New)
	defer ZeroBytes(subkey)

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// Digest returns the lowercase hex SHA-256 of input.
func Digest(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}
