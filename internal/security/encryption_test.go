// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	return key
}

// =============================================================================
// ROUND TRIP TESTS
// =============================================================================

// TestCipher_RoundTrip tests decrypt(encrypt(x)) == x across payload sizes.
func TestCipher_RoundTrip(t *testing.T) {
	c := NewCipher(MinPBKDF2Iterations)
	key := testKey(t)

	for _, size := range []int{0, 1, 15, 16, 17, 255, 4096, 64 * 1024} {
		plaintext := make([]byte, size)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)

		blob, err := c.Encrypt(plaintext, key, nil)
		require.NoError(t, err)
		require.Len(t, blob, NonceSize+SaltSize+size+TagSize)

		got, err := c.Decrypt(blob, key, nil)
		require.NoError(t, err)
		require.True(t, bytes.Equal(plaintext, got), "size %d", size)
	}
}

// TestCipher_FreshSaltAndIV tests that two encryptions of one plaintext differ.
func TestCipher_FreshSaltAndIV(t *testing.T) {
	c := NewCipher(MinPBKDF2Iterations)
	key := testKey(t)

	a, err := c.Encrypt([]byte("same"), key, nil)
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same"), key, nil)
	require.NoError(t, err)

	require.NotEqual(t, a[:NonceSize], b[:NonceSize], "IV reused")
	require.NotEqual(t, a[NonceSize:NonceSize+SaltSize], b[NonceSize:NonceSize+SaltSize], "salt reused")
}

// =============================================================================
// TAMPER TESTS
// =============================================================================

// TestCipher_BitFlip tests that flipping any single bit yields ErrIntegrityViolation.
func TestCipher_BitFlip(t *testing.T) {
	c := NewCipher(MinPBKDF2Iterations)
	key := testKey(t)

	blob, err := c.Encrypt([]byte(`{"diagnosis":"E11.9"}`), key, nil)
	require.NoError(t, err)

	for i := 0; i < len(blob); i++ {
		tampered := append([]byte(nil), blob...)
		tampered[i] ^= 0x01

		got, err := c.Decrypt(tampered, key, nil)
		require.ErrorIs(t, err, ErrIntegrityViolation, "byte %d", i)
		require.Nil(t, got)
	}
}

// TestCipher_AssociatedDataBinding tests that a blob only opens with its own associated data.
func TestCipher_AssociatedDataBinding(t *testing.T) {
	c := NewCipher(MinPBKDF2Iterations)
	key := testKey(t)

	blob, err := c.Encrypt([]byte("payload"), key, []byte("entry-a"))
	require.NoError(t, err)

	_, err = c.Decrypt(blob, key, []byte("entry-b"))
	require.ErrorIs(t, err, ErrIntegrityViolation)

	got, err := c.Decrypt(blob, key, []byte("entry-a"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

func TestCipher_WrongKey(t *testing.T) {
	c := NewCipher(MinPBKDF2Iterations)

	blob, err := c.Encrypt([]byte("payload"), testKey(t), nil)
	require.NoError(t, err)

	_, err = c.Decrypt(blob, testKey(t), nil)
	require.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestCipher_ShortBlob(t *testing.T) {
	c := NewCipher(MinPBKDF2Iterations)
	_, err := c.Decrypt(make([]byte, NonceSize+SaltSize+TagSize-1), testKey(t), nil)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestCipher_BadKeyLength(t *testing.T) {
	c := NewCipher(MinPBKDF2Iterations)
	_, err := c.Encrypt([]byte("x"), []byte("short"), nil)
	require.Error(t, err)
}

func TestCipher_IterationFloor(t *testing.T) {
	require.Equal(t, MinPBKDF2Iterations, NewCipher(1).Iterations())
	require.Equal(t, 200000, NewCipher(200000).Iterations())
}

// =============================================================================
// DIGEST TESTS
// =============================================================================

func TestDigest(t *testing.T) {
	// SHA-256 of the empty string.
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Digest(nil))
	require.Equal(t, Digest([]byte("abc")), NewCipher(0).Digest([]byte("abc")))
	require.NotEqual(t, Digest([]byte("abc")), Digest([]byte("abd")))
}
