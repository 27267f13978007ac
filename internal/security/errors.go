// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import "errors"

var (
	// ErrKeystoreUnavailable means the secure store could not be read or
	// written. Nothing may be encrypted while it persists.
	ErrKeystoreUnavailable = errors.New("keystore unavailable")

	// ErrKeyNotFound is returned by KeyStore.Retrieve for an absent item.
	ErrKeyNotFound = errors.New("keystore item not found")

	// ErrNoKey means no encryption key has been generated yet.
	ErrNoKey = errors.New("no encryption key")

	// ErrUnknownKeyVersion means a ciphertext names a key version the
	// registry does not hold.
	ErrUnknownKeyVersion = errors.New("unknown key version")

	// ErrInvalidCiphertext means a blob is too short to hold IV, salt and tag.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")

	// ErrIntegrityViolation means the authentication tag did not verify.
	// The ciphertext is unrecoverable and no plaintext is returned.
	ErrIntegrityViolation = errors.New("integrity violation: authentication tag mismatch")

	// ErrStoreLocked means another process holds the secure store.
	ErrStoreLocked = errors.New("secure store is locked by another process")
)
