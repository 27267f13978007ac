// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security holds the key material and cryptography behind the PHI
// audit log.
//
// # Components
//
//   - KeyStore: the secure-store record (file with 0600/0700 and an exclusive
//     lock, DPAPI on Windows, Vault KV v2, or memory for tests)
//   - KeyManager: versioned data-encryption keys; rotation deprecates but
//     never discards a version
//   - Cipher: AES-256-GCM with a PBKDF2-SHA256 subkey per operation
//   - PHIRedactor: best-effort redaction of identifiers, emails, phone and
//     card numbers for text that could not be encrypted
//
// # Usage
//
//	store, _ := security.OpenFileKeyStore(path)
//	km := security.NewKeyManager(store)
//	_ = km.GenerateKey()
//	key, _ := km.GetKey()
//	c := security.NewCipher(security.DefaultPBKDF2Iterations)
//	blob, _ := c.Encrypt(plaintext, key.Material, []byte(entryID))
package security
