// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// brokenKeyStore fails every operation, standing in for an unreachable
// platform credential store.
type brokenKeyStore struct{}

func (brokenKeyStore) Store(string, []byte) error { return errors.New("store offline") }
func (brokenKeyStore) Retrieve(string) ([]byte, error) { return nil, errors.New("store offline") }
func (brokenKeyStore) Delete(string) error { return errors.New("store offline") }
func (brokenKeyStore) Exists(string) bool { return false }

func TestKeyManager_GenerateIsIdempotent(t *testing.T) {
	km := NewKeyManager(NewMemoryKeyStore())

	key, err := km.GetKey()
	require.NoError(t, err)
	require.Nil(t, key)

	require.NoError(t, km.GenerateKey())
	first, err := km.GetKey()
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Len(t, first.Material, KeySize)
	require.Equal(t, uint32(1), first.Version)

	require.NoError(t, km.GenerateKey())
	second, err := km.GetKey()
	require.NoError(t, err)
	require.Equal(t, first.Material, second.Material)
}

// TestKeyManager_RotateKeepsOldVersions tests that old ciphertexts stay decryptable after rotation.
func TestKeyManager_RotateKeepsOldVersions(t *testing.T) {
	km := NewKeyManager(NewMemoryKeyStore())
	c := NewCipher(MinPBKDF2Iterations)

	require.NoError(t, km.GenerateKey())
	v1, err := km.GetKey()
	require.NoError(t, err)

	blob, err := c.Encrypt([]byte("old record"), v1.Material, nil)
	require.NoError(t, err)

	v2, err := km.RotateKey()
	require.NoError(t, err)
	require.Equal(t, uint32(2), v2.Version)
	require.Equal(t, uint32(1), v2.RotatedFrom)
	require.NotEqual(t, v1.Material, v2.Material)

	active, err := km.GetKey()
	require.NoError(t, err)
	require.Equal(t, uint32(2), active.Version)

	old, err := km.KeyByVersion(1)
	require.NoError(t, err)
	require.Equal(t, KeyStatusDeprecated, old.Status)

	plain, err := c.Decrypt(blob, old.Material, nil)
	require.NoError(t, err)
	require.Equal(t, "old record", string(plain))

	versions, err := km.Versions()
	require.NoError(t, err)
	require.Len(t, versions, 2)
	for _, v := range versions {
		require.Nil(t, v.Material)
	}
}

func TestKeyManager_RotateWithoutKey(t *testing.T) {
	km := NewKeyManager(NewMemoryKeyStore())

	k, err := km.RotateKey()
	require.NoError(t, err)
	require.Equal(t, uint32(1), k.Version)
	require.Equal(t, uint32(0), k.RotatedFrom)
}

func TestKeyManager_UnknownVersion(t *testing.T) {
	km := NewKeyManager(NewMemoryKeyStore())
	require.NoError(t, km.GenerateKey())

	_, err := km.KeyByVersion(9)
	require.ErrorIs(t, err, ErrUnknownKeyVersion)
}

func TestKeyManager_StoreUnavailable(t *testing.T) {
	km := NewKeyManager(brokenKeyStore{})

	require.ErrorIs(t, km.GenerateKey(), ErrKeystoreUnavailable)

	_, err := km.GetKey()
	require.ErrorIs(t, err, ErrKeystoreUnavailable)

	_, err = km.RotateKey()
	require.ErrorIs(t, err, ErrKeystoreUnavailable)
}

func TestKeyManager_CorruptRegistry(t *testing.T) {
	ks := NewMemoryKeyStore()
	require.NoError(t, ks.Store(ItemEncryptionKeys, []byte("{")))

	_, err := NewKeyManager(ks).GetKey()
	require.ErrorIs(t, err, ErrKeystoreUnavailable)
}

// TestKeyManager_FileStorePersistence tests the registry survives a reopen of the file store.
func TestKeyManager_FileStorePersistence(t *testing.T) {
	ks := openTestFileStore(t)
	km := NewKeyManager(ks)
	require.NoError(t, km.GenerateKey())
	_, err := km.RotateKey()
	require.NoError(t, err)

	again, err := NewKeyManager(ks).GetKey()
	require.NoError(t, err)
	require.Equal(t, uint32(2), again.Version)
}
