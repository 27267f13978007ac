// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// KEY TYPES
// =============================================================================

// KeyStatus is the lifecycle state of one key version.
type KeyStatus string

const (
	// KeyStatusActive marks the single version used for new encryptions.
	KeyStatusActive KeyStatus = "active"
	// KeyStatusDeprecated marks a rotated-out version kept for decryption.
	KeyStatusDeprecated KeyStatus = "deprecated"
)

// Key is one version of the 256-bit data-encryption key.
type Key struct {
	Version     uint32    `json:"version"`
	Material    []byte    `json:"material"`
	Created     time.Time `json:"created"`
	RotatedFrom uint32    `json:"rotatedFrom,omitempty"`
	Status      KeyStatus `json:"status"`
}

// keyRegistry is the serialized form of ItemEncryptionKeys. Versions are
// never removed, so every ciphertext ever produced stays decryptable.
type keyRegistry struct {
	Active uint32 `json:"active"`
	Keys   []*Key `json:"keys"`
}

func (r *keyRegistry) find(version uint32) *Key {
	for _, k := range r.Keys {
		if k.Version == version {
			return k
		}
	}
	return nil
}

// =============================================================================
// KEY MANAGER
// =============================================================================

// KeyManager owns the versioned key registry inside a KeyStore. The registry
// is read from the store on every call, so a store outage surfaces as
// ErrKeystoreUnavailable at the moment a key is needed.
type KeyManager struct {
	mu    sync.Mutex
	store KeyStore
	now   func() time.Time
}

// NewKeyManager returns a manager over store.
func NewKeyManager(store KeyStore) *KeyManager {
	return &KeyManager{store: store, now: time.Now}
}

// GenerateKey creates version 1 when no key exists. It is a no-op otherwise.
func (m *KeyManager) GenerateKey() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.load()
	if err != nil {
		return err
	}
	if reg.Active != 0 {
		return nil
	}

	key, err := m.newKey(1, 0)
	if err != nil {
		return err
	}
	reg.Keys = append(reg.Keys, key)
	reg.Active = key.Version
	return m.save(reg)
}

// GetKey returns the active key, or nil when none has been generated.
func (m *KeyManager) GetKey() (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.load()
	if err != nil {
		return nil, err
	}
	if reg.Active == 0 {
		return nil, nil
	}
	k := reg.find(reg.Active)
	if k == nil {
		return nil, fmt.Errorf("%w: active version %d missing from registry", ErrKeystoreUnavailable, reg.Active)
	}
	return k, nil
}

// KeyByVersion returns a specific version, active or deprecated.
func (m *KeyManager) KeyByVersion(version uint32) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.load()
	if err != nil {
		return nil, err
	}
	k := reg.find(version)
	if k == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}
	return k, nil
}

// RotateKey adds a new active version and deprecates the previous one. The
// previous material is retained so existing ciphertexts keep decrypting.
// With no key present it behaves like GenerateKey.
func (m *KeyManager) RotateKey() (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.load()
	if err != nil {
		return nil, err
	}

	var next, from uint32 = 1, reg.Active
	for _, k := range reg.Keys {
		if k.Version >= next {
			next = k.Version + 1
		}
	}

	key, err := m.newKey(next, from)
	if err != nil {
		return nil, err
	}
	for _, k := range reg.Keys {
		k.Status = KeyStatusDeprecated
	}
	reg.Keys = append(reg.Keys, key)
	reg.Active = key.Version

	if err := m.save(reg); err != nil {
		return nil, err
	}
	return key, nil
}

// Versions lists every registered key version with its status. Material is
// omitted.
func (m *KeyManager) Versions() ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.load()
	if err != nil {
		return nil, err
	}
	out := make([]Key, 0, len(reg.Keys))
	for _, k := range reg.Keys {
		out = append(out, Key{Version: k.Version, Created: k.Created, RotatedFrom: k.RotatedFrom, Status: k.Status})
	}
	return out, nil
}

func (m *KeyManager) newKey(version, from uint32) (*Key, error) {
	material, err := GenerateMasterKey()
	if err != nil {
		return nil, err
	}
	return &Key{
		Version:     version,
		Material:    material,
		Created:     m.now().UTC(),
		RotatedFrom: from,
		Status:      KeyStatusActive,
	}, nil
}

func (m *KeyManager) load() (*keyRegistry, error) {
	data, err := m.store.Retrieve(ItemEncryptionKeys)
	if errors.Is(err, ErrKeyNotFound) {
		return &keyRegistry{}, nil
	}
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	var reg keyRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("%w: key registry is corrupt: %v", ErrKeystoreUnavailable, err)
	}
	return &reg, nil
}

func (m *KeyManager) save(reg *keyRegistry) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode key registry: %w", err)
	}
	if err := m.store.Store(ItemEncryptionKeys, data); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

// wrapUnavailable makes sure any store failure matches ErrKeystoreUnavailable.
func wrapUnavailable(err error) error {
	if errors.Is(err, ErrKeystoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrKeystoreUnavailable, err)
}
