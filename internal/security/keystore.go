// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/util"
)

// Item names held in the secure-store record.
const (
	ItemEncryptionKeys = "encryption_keys"
	ItemChainHead      = "chain_head"
	ItemDeviceID       = "device_id"
)

// =============================================================================
// KEYSTORE INTERFACE
// =============================================================================

// KeyStore is the secure-store record: a small set of named secrets that
// lives outside ordinary application storage. It is single-process and
// exclusive; implementations do not coordinate across processes beyond
// refusing a second opener.
type KeyStore interface {
	// Store writes the named item, replacing any previous value.
	Store(name string, value []byte) error
	// Retrieve returns the named item or an error wrapping ErrKeyNotFound.
	Retrieve(name string) ([]byte, error)
	// Delete removes the named item. Deleting an absent item is not an error.
	Delete(name string) error
	// Exists reports whether the named item is present.
	Exists(name string) bool
}

// =============================================================================
// FILE KEYSTORE
// =============================================================================

// fileRecord is the on-disk layout of the secure-store record.
type fileRecord struct {
	Version int               `json:"version"`
	Items   map[string]string `json:"items"`
}

// FileKeyStore keeps the whole secure-store record in one 0600 file inside a
// 0700 directory. The file is rewritten atomically on every change and, on
// Windows, wrapped with DPAPI so only the current user can open it. An
// exclusive lock on a sibling ".lock" file is held from Open until Close.
type FileKeyStore struct {
	mu   sync.Mutex
	path string
	lock *os.File
}

// OpenFileKeyStore opens (creating on first write) the record at path and
// takes the process lock. It fails with ErrStoreLocked when another process
// already holds the store.
func OpenFileKeyStore(path string) (*FileKeyStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("%w: create store directory: %v", ErrKeystoreUnavailable, err)
	}

	lf, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file: %v", ErrKeystoreUnavailable, err)
	}
	if err := lockFile(lf); err != nil {
		lf.Close()
		return nil, err
	}

	return &FileKeyStore{path: path, lock: lf}, nil
}

// Close releases the process lock.
func (f *FileKeyStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock == nil {
		return nil
	}
	unlockFile(f.lock)
	err := f.lock.Close()
	f.lock = nil
	return err
}

// Path returns the record's location.
func (f *FileKeyStore) Path() string { return f.path }

// Store writes the named item.
func (f *FileKeyStore) Store(name string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.load()
	if err != nil {
		return err
	}
	rec.Items[name] = base64.StdEncoding.EncodeToString(value)
	return f.save(rec)
}

// Retrieve reads the named item.
func (f *FileKeyStore) Retrieve(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.load()
	if err != nil {
		return nil, err
	}
	enc, ok := rec.Items[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	value, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: item %s is corrupt: %v", ErrKeystoreUnavailable, name, err)
	}
	return value, nil
}

// Delete removes the named item.
func (f *FileKeyStore) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := rec.Items[name]; !ok {
		return nil
	}
	delete(rec.Items, name)
	return f.save(rec)
}

// Exists reports whether the named item is present and readable.
func (f *FileKeyStore) Exists(name string) bool {
	_, err := f.Retrieve(name)
	return err == nil
}

// load reads the record. A missing file is an empty record.
func (f *FileKeyStore) load() (*fileRecord, error) {
	if f.lock == nil {
		return nil, fmt.Errorf("%w: store is closed", ErrKeystoreUnavailable)
	}

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return &fileRecord{Version: 1, Items: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read record: %v", ErrKeystoreUnavailable, err)
	}
	if err := checkPrivate(f.path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeystoreUnavailable, err)
	}

	plain, err := unprotect(data)
	if err != nil {
		return nil, fmt.Errorf("%w: unprotect record: %v", ErrKeystoreUnavailable, err)
	}

	var rec fileRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode record: %v", ErrKeystoreUnavailable, err)
	}
	if rec.Items == nil {
		rec.Items = map[string]string{}
	}
	return &rec, nil
}

func (f *FileKeyStore) save(rec *fileRecord) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode record: %v", ErrKeystoreUnavailable, err)
	}
	data, err := protect(plain)
	if err != nil {
		return fmt.Errorf("%w: protect record: %v", ErrKeystoreUnavailable, err)
	}
	if err := util.AtomicWriteFileWithDir(f.path, data, 0600, 0700); err != nil {
		return fmt.Errorf("%w: write record: %v", ErrKeystoreUnavailable, err)
	}
	return nil
}

// =============================================================================
// MEMORY KEYSTORE
// =============================================================================

// MemoryKeyStore holds the record in process memory. It backs tests and the
// "memory" keystore backend, where keys deliberately do not survive a restart.
type MemoryKeyStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryKeyStore returns an empty in-memory store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{items: make(map[string][]byte)}
}

func (m *MemoryKeyStore) Store(name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[name] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKeyStore) Retrieve(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKeyStore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, name)
	return nil
}

func (m *MemoryKeyStore) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[name]
	return ok
}

// Names lists the stored item names in sorted order.
func (m *MemoryKeyStore) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.items))
	for n := range m.items {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
