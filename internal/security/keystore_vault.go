// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig locates the secure-store record in a Vault KV version 2 engine.
type VaultConfig struct {
	Address string
	Token   string
	Mount   string // KV v2 mount, default "secret"
	Path    string // secret path below the mount
	Timeout time.Duration
}

// VaultKeyStore keeps the secure-store record as one KV v2 secret whose data
// map holds base64 item values. Each write is a read-modify-write of the
// whole secret under a local mutex.
type VaultKeyStore struct {
	mu      sync.Mutex
	logical *vault.Logical
	path    string
	timeout time.Duration
}

// NewVaultKeyStore builds a client for cfg. No request is made until the
// first store operation.
func NewVaultKeyStore(cfg VaultConfig) (*VaultKeyStore, error) {
	if cfg.Address == "" || cfg.Path == "" {
		return nil, errors.New("vault keystore: address and path are required")
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	vc := vault.DefaultConfig()
	vc.Address = cfg.Address
	vc.Timeout = cfg.Timeout
	vc.MaxRetries = 0

	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("%w: vault client: %v", ErrKeystoreUnavailable, err)
	}
	client.SetToken(cfg.Token)

	return &VaultKeyStore{
		logical: client.Logical(),
		path:    strings.Trim(cfg.Mount, "/") + "/data/" + strings.Trim(cfg.Path, "/"),
		timeout: cfg.Timeout,
	}, nil
}

func (v *VaultKeyStore) Store(name string, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()

	items, err := v.read(ctx)
	if err != nil {
		return err
	}
	items[name] = base64.StdEncoding.EncodeToString(value)
	return v.write(ctx, items)
}

func (v *VaultKeyStore) Retrieve(name string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()

	items, err := v.read(ctx)
	if err != nil {
		return nil, err
	}
	enc, ok := items[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	value, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: item %s is corrupt: %v", ErrKeystoreUnavailable, name, err)
	}
	return value, nil
}

func (v *VaultKeyStore) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()

	items, err := v.read(ctx)
	if err != nil {
		return err
	}
	if _, ok := items[name]; !ok {
		return nil
	}
	delete(items, name)
	return v.write(ctx, items)
}

func (v *VaultKeyStore) Exists(name string) bool {
	_, err := v.Retrieve(name)
	return err == nil
}

// read returns the current item map; an absent secret is an empty map.
func (v *VaultKeyStore) read(ctx context.Context) (map[string]string, error) {
	secret, err := v.logical.ReadWithContext(ctx, v.path)
	if err != nil {
		return nil, fmt.Errorf("%w: vault read: %v", ErrKeystoreUnavailable, err)
	}
	items := make(map[string]string)
	if secret == nil || secret.Data == nil {
		return items, nil
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return items, nil
	}
	for k, raw := range data {
		if s, ok := raw.(string); ok {
			items[k] = s
		}
	}
	return items, nil
}

func (v *VaultKeyStore) write(ctx context.Context, items map[string]string) error {
	data := make(map[string]interface{}, len(items))
	for k, s := range items {
		data[k] = s
	}
	if _, err := v.logical.WriteWithContext(ctx, v.path, map[string]interface{}{"data": data}); err != nil {
		return fmt.Errorf("%w: vault write: %v", ErrKeystoreUnavailable, err)
	}
	return nil
}
