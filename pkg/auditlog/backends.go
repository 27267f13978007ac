// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auditlog

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/config"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/upload"
)

// OpenKeyStore opens the configured secure store backend. The closer is
// non-nil when the backend holds a resource (the file lock).
func OpenKeyStore(cfg *config.Config) (security.KeyStore, io.Closer, error) {
	switch cfg.Keystore.Backend {
	case config.KeystoreFile:
		ks, err := security.OpenFileKeyStore(cfg.Keystore.Path)
		if err != nil {
			return nil, nil, err
		}
		return ks, ks, nil
	case config.KeystoreVault:
		ks, err := security.NewVaultKeyStore(security.VaultConfig{
			Address: cfg.Keystore.VaultAddress,
			Token:   cfg.Keystore.VaultToken,
			Mount:   cfg.Keystore.VaultMount,
			Path:    cfg.Keystore.VaultPath,
			Timeout: cfg.VaultTimeout(),
		})
		if err != nil {
			return nil, nil, err
		}
		return ks, nil, nil
	case config.KeystoreMemory:
		return security.NewMemoryKeyStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown keystore backend %q", cfg.Keystore.Backend)
	}
}

// NewTransport builds the configured upload transport. It returns nil when
// uploads are disabled or no endpoint is set.
func NewTransport(cfg *config.Config, logger *slog.Logger) (upload.Transport, error) {
	switch cfg.Upload.Transport {
	case config.TransportHTTP:
		if cfg.Upload.Endpoint == "" {
			logger.Info("no ingestion endpoint configured, entries stay local")
			return nil, nil
		}
		t, err := upload.NewHTTPTransport(upload.HTTPConfig{
			Endpoint:  cfg.Upload.Endpoint,
			Token:     cfg.Upload.Token,
			UserAgent: cfg.Device.UserAgent,
			Timeout:   cfg.UploadTimeout(),
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.TransportS3:
		client := upload.NewS3Client(upload.S3Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		t, err := upload.NewS3Transport(client, cfg.S3.Bucket, cfg.S3.Prefix)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, nil
	}
}
