// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/config"
	"github.com/Lawrencewte/benefitmetrics-sub001/pkg/auditlog"
)

// InitOutput is the result of auditctl init.
type InitOutput struct {
	ConfigPath string `json:"configPath"`
	StorageDir string `json:"storageDir"`
	Keystore   string `json:"keystore"`
	DeviceID   string `json:"deviceId"`
	KeyVersion uint32 `json:"keyVersion"`
}

func newInitCmd(opts *globalOptions) *cobra.Command {
	var (
		force    bool
		dir      string
		endpoint string
		token    string
		backend  string
		keystore string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file and provision keys and device id",
		Long: `init writes a configuration file with the given settings, then opens
the audit log once so that the first encryption key, the chain head and the
device id are created in the secure store.`,
		Example: `  auditctl init
  auditctl init --dir /var/lib/benefitmetrics/audit --endpoint https://audit.example.com
  auditctl init --config ./audit.toml --keystore-backend memory`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.ConfigFile
			if path == "" {
				p, err := config.ConfigPath()
				if err != nil {
					return err
				}
				path = p
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
			}

			cfg := config.Default()
			if dir != "" {
				cfg.Storage.Dir = dir
			}
			if endpoint != "" {
				cfg.Upload.Endpoint = endpoint
			}
			if token != "" {
				cfg.Upload.Token = token
			}
			if backend != "" {
				cfg.Keystore.Backend = backend
			}
			if keystore != "" {
				cfg.Keystore.Path = keystore
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.SaveTOML(cfg, path); err != nil {
				return err
			}

			cfg.ApplyEnvOverrides()
			l, err := auditlog.New(cfg, auditlog.WithLogger(opts.logger(cfg, cmd.ErrOrStderr())))
			if err != nil {
				return fmt.Errorf("provision audit log: %w", err)
			}
			defer closeLogger(l, cmd)

			out := InitOutput{
				ConfigPath: path,
				StorageDir: cfg.Storage.Dir,
				Keystore:   cfg.Keystore.Backend,
				DeviceID:   l.DeviceID(),
			}
			if versions, err := l.KeyVersions(); err == nil {
				out.KeyVersion = activeVersion(versions)
			}

			return opts.emit(cmd, "init", out, nil, func(w io.Writer) {
				fmt.Fprintf(w, "Wrote %s\n", out.ConfigPath)
				fmt.Fprintf(w, "  Storage:   %s\n", out.StorageDir)
				fmt.Fprintf(w, "  Keystore:  %s\n", out.Keystore)
				fmt.Fprintf(w, "  Device ID: %s\n", out.DeviceID)
				fmt.Fprintf(w, "  Key:       v%d\n", out.KeyVersion)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().StringVar(&dir, "dir", "", "entry directory")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "ingestion endpoint base URL")
	cmd.Flags().StringVar(&token, "token", "", "ingestion bearer token")
	cmd.Flags().StringVar(&backend, "keystore-backend", "", "secure store backend (file, vault, memory)")
	cmd.Flags().StringVar(&keystore, "keystore-path", "", "file backend path")
	return cmd
}
