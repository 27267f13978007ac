// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the audit subsystem configuration.
//
// # Key Types
//
//   - Config: all settings, one struct per TOML section
//   - ValidationErrors: every invalid setting found by Validate
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (BMAUDIT_*)
//   - ~/.benefitmetrics/audit.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	window := cfg.RetentionWindow()
package config
