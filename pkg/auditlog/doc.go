// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auditlog is the entry point to the tamper-evident audit log.
//
// Every event becomes an entry linked to its predecessor by digest, written
// to a private local directory, and delivered to the ingestion endpoint on a
// best-effort basis. PHI details are encrypted with the active key before the
// entry is linked, so neither the disk nor the wire ever holds them in clear.
//
// Usage:
//
//	cfg, _ := config.Load()
//	log, err := auditlog.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer log.Close()
//	_ = log.Start(ctx)
//
//	log.RecordAuthEvent(userID, "LOGIN", nil)
//	log.RecordPHIAccess(userID, "claims", claimID, "VIEW", map[string]any{"diagnosis": dx})
//	log.RecordEvent(userID, "EXPORT", "reports", auditlog.EventOptions{LogLevel: auditlog.LevelWarning})
//
// Record methods return false instead of failing the caller. Verification
// failures append a CRITICAL SECURITY_INCIDENT entry and are reported through
// Health and WithChainBreakHandler.
package auditlog
