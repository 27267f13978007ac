// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry exposes the operational state of the audit subsystem.
//
// # Key Types
//
//   - Metrics: prometheus counters and gauges for recording, storage,
//     upload and verification outcomes
//   - Health: healthy/degraded/unhealthy signal with the reasons behind it
//
// # Usage
//
//	m := telemetry.NewMetrics()
//	_ = m.Register(prometheus.NewRegistry())
//	h := telemetry.NewHealth()
//	h.SetVerified(false, time.Now(), "entry 12 link mismatch")
//	snap := h.Snapshot() // snap.Status == telemetry.StatusUnhealthy
//
// # Privacy
//
// Labels are fixed enumerations (log level, result). No actor, resource or
// details value ever becomes a label.
package telemetry
