// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"sync"
	"time"
)

// Status is the overall health of the audit subsystem.
type Status string

const (
	// StatusHealthy means entries are chained, stored and delivered.
	StatusHealthy Status = "healthy"
	// StatusDegraded means entries are retained but delivery or disk
	// persistence is lagging.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy means the chain failed verification or the secure
	// store is unreachable.
	StatusUnhealthy Status = "unhealthy"
)

// Snapshot is a point-in-time health report.
type Snapshot struct {
	Status            Status    `json:"status"`
	Reasons           []string  `json:"reasons,omitempty"`
	ChainVerified     bool      `json:"chainVerified"`
	LastVerified      time.Time `json:"lastVerified,omitempty"`
	LastChainBreak    time.Time `json:"lastChainBreak,omitempty"`
	ChainBreakProblem string    `json:"chainBreakProblem,omitempty"`
	KeystoreAvailable bool      `json:"keystoreAvailable"`
	KeystoreError     string    `json:"keystoreError,omitempty"`
	FallbackQueue     int       `json:"fallbackQueue"`
	Pending           int       `json:"pending"`
	LastUploadError   string    `json:"lastUploadError,omitempty"`
	LastUploadSuccess time.Time `json:"lastUploadSuccess,omitempty"`
}

// Health accumulates signals from the audit components.
type Health struct {
	mu    sync.RWMutex
	state Snapshot
}

// NewHealth returns a healthy tracker.
func NewHealth() *Health {
	return &Health{state: Snapshot{ChainVerified: true, KeystoreAvailable: true}}
}

// SetVerified records a verification outcome. problem describes the first
// issue of a failed pass.
func (h *Health) SetVerified(ok bool, at time.Time, problem string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.ChainVerified = ok
	h.state.LastVerified = at
	if !ok {
		h.state.LastChainBreak = at
		h.state.ChainBreakProblem = problem
	}
}

// SetKeystore records the latest secure store outcome.
func (h *Health) SetKeystore(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.KeystoreAvailable = err == nil
	h.state.KeystoreError = ""
	if err != nil {
		h.state.KeystoreError = err.Error()
	}
}

// SetQueues records the fallback queue depth and pending entry count.
func (h *Health) SetQueues(fallback, pending int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.FallbackQueue = fallback
	h.state.Pending = pending
}

// SetUpload records the last delivery state.
func (h *Health) SetUpload(lastErr string, lastSuccess time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.LastUploadError = lastErr
	h.state.LastUploadSuccess = lastSuccess
}

// Snapshot returns the current report with Status and Reasons derived.
func (h *Health) Snapshot() Snapshot {
	h.mu.RLock()
	s := h.state
	h.mu.RUnlock()

	s.Status = StatusHealthy
	s.Reasons = nil
	if !s.ChainVerified {
		s.Status = StatusUnhealthy
		s.Reasons = append(s.Reasons, "chain verification failed: "+s.ChainBreakProblem)
	}
	if !s.KeystoreAvailable {
		s.Status = StatusUnhealthy
		s.Reasons = append(s.Reasons, "secure store unavailable")
	}
	if s.FallbackQueue > 0 {
		s.Status = worse(s.Status, StatusDegraded)
		s.Reasons = append(s.Reasons, "entries held in memory")
	}
	if s.LastUploadError != "" {
		s.Status = worse(s.Status, StatusDegraded)
		s.Reasons = append(s.Reasons, "last upload failed")
	}
	return s
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
