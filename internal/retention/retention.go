// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retention runs the periodic upload-then-prune cycle over the local
// audit store.
//
// Local storage is not the system of record. Each cycle first tries to
// deliver everything pending and then, when DropUndelivered is set, deletes
// entries older than the retention window whether or not they were
// delivered.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/upload"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultWindow is how long entries are kept locally.
	DefaultWindow = 7 * 24 * time.Hour

	// DefaultInterval is how often the cycle runs.
	DefaultInterval = 15 * time.Minute
)

// ErrNotAttempted means the upload step could not start, so nothing was
// pruned.
var ErrNotAttempted = errors.New("retention: upload was not attempted, prune skipped")

// =============================================================================
// COLLABORATORS
// =============================================================================

// Store is the local store being pruned. *audit.Store satisfies it.
type Store interface {
	Flush() error
	PruneOlderThan(cutoff time.Time) (int, error)
}

// Uploader drains pending entries. *upload.Syncer satisfies it.
type Uploader interface {
	SyncPending(ctx context.Context) (upload.Result, error)
}

// Config configures a Manager.
type Config struct {
	// Window is the retention window. Entries strictly older are pruned.
	Window time.Duration
	// Interval is the period used by Run.
	Interval time.Duration
	// DropUndelivered prunes expired entries even if they were never
	// delivered. When false, expired entries wait for delivery.
	DropUndelivered bool
	Logger          *slog.Logger
	// Now overrides the clock (tests).
	Now func() time.Time
}

// DefaultConfig returns a 7 day window, 15 minute interval, dropping
// undelivered entries.
func DefaultConfig() Config {
	return Config{
		Window:          DefaultWindow,
		Interval:        DefaultInterval,
		DropUndelivered: true,
	}
}

// Report describes one cleanup pass.
type Report struct {
	StartedAt   time.Time     `json:"startedAt"`
	Cutoff      time.Time     `json:"cutoff"`
	Upload      upload.Result `json:"upload"`
	UploadError string        `json:"uploadError,omitempty"`
	Pruned      int           `json:"pruned"`
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager runs cleanup passes. Passes never overlap.
type Manager struct {
	store    Store
	uploader Uploader
	cfg      Config

	mu   sync.Mutex
	last *Report
}

// NewManager returns a manager, filling zero config fields with defaults.
func NewManager(store Store, uploader Uploader, cfg Config) *Manager {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{store: store, uploader: uploader, cfg: cfg}
}

// RunCleanup flushes the in-memory fallback queue, attempts to upload every
// pending entry, then prunes entries strictly older than the window. An
// upload failure does not stop the prune; it is reported in Report. Pruning
// is skipped when no upload attempt could be made.
func (m *Manager) RunCleanup(ctx context.Context) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now()
	rep := Report{StartedAt: now, Cutoff: now.Add(-m.cfg.Window)}

	if err := m.store.Flush(); err != nil {
		m.cfg.Logger.Warn("audit fallback queue still pending", "error", err)
	}

	res, err := m.uploader.SyncPending(ctx)
	rep.Upload = res
	if err != nil {
		rep.UploadError = err.Error()
	}
	if !res.Attempted {
		return rep, fmt.Errorf("%w: %v", ErrNotAttempted, err)
	}
	defer func() { m.last = &rep }()

	if !m.cfg.DropUndelivered {
		return rep, nil
	}

	pruned, perr := m.store.PruneOlderThan(rep.Cutoff)
	rep.Pruned = pruned
	if perr != nil {
		return rep, fmt.Errorf("prune expired entries: %w", perr)
	}
	if pruned > 0 {
		m.cfg.Logger.Info("pruned expired audit entries",
			"count", pruned, "cutoff", rep.Cutoff, "undelivered", rep.Upload.Remaining > 0)
	}
	return rep, nil
}

// LastReport returns the most recent completed pass, if any.
func (m *Manager) LastReport() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Report{}, false
	}
	return *m.last, true
}

// Run performs a pass immediately and then every Interval until ctx is
// done. Pass failures are logged.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.cfg.Logger.Info("audit retention started",
		slog.Duration("window", m.cfg.Window),
		slog.Duration("interval", m.cfg.Interval))

	m.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			m.cfg.Logger.Info("audit retention stopping")
			return
		case <-ticker.C:
			m.pass(ctx)
		}
	}
}

func (m *Manager) pass(ctx context.Context) {
	rep, err := m.RunCleanup(ctx)
	if err != nil {
		m.cfg.Logger.Error("audit cleanup failed", "error", err)
		return
	}
	m.cfg.Logger.Debug("audit cleanup complete",
		"sent", rep.Upload.Sent, "remaining", rep.Upload.Remaining, "pruned", rep.Pruned)
}
