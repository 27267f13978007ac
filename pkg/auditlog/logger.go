// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/config"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/logging"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/retention"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security/audit"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/telemetry"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/upload"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// Actions written by the logger itself.
const (
	ActionSecurityIncident = "SECURITY_INCIDENT"
	ActionPHIRecordFailed  = "PHI_RECORD_FAILED"
	ActionKeyRotated       = "KEY_ROTATED"

	// ResourceAuditLog is the resource named by the logger's own entries.
	ResourceAuditLog = "audit_log"
	// ResourceAuth is the resource of authentication events.
	ResourceAuth = "auth"
)

// Log levels, re-exported for callers outside this module.
const (
	LevelInfo      = audit.LevelInfo
	LevelWarning   = audit.LevelWarning
	LevelError     = audit.LevelError
	LevelCritical  = audit.LevelCritical
	LevelPHIAccess = audit.LevelPHIAccess
	LevelAuth      = audit.LevelAuth
)

// watchDebounce groups bursts of file events into one verification.
const watchDebounce = 500 * time.Millisecond

// EventOptions are the optional fields of RecordEvent.
type EventOptions struct {
	ResourceID string
	// Details is any JSON-encodable value.
	Details     any
	LogLevel    audit.LogLevel
	ContainsPHI bool
}

// =============================================================================
// LOGGER
// =============================================================================

// Logger is the audit subsystem behind the three record entry points. Record
// methods never panic into the caller and never block on the network; they
// report success as a bool.
type Logger struct {
	cfg      *config.Config
	log      *slog.Logger
	deviceID string

	keyStore security.KeyStore
	closers  []io.Closer
	keys     *security.KeyManager
	cipher   *security.Cipher

	chain     *audit.Chain
	store     *audit.Store
	builder   *audit.Builder
	verifier  *audit.Verifier
	syncer    *upload.Syncer
	retention *retention.Manager

	metrics *telemetry.Metrics
	health  *telemetry.Health
	onBreak func(*audit.Report)

	incidentMu   sync.Mutex
	lastIncident string

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	watcher *audit.Watcher
}

// New opens the secure store, provisions the key and device id, replays any
// entries written after the last head commit, and, if configured, verifies
// the chain. Background work starts with Start.
func New(cfg *config.Config, opts ...Option) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	l := &Logger{
		cfg:     cfg,
		log:     o.logger,
		metrics: telemetry.NewMetrics(),
		health:  telemetry.NewHealth(),
		onBreak: o.onBreak,
	}
	if l.log == nil {
		l.log = logging.NewStderr(cfg.Logging.Level, cfg.Logging.Format)
	}
	if o.registerer != nil {
		if err := l.metrics.Register(o.registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	ok := false
	defer func() {
		if !ok {
			l.closeStores()
		}
	}()

	l.keyStore = o.keyStore
	if l.keyStore == nil {
		ks, closer, err := OpenKeyStore(cfg)
		if err != nil {
			return nil, err
		}
		l.keyStore = ks
		if closer != nil {
			l.closers = append(l.closers, closer)
		}
	}

	l.keys = security.NewKeyManager(l.keyStore)
	if err := l.keys.GenerateKey(); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	l.cipher = security.NewCipher(cfg.Crypto.PBKDF2Iterations)

	deviceID, err := provisionDeviceID(l.keyStore, cfg.Device.DeviceID)
	if err != nil {
		return nil, err
	}
	l.deviceID = deviceID

	heads := o.heads
	if heads == nil {
		heads = audit.NewKeyStoreHeads(l.keyStore)
	}
	if l.chain, err = audit.NewChain(heads); err != nil {
		return nil, fmt.Errorf("load chain head: %w", err)
	}

	storeOpts := append([]audit.StoreOption{audit.WithStoreLogger(l.log)}, o.storeOpts...)
	if l.store, err = audit.NewStore(cfg.Storage.Dir, storeOpts...); err != nil {
		return nil, err
	}
	l.recover()

	l.builder = audit.NewBuilder(cfg.Device.UserAgent, deviceID, cfg.Device.AppVersion, o.builderOpts...)
	l.verifier = audit.NewVerifier(l.chain, l.store, l, l.log)

	transport := o.transport
	if !o.hasTransport {
		if transport, err = NewTransport(cfg, l.log); err != nil {
			return nil, err
		}
	}
	l.syncer = upload.NewSyncer(l.store, transport, upload.Options{
		DeviceID:        deviceID,
		AppVersion:      cfg.Device.AppVersion,
		BatchSize:       cfg.Upload.BatchSize,
		ImmediatePerSec: cfg.Upload.ImmediatePerSec,
		Logger:          l.log,
		Observer:        l.metrics,
	})
	l.retention = retention.NewManager(l.store, l.syncer, retention.Config{
		Window:          cfg.RetentionWindow(),
		Interval:        cfg.RetentionInterval(),
		DropUndelivered: cfg.Retention.DropUndelivered,
		Logger:          l.log,
	})

	if cfg.Storage.VerifyOnStartup {
		l.VerifyChain(context.Background())
	}
	ok = true
	return l, nil
}

// recover replays entries written after the last head commit.
func (l *Logger) recover() {
	entries, err := l.store.List()
	if err != nil {
		l.log.Error("list entries for recovery", "error", err)
		return
	}
	n, err := l.chain.Recover(entries)
	if n > 0 {
		l.log.Warn("replayed uncommitted audit entries", "count", n)
	}
	if err != nil {
		l.log.Error("audit chain recovery stopped", "error", err)
	}
}

// provisionDeviceID returns configured, or the id kept in the secure store,
// creating one on first use.
func provisionDeviceID(ks security.KeyStore, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	data, err := ks.Retrieve(security.ItemDeviceID)
	if err == nil && len(data) > 0 {
		return string(data), nil
	}
	if err != nil && !errors.Is(err, security.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: load device id: %v", security.ErrKeystoreUnavailable, err)
	}
	id := uuid.NewString()
	if err := ks.Store(security.ItemDeviceID, []byte(id)); err != nil {
		return "", fmt.Errorf("%w: store device id: %v", security.ErrKeystoreUnavailable, err)
	}
	return id, nil
}

// =============================================================================
// ENTRY POINTS
// =============================================================================

// RecordEvent records a generic event.
func (l *Logger) RecordEvent(actorID, action, resource string, opts EventOptions) bool {
	return l.record(actorID, action, resource, audit.BuildOptions{
		ResourceID:  opts.ResourceID,
		Details:     opts.Details,
		LogLevel:    opts.LogLevel,
		ContainsPHI: opts.ContainsPHI,
	})
}

// RecordPHIAccess records access to protected health information. details
// are encrypted before the entry is linked or written.
func (l *Logger) RecordPHIAccess(actorID, resource, resourceID, action string, details any) bool {
	return l.record(actorID, action, resource, audit.BuildOptions{
		ResourceID:  resourceID,
		Details:     details,
		LogLevel:    audit.LevelPHIAccess,
		ContainsPHI: true,
	})
}

// RecordAuthEvent records an authentication event.
func (l *Logger) RecordAuthEvent(actorID, action string, details any) bool {
	return l.record(actorID, action, ResourceAuth, audit.BuildOptions{
		Details:  details,
		LogLevel: audit.LevelAuth,
	})
}

func (l *Logger) record(actorID, action, resource string, opts audit.BuildOptions) (ok bool) {
	level := opts.LogLevel
	if level == "" {
		level = audit.LevelInfo
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("audit record panicked",
				"action", security.Sanitize(action), "panic", security.Sanitize(fmt.Sprint(r)))
			ok = false
		}
		l.metrics.ObserveRecord(string(level), ok)
	}()

	e, err := l.builder.Build(actorID, action, resource, opts)
	if err != nil {
		l.log.Warn("audit entry rejected", "action", security.Sanitize(action), "error", security.Sanitize(err.Error()))
		return false
	}

	if e.ContainsPHI {
		if err := l.seal(e); err != nil {
			l.sealFailed(e, err)
			return false
		}
	}

	if err := l.append(e); err != nil {
		l.log.Error("audit entry not recorded", "action", e.Action, "error", err)
		return false
	}

	if (e.LogLevel.Urgent() || e.ContainsPHI) && l.cfg.Upload.Immediate {
		l.syncer.Enqueue(e)
	}
	return true
}

// seal replaces e's details with their ciphertext under the active key. The
// entry id is bound as associated data.
func (l *Logger) seal(e *audit.Entry) error {
	if len(e.Details) == 0 {
		return nil
	}
	key, err := l.keys.GetKey()
	if err != nil {
		l.metrics.IncKeystoreFailure()
		l.health.SetKeystore(err)
		return err
	}
	if key == nil {
		return security.ErrNoKey
	}
	l.health.SetKeystore(nil)

	blob, err := l.cipher.Encrypt(e.Details, key.Material, []byte(e.ID))
	if err != nil {
		return err
	}
	security.ZeroBytes(e.Details)
	e.Details = nil
	e.Sealed = &audit.SealedPayload{
		KeyVersion: key.Version,
		Algorithm:  audit.SealAlgorithm,
		Ciphertext: blob,
	}
	return nil
}

// sealFailed leaves a non-PHI trace of a PHI access that could not be
// recorded.
func (l *Logger) sealFailed(e *audit.Entry, err error) {
	reason := security.Sanitize(err.Error())
	l.log.Warn("PHI access not recorded: encryption unavailable",
		"action", security.Sanitize(e.Action), "resource", security.Sanitize(e.Resource), "reason", reason)

	trace, berr := l.builder.Build(security.Sanitize(e.ActorID), ActionPHIRecordFailed, security.Sanitize(e.Resource), audit.BuildOptions{
		LogLevel: audit.LevelError,
		Details: map[string]string{
			"attemptedAction": security.Sanitize(e.Action),
			"reason":          reason,
		},
	})
	if berr != nil {
		return
	}
	if aerr := l.append(trace); aerr != nil {
		l.log.Error("failure trace not recorded", "error", aerr)
	}
}

// append links and persists e. A disk failure that left e on the in-memory
// queue and a failed head commit both still count as recorded.
func (l *Logger) append(e *audit.Entry) error {
	_, err := l.chain.Append(e, func(e *audit.Entry) error {
		werr := l.store.Write(e)
		if errors.Is(werr, audit.ErrStorageWrite) {
			l.metrics.IncWriteFallback()
			l.health.SetQueues(l.store.Pending(), 0)
			return nil
		}
		return werr
	})
	if errors.Is(err, audit.ErrHeadCommit) {
		l.metrics.IncKeystoreFailure()
		l.health.SetKeystore(err)
		l.log.Warn("chain head not committed, will replay on restart", "sequence", e.Sequence)
		return nil
	}
	return err
}

// =============================================================================
// VERIFICATION AND INCIDENTS
// =============================================================================

// VerifyChain checks every retained entry against its neighbours and the
// persisted head. A failure appends a CRITICAL security incident entry and
// logging continues.
func (l *Logger) VerifyChain(ctx context.Context) (bool, *audit.Report) {
	ok, rep := l.verifier.VerifyChain(ctx)
	l.metrics.ObserveVerify(ok)
	if ok {
		l.health.SetVerified(true, rep.CheckedAt, "")
	}
	return ok, rep
}

// RecordChainBreak implements audit.IncidentRecorder. The same first issue
// is recorded once, however many passes observe it.
func (l *Logger) RecordChainBreak(rep *audit.Report) {
	first := rep.Issues[0]
	problem := security.Sanitize(first.Problem)
	l.health.SetVerified(false, rep.CheckedAt, problem)

	key := fmt.Sprintf("%d/%s/%s", first.Sequence, first.EntryID, problem)
	l.incidentMu.Lock()
	fresh := key != l.lastIncident
	l.lastIncident = key
	l.incidentMu.Unlock()

	if fresh {
		e, err := l.builder.Build("system", ActionSecurityIncident, ResourceAuditLog, audit.BuildOptions{
			LogLevel: audit.LevelCritical,
			Details: map[string]any{
				"event":        "CHAIN_VERIFICATION_FAILED",
				"checkedAt":    rep.CheckedAt,
				"headSequence": rep.Head.Sequence,
				"issueCount":   len(rep.Issues),
				"firstIssue": map[string]any{
					"sequence": first.Sequence,
					"entryId":  first.EntryID,
					"problem":  problem,
				},
			},
		})
		if err == nil {
			if err := l.append(e); err != nil {
				l.log.Error("security incident not recorded", "error", err)
			} else if l.cfg.Upload.Immediate {
				l.syncer.Enqueue(e)
			}
		}
	}

	if l.onBreak != nil {
		l.onBreak(rep)
	}
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// OpenDetails returns the plaintext details of e, decrypting sealed details
// with the key version recorded in the entry.
func (l *Logger) OpenDetails(e *audit.Entry) (json.RawMessage, error) {
	if e.Sealed == nil {
		return e.Details, nil
	}
	key, err := l.keys.KeyByVersion(e.Sealed.KeyVersion)
	if err != nil {
		return nil, err
	}
	return l.cipher.Decrypt(e.Sealed.Ciphertext, key.Material, []byte(e.ID))
}

// RotateKey makes a new key version active and records the rotation.
func (l *Logger) RotateKey() (uint32, error) {
	k, err := l.keys.RotateKey()
	if err != nil {
		l.metrics.IncKeystoreFailure()
		l.health.SetKeystore(err)
		return 0, err
	}
	l.RecordEvent("system", ActionKeyRotated, ResourceAuditLog, EventOptions{
		LogLevel: audit.LevelWarning,
		Details:  map[string]any{"version": k.Version, "rotatedFrom": k.RotatedFrom},
	})
	return k.Version, nil
}

// KeyVersions lists key versions without material.
func (l *Logger) KeyVersions() ([]security.Key, error) {
	return l.keys.Versions()
}

// SyncPending uploads every pending entry now.
func (l *Logger) SyncPending(ctx context.Context) (upload.Result, error) {
	return l.syncer.SyncPending(ctx)
}

// RunCleanup runs one upload-then-prune pass.
func (l *Logger) RunCleanup(ctx context.Context) (retention.Report, error) {
	return l.retention.RunCleanup(ctx)
}

// LastCleanup returns the most recent completed cleanup pass.
func (l *Logger) LastCleanup() (retention.Report, bool) {
	return l.retention.LastReport()
}

// Entries returns retained entries in chain order.
func (l *Logger) Entries() ([]*audit.Entry, error) {
	return l.store.List()
}

// Head returns the current chain head.
func (l *Logger) Head() audit.Head { return l.chain.Head() }

// DeviceID returns the device id stamped on entries and batches.
func (l *Logger) DeviceID() string { return l.deviceID }

// Metrics returns the prometheus collectors.
func (l *Logger) Metrics() *telemetry.Metrics { return l.metrics }

// Health refreshes queue and delivery state and returns a snapshot.
func (l *Logger) Health() telemetry.Snapshot {
	st := l.syncer.Status()
	l.health.SetUpload(st.LastError, st.LastSuccess)

	pending := 0
	if refs, err := l.store.Refs(); err == nil {
		pending = len(refs)
	}
	fallback := l.store.Pending()
	l.health.SetQueues(fallback, pending)
	l.metrics.SetPending(pending)
	l.metrics.SetFallbackQueue(fallback)
	return l.health.Snapshot()
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start launches immediate delivery, the retention cycle and, if configured,
// the tamper watcher. It returns once they are running.
func (l *Logger) Start(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	if l.cfg.Storage.Watch {
		w, err := audit.NewWatcher(l.cfg.Storage.Dir, watchDebounce, func(ctx context.Context) {
			l.VerifyChain(ctx)
		}, l.log)
		if err != nil {
			cancel()
			return fmt.Errorf("watch entry directory: %w", err)
		}
		w.Start()
		l.watcher = w
	}

	l.syncer.Start(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.retention.Run(ctx)
	}()

	l.cancel = cancel
	l.running = true
	return nil
}

// Close stops background work and releases the secure store if New opened
// it. Entries already written stay on disk for the next run.
func (l *Logger) Close() error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	var errs []error
	if l.running {
		l.cancel()
		l.wg.Wait()
		if l.watcher != nil {
			errs = append(errs, l.watcher.Close())
			l.watcher = nil
		}
		l.running = false
	}
	errs = append(errs, l.syncer.Close())
	if err := l.store.Flush(); err != nil {
		l.log.Error("audit entries still queued in memory at shutdown", "count", l.store.Pending(), "error", err)
		errs = append(errs, err)
	}
	errs = append(errs, l.closeStores())
	return errors.Join(errs...)
}

func (l *Logger) closeStores() error {
	var errs []error
	for _, c := range l.closers {
		errs = append(errs, c.Close())
	}
	l.closers = nil
	return errors.Join(errs...)
}
