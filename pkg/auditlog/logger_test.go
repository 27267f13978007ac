// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/config"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/logging"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security/audit"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/telemetry"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/upload"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

// switchableKeyStore fails every operation while down is set.
type switchableKeyStore struct {
	*security.MemoryKeyStore
	down atomic.Bool
}

func newSwitchableKeyStore() *switchableKeyStore {
	return &switchableKeyStore{MemoryKeyStore: security.NewMemoryKeyStore()}
}

var errStoreDown = errors.New("secure enclave not responding")

func (s *switchableKeyStore) Store(name string, value []byte) error {
	if s.down.Load() {
		return errStoreDown
	}
	return s.MemoryKeyStore.Store(name, value)
}

func (s *switchableKeyStore) Retrieve(name string) ([]byte, error) {
	if s.down.Load() {
		return nil, errStoreDown
	}
	return s.MemoryKeyStore.Retrieve(name)
}

// recordingTransport keeps delivered batches.
type recordingTransport struct {
	mu      sync.Mutex
	entries []*audit.Entry
	err     error
}

func (r *recordingTransport) Send(_ context.Context, b upload.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, b.Logs...)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type panicky struct{}

func (panicky) MarshalJSON() ([]byte, error) { panic("details exploded") }

// =============================================================================
// HELPERS
// =============================================================================

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Dir = filepath.Join(t.TempDir(), "audit-logs")
	cfg.Storage.Watch = false
	cfg.Storage.VerifyOnStartup = false
	cfg.Keystore.Backend = config.KeystoreMemory
	cfg.Upload.Transport = config.TransportNone
	cfg.Crypto.PBKDF2Iterations = security.MinPBKDF2Iterations
	cfg.Device.DeviceID = "device-test"
	return cfg
}

func newTestLogger(t *testing.T, cfg *config.Config, opts ...Option) *Logger {
	t.Helper()
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithStoreOptions(audit.WithRetry(1, time.Millisecond)),
		WithBuilderOptions(
			audit.WithDeviceInfo(func() (*audit.DeviceInfo, error) { return nil, nil }),
			audit.WithAddress(func() (string, error) { return "", nil }),
		),
	}, opts...)
	l, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func entriesByAction(t *testing.T, l *Logger, action string) []*audit.Entry {
	t.Helper()
	all, err := l.Entries()
	require.NoError(t, err)
	var out []*audit.Entry
	for _, e := range all {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func readAllFiles(t *testing.T, dir string) string {
	t.Helper()
	var sb strings.Builder
	names, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, n := range names {
		data, err := os.ReadFile(filepath.Join(dir, n.Name()))
		require.NoError(t, err)
		sb.Write(data)
	}
	return sb.String()
}

// =============================================================================
// RECORDING
// =============================================================================

func TestRecordEvent_ChainVerifies(t *testing.T) {
	l := newTestLogger(t, testConfig(t))

	require.True(t, l.RecordEvent("user-1", "LOGIN_PAGE_VIEW", "ui", EventOptions{}))
	require.True(t, l.RecordEvent("user-1", "EXPORT", "reports", EventOptions{
		LogLevel: LevelWarning,
		Details:  map[string]int{"rows": 12},
	}))
	require.True(t, l.RecordAuthEvent("user-1", "LOGOUT", nil))

	ok, rep := l.VerifyChain(context.Background())
	require.True(t, ok, "%+v", rep.Issues)
	assert.Equal(t, 3, rep.Checked)
	assert.Equal(t, uint64(3), l.Head().Sequence)

	entries, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Empty(t, entries[0].PreviousDigest)
	assert.Equal(t, audit.LevelAuth, entries[2].LogLevel)
	assert.Equal(t, ResourceAuth, entries[2].Resource)
	assert.Equal(t, "device-test", l.DeviceID())
}

func TestRecordEvent_InvalidLevel(t *testing.T) {
	l := newTestLogger(t, testConfig(t))
	assert.False(t, l.RecordEvent("user-1", "X", "y", EventOptions{LogLevel: "VERBOSE"}))
	assert.Zero(t, l.Head().Sequence)
}

func TestRecordEvent_PanicIsContained(t *testing.T) {
	l := newTestLogger(t, testConfig(t))
	assert.NotPanics(t, func() {
		assert.False(t, l.RecordEvent("user-1", "X", "y", EventOptions{Details: panicky{}}))
	})
	assert.True(t, l.RecordEvent("user-1", "AFTER", "y", EventOptions{}))
}

func TestRecordPHIAccess_NoPlaintextAtRest(t *testing.T) {
	cfg := testConfig(t)
	l := newTestLogger(t, cfg)

	details := map[string]string{
		"patientName": "Eleanor Vance",
		"diagnosis":   "Type 2 diabetes mellitus",
		"ssn":         "123-45-6789",
		"note":        "prior authorization pending",
	}
	require.True(t, l.RecordPHIAccess("clinician-7", "claims", "claim-991", "VIEW", details))

	onDisk := readAllFiles(t, cfg.Storage.Dir)
	require.NotEmpty(t, onDisk)
	for field, value := range details {
		assert.NotContains(t, onDisk, value, field)
	}

	entries := entriesByAction(t, l, "VIEW")
	require.Len(t, entries, 1)
	e := entries[0]
	assert.True(t, e.ContainsPHI)
	assert.Equal(t, audit.LevelPHIAccess, e.LogLevel)
	assert.Nil(t, e.Details)
	require.NotNil(t, e.Sealed)
	assert.Equal(t, uint32(1), e.Sealed.KeyVersion)

	plain, err := l.OpenDetails(e)
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(plain, &got))
	assert.Equal(t, details, got)

	ok, rep := l.VerifyChain(context.Background())
	assert.True(t, ok, "%+v", rep.Issues)
}

func TestOpenDetails_TransplantedCiphertextFails(t *testing.T) {
	l := newTestLogger(t, testConfig(t))
	require.True(t, l.RecordPHIAccess("u", "claims", "c1", "VIEW", map[string]string{"dx": "a"}))
	require.True(t, l.RecordPHIAccess("u", "claims", "c2", "VIEW", map[string]string{"dx": "b"}))

	entries := entriesByAction(t, l, "VIEW")
	require.Len(t, entries, 2)
	forged := entries[1].Clone()
	forged.Sealed = entries[0].Sealed

	_, err := l.OpenDetails(forged)
	require.ErrorIs(t, err, security.ErrIntegrityViolation)
}

func TestRecordPHIAccess_KeystoreUnavailable(t *testing.T) {
	cfg := testConfig(t)
	ks := newSwitchableKeyStore()
	l := newTestLogger(t, cfg, WithKeyStore(ks), WithHeadStore(&audit.MemoryHeads{}))

	ks.down.Store(true)
	var ok bool
	require.NotPanics(t, func() {
		ok = l.RecordPHIAccess("clinician-7", "claims", "claim-1", "VIEW", map[string]string{"diagnosis": "asthma"})
	})
	assert.False(t, ok)

	failed := entriesByAction(t, l, ActionPHIRecordFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, audit.LevelError, failed[0].LogLevel)
	assert.False(t, failed[0].ContainsPHI)
	assert.Equal(t, "clinician-7", failed[0].ActorID)
	assert.Equal(t, "claims", failed[0].Resource)
	assert.NotContains(t, string(failed[0].Details), "asthma")
	assert.Contains(t, string(failed[0].Details), `"attemptedAction":"VIEW"`)

	assert.NotContains(t, readAllFiles(t, cfg.Storage.Dir), "asthma")

	snap := l.Health()
	assert.Equal(t, telemetry.StatusUnhealthy, snap.Status)
	assert.False(t, snap.KeystoreAvailable)

	// Recovery.
	ks.down.Store(false)
	assert.True(t, l.RecordPHIAccess("clinician-7", "claims", "claim-1", "VIEW", map[string]string{"diagnosis": "asthma"}))
	assert.True(t, l.Health().KeystoreAvailable)
}

func TestRecordPHIAccess_KeystoreUnavailableTraceIsSanitized(t *testing.T) {
	cfg := testConfig(t)
	ks := newSwitchableKeyStore()
	l := newTestLogger(t, cfg, WithKeyStore(ks), WithHeadStore(&audit.MemoryHeads{}))

	ks.down.Store(true)
	assert.False(t, l.RecordPHIAccess("jane.doe@example.com", "member 555-12-3456",
		"claim-1", "VIEW ssn 123456789", map[string]string{"dx": "asthma"}))

	failed := entriesByAction(t, l, ActionPHIRecordFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "[EMAIL_REDACTED]", failed[0].ActorID)
	assert.Equal(t, "member [SSN_REDACTED]", failed[0].Resource)
	assert.NotContains(t, string(failed[0].Details), "123456789")

	files := readAllFiles(t, cfg.Storage.Dir)
	assert.NotContains(t, files, "jane.doe@example.com")
	assert.NotContains(t, files, "555-12-3456")
}

func TestRecord_HeadCommitFailureStillRecords(t *testing.T) {
	ks := newSwitchableKeyStore()
	l := newTestLogger(t, testConfig(t), WithKeyStore(ks))

	require.True(t, l.RecordEvent("u", "A", "r", EventOptions{}))
	ks.down.Store(true)
	assert.True(t, l.RecordEvent("u", "B", "r", EventOptions{}), "entry is durable even though the head commit failed")
	assert.Equal(t, uint64(2), l.Head().Sequence)
}

// =============================================================================
// VERIFICATION
// =============================================================================

func TestVerifyChain_TamperAppendsIncident(t *testing.T) {
	cfg := testConfig(t)
	var breaks atomic.Int32
	l := newTestLogger(t, cfg, WithChainBreakHandler(func(*audit.Report) { breaks.Add(1) }))

	require.True(t, l.RecordEvent("u", "A", "claims", EventOptions{Details: map[string]string{"status": "original"}}))
	a := entriesByAction(t, l, "A")[0]
	path := filepath.Join(cfg.Storage.Dir, audit.FileName(a.Sequence, a.ID))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), "original", "modified", 1)), 0600))

	require.True(t, l.RecordEvent("u", "B", "claims", EventOptions{}))

	ok, rep := l.VerifyChain(context.Background())
	require.False(t, ok)
	require.NotEmpty(t, rep.Issues)

	incidents := entriesByAction(t, l, ActionSecurityIncident)
	require.Len(t, incidents, 1)
	assert.Equal(t, audit.LevelCritical, incidents[0].LogLevel)
	assert.False(t, incidents[0].ContainsPHI)
	assert.Contains(t, string(incidents[0].Details), "CHAIN_VERIFICATION_FAILED")

	// Logging continues and the same break is not recorded twice.
	assert.True(t, l.RecordEvent("u", "C", "claims", EventOptions{}))
	ok, _ = l.VerifyChain(context.Background())
	require.False(t, ok)
	assert.Len(t, entriesByAction(t, l, ActionSecurityIncident), 1)
	assert.Equal(t, int32(2), breaks.Load())

	snap := l.Health()
	assert.Equal(t, telemetry.StatusUnhealthy, snap.Status)
	assert.False(t, snap.ChainVerified)
}

func TestNew_ReplaysUncommittedEntries(t *testing.T) {
	cfg := testConfig(t)
	ks := security.NewMemoryKeyStore()
	heads := &audit.MemoryHeads{}

	l1 := newTestLogger(t, cfg, WithKeyStore(ks), WithHeadStore(heads))
	require.True(t, l1.RecordEvent("u", "A", "r", EventOptions{}))
	heads.FailSaves(errors.New("power lost"))
	require.True(t, l1.RecordEvent("u", "B", "r", EventOptions{}))
	require.NoError(t, l1.Close())

	heads.FailSaves(nil)
	committed, err := heads.LoadHead()
	require.NoError(t, err)
	require.Equal(t, uint64(1), committed.Sequence)

	cfg.Storage.VerifyOnStartup = true
	l2 := newTestLogger(t, cfg, WithKeyStore(ks), WithHeadStore(heads))
	assert.Equal(t, uint64(2), l2.Head().Sequence)
	assert.Equal(t, telemetry.StatusHealthy, l2.Health().Status)
	assert.Empty(t, entriesByAction(t, l2, ActionSecurityIncident))
}

func TestNew_DeviceIDProvisionedOnce(t *testing.T) {
	ks := security.NewMemoryKeyStore()

	cfg := testConfig(t)
	cfg.Device.DeviceID = ""
	l1 := newTestLogger(t, cfg, WithKeyStore(ks))
	require.NotEmpty(t, l1.DeviceID())
	require.NoError(t, l1.Close())

	cfg2 := testConfig(t)
	cfg2.Device.DeviceID = ""
	l2 := newTestLogger(t, cfg2, WithKeyStore(ks))
	assert.Equal(t, l1.DeviceID(), l2.DeviceID())
}

func TestNew_KeystoreUnavailable(t *testing.T) {
	ks := newSwitchableKeyStore()
	ks.down.Store(true)
	_, err := New(testConfig(t), WithKeyStore(ks), WithLogger(logging.Discard()))
	require.ErrorIs(t, err, security.ErrKeystoreUnavailable)
}

func TestNew_FileKeyStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keystore.Backend = config.KeystoreFile
	cfg.Keystore.Path = filepath.Join(t.TempDir(), "keys", "keystore.json")

	l := newTestLogger(t, cfg)
	require.True(t, l.RecordPHIAccess("u", "claims", "c", "VIEW", map[string]string{"dx": "x"}))

	_, err := New(cfg, WithLogger(logging.Discard()))
	require.ErrorIs(t, err, security.ErrStoreLocked, "second opener is refused")
}

// =============================================================================
// KEYS, UPLOAD, RETENTION
// =============================================================================

func TestRotateKey_OldEntriesStillOpen(t *testing.T) {
	l := newTestLogger(t, testConfig(t))

	require.True(t, l.RecordPHIAccess("u", "claims", "c1", "VIEW", map[string]string{"dx": "before"}))
	version, err := l.RotateKey()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), version)
	require.True(t, l.RecordPHIAccess("u", "claims", "c2", "VIEW", map[string]string{"dx": "after"}))

	views := entriesByAction(t, l, "VIEW")
	require.Len(t, views, 2)
	assert.Equal(t, uint32(1), views[0].Sealed.KeyVersion)
	assert.Equal(t, uint32(2), views[1].Sealed.KeyVersion)
	for i, want := range []string{"before", "after"} {
		plain, err := l.OpenDetails(views[i])
		require.NoError(t, err)
		assert.Contains(t, string(plain), want)
	}

	require.Len(t, entriesByAction(t, l, ActionKeyRotated), 1)
	versions, err := l.KeyVersions()
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, security.KeyStatusDeprecated, versions[0].Status)

	ok, rep := l.VerifyChain(context.Background())
	assert.True(t, ok, "%+v", rep.Issues)
}

func TestImmediateDelivery(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upload.ImmediatePerSec = 100
	tr := &recordingTransport{}
	l := newTestLogger(t, cfg, WithTransport(tr))
	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, done := l.LastCleanup()
		return done
	}, 2*time.Second, 5*time.Millisecond, "startup cleanup pass")

	require.True(t, l.RecordEvent("u", "ROUTINE", "r", EventOptions{}))
	require.True(t, l.RecordPHIAccess("u", "claims", "c1", "VIEW", map[string]string{"dx": "x"}))

	require.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	remaining, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "ROUTINE", remaining[0].Action)

	// Chain still verifies across the gap left by delivery.
	ok, rep := l.VerifyChain(context.Background())
	assert.True(t, ok, "%+v", rep.Issues)
}

func TestImmediateDelivery_ContainsPHIAtAnyLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upload.ImmediatePerSec = 100
	tr := &recordingTransport{}
	l := newTestLogger(t, cfg, WithTransport(tr))
	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, done := l.LastCleanup()
		return done
	}, 2*time.Second, 5*time.Millisecond, "startup cleanup pass")

	require.True(t, l.RecordEvent("u", "ROUTINE", "r", EventOptions{}))
	require.True(t, l.RecordEvent("u", "EXPORT", "claims", EventOptions{
		Details:     map[string]string{"dx": "x"},
		ContainsPHI: true,
	}))

	require.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	tr.mu.Lock()
	delivered := tr.entries[0]
	tr.mu.Unlock()
	assert.Equal(t, "EXPORT", delivered.Action)
	assert.Equal(t, audit.LevelInfo, delivered.LogLevel)
}

// TestVerifyChain_EditBeforeDeliveredEntry edits the entry recorded just
// before a PHI access that was delivered and removed.
func TestVerifyChain_EditBeforeDeliveredEntry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upload.ImmediatePerSec = 100
	tr := &recordingTransport{}
	l := newTestLogger(t, cfg, WithTransport(tr))
	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, done := l.LastCleanup()
		return done
	}, 2*time.Second, 5*time.Millisecond, "startup cleanup pass")

	require.True(t, l.RecordEvent("alice", "A", "r", EventOptions{}))
	require.True(t, l.RecordEvent("alice", "B", "r", EventOptions{}))
	require.True(t, l.RecordPHIAccess("alice", "claims", "c1", "VIEW", map[string]string{"dx": "x"}))
	require.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		remaining, err := l.Entries()
		return err == nil && len(remaining) == 2
	}, 2*time.Second, 10*time.Millisecond)

	ok, rep := l.VerifyChain(context.Background())
	require.True(t, ok, "%+v", rep.Issues)

	b := entriesByAction(t, l, "B")
	require.Len(t, b, 1)
	path := filepath.Join(cfg.Storage.Dir, audit.FileName(b[0].Sequence, b[0].ID))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	mutated := strings.Replace(string(raw), `"actorId":"alice"`, `"actorId":"alicf"`, 1)
	require.NotEqual(t, string(raw), mutated)
	require.NoError(t, os.WriteFile(path, []byte(mutated), 0600))

	ok, rep = l.VerifyChain(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, rep.Err(), audit.ErrChainBreak)
}

func TestRunCleanup_DeliversAndEmpties(t *testing.T) {
	tr := &recordingTransport{}
	l := newTestLogger(t, testConfig(t), WithTransport(tr))

	for i := 0; i < 5; i++ {
		require.True(t, l.RecordEvent("u", fmt.Sprintf("E%d", i), "r", EventOptions{}))
	}
	rep, err := l.RunCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Upload.Sent)
	assert.Equal(t, 5, tr.count())

	left, err := l.Entries()
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, telemetry.StatusHealthy, l.Health().Status)
}

func TestRunCleanup_NetworkErrorKeepsRecentEntries(t *testing.T) {
	tr := &recordingTransport{err: fmt.Errorf("%w: connection refused", upload.ErrNetwork)}
	l := newTestLogger(t, testConfig(t), WithTransport(tr))

	for i := 0; i < 3; i++ {
		require.True(t, l.RecordEvent("u", fmt.Sprintf("E%d", i), "r", EventOptions{}))
	}
	rep, err := l.RunCleanup(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, rep.UploadError)
	assert.Zero(t, rep.Pruned)

	left, err := l.Entries()
	require.NoError(t, err)
	assert.Len(t, left, 3)

	snap := l.Health()
	assert.Equal(t, telemetry.StatusDegraded, snap.Status)
	assert.Equal(t, 3, snap.Pending)
}

func TestConcurrentRecordsDoNotFork(t *testing.T) {
	l := newTestLogger(t, testConfig(t))

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				l.RecordPHIAccess("u", "claims", fmt.Sprint(i), "VIEW", map[string]int{"i": i})
			} else {
				l.RecordEvent("u", "EVENT", "r", EventOptions{})
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(40), l.Head().Sequence)
	ok, rep := l.VerifyChain(context.Background())
	assert.True(t, ok, "%+v", rep.Issues)
}

func TestStartClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Watch = true
	l := newTestLogger(t, cfg)

	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}
