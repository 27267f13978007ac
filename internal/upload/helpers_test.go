// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upload

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security/audit"
)

// fakeTransport records batches and fails while err is set.
type fakeTransport struct {
	mu      sync.Mutex
	batches []Batch
	err     error
}

func (f *fakeTransport) Send(_ context.Context, b Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, b)
	return nil
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTransport) sent() []Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Batch(nil), f.batches...)
}

// countingObserver tallies ObserveUpload calls.
type countingObserver struct {
	mu       sync.Mutex
	ok, fail int
}

func (c *countingObserver) ObserveUpload(_ int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.fail++
		return
	}
	c.ok++
}

// newPendingStore returns a store holding n chained entries.
func newPendingStore(t *testing.T, n int) *audit.Store {
	t.Helper()

	store, err := audit.NewStore(t.TempDir(), audit.WithRetry(1, time.Millisecond))
	require.NoError(t, err)
	chain, err := audit.NewChain(&audit.MemoryHeads{})
	require.NoError(t, err)
	b := audit.NewBuilder("upload-test/1.0", "device-1", "1.0.0",
		audit.WithDeviceInfo(func() (*audit.DeviceInfo, error) { return nil, nil }),
		audit.WithAddress(func() (string, error) { return "", nil }),
	)

	for i := 0; i < n; i++ {
		e, err := b.Build("user-1", fmt.Sprintf("VIEW_%d", i), "claims", audit.BuildOptions{})
		require.NoError(t, err)
		_, err = chain.Append(e, store.Write)
		require.NoError(t, err)
	}
	return store
}

func pending(t *testing.T, s *audit.Store) []*audit.Entry {
	t.Helper()
	entries, err := s.List()
	require.NoError(t, err)
	return entries
}
