// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testLog wires a chain, store and builder over a temp directory with a
// fixed clock and no host metadata.
type testLog struct {
	t       *testing.T
	heads   *MemoryHeads
	chain   *Chain
	store   *Store
	builder *Builder
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestLog(t *testing.T, opts ...StoreOption) *testLog {
	t.Helper()

	heads := &MemoryHeads{}
	chain, err := NewChain(heads)
	require.NoError(t, err)

	opts = append([]StoreOption{WithRetry(2, time.Millisecond)}, opts...)
	store, err := NewStore(t.TempDir(), opts...)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	builder := NewBuilder("benefitmetrics-test/1.0", "device-1", "1.0.0",
		WithClock(clock.Now),
		WithDeviceInfo(func() (*DeviceInfo, error) { return &DeviceInfo{DeviceID: "device-1", Platform: "test"}, nil }),
		WithAddress(func() (string, error) { return "10.0.0.5", nil }),
	)

	return &testLog{t: t, heads: heads, chain: chain, store: store, builder: builder, clock: clock}
}

// add builds and chains one entry, failing the test on any error.
func (l *testLog) add(action string, details any) *Entry {
	l.t.Helper()
	e, err := l.builder.Build("user-42", action, "claims", BuildOptions{Details: details})
	require.NoError(l.t, err)
	_, err = l.chain.Append(e, l.store.Write)
	require.NoError(l.t, err)
	return e
}
