// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestWatcher_InPlaceEditTriggersVerify tests that modifying an entry file
// in place runs verification, while normal appends do not.
func TestWatcher_InPlaceEditTriggersVerify(t *testing.T) {
	l := newTestLog(t)
	a := l.add("A", nil)

	var runs atomic.Int32
	w, err := NewWatcher(l.store.Dir(), 20*time.Millisecond, func(context.Context) { runs.Add(1) }, nil)
	require.NoError(t, err)
	w.Start()
	defer w.Close()

	l.add("B", nil)
	time.Sleep(150 * time.Millisecond)
	require.Zero(t, runs.Load(), "atomic appends are not suspicious")

	f, err := os.OpenFile(entryPath(l, a), os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte(" "))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}
