// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteRepository_InsertOrIgnore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ingest.db")
	repo, err := OpenSQLite(path)
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	entries := buildEntries(t, 2)

	n, err := repo.Insert(ctx, "device-1", "1.0.0", entries)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.Insert(ctx, "device-1", "1.0.0", entries)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, repo.Ping(ctx))
}

func TestSQLiteRepository_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.db")
	repo, err := OpenSQLite(path)
	require.NoError(t, err)

	_, err = repo.Insert(context.Background(), "device-1", "1.0.0", buildEntries(t, 1))
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	repo, err = OpenSQLite(path)
	require.NoError(t, err)
	defer repo.Close()

	n, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	none, err := repo.ByDevice(context.Background(), "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}
