// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1
)

// Schema stores one row per entry id. The id primary key is what makes
// redelivered batches idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS audit_entries (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    app_version TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    timestamp TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    action TEXT NOT NULL,
    resource TEXT NOT NULL,
    log_level TEXT NOT NULL,
    contains_phi INTEGER NOT NULL,
    previous_digest TEXT NOT NULL,
    body TEXT NOT NULL,         -- entry JSON exactly as received
    received_at INTEGER NOT NULL -- Unix timestamp
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_entries_device_seq ON audit_entries(device_id, sequence);
CREATE INDEX IF NOT EXISTS idx_entries_level ON audit_entries(log_level);
`

// InitMetadata seeds the metadata table.
const InitMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
`
