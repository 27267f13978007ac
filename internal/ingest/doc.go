// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ingest is a reference receiver for uploaded audit batches.
//
// It accepts POST /audit-logs with a bearer token, stores each entry in
// SQLite keyed by entry id, and answers 2xx for redelivered entries so
// that clients can retry without creating duplicates.
package ingest
