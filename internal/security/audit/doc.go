// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit implements the tamper-evident PHI audit log: entry
// construction, hash chaining, local persistence and verification.
//
// # Chain
//
// Every entry carries a sequence number and the digest of the entry before
// it. The digest is SHA-256 over canonical form version 1 (CBOR Core
// Deterministic Encoding of all fields except the id). The head, the digest
// and sequence of the latest entry, lives in the secure store next to the
// encryption keys and survives pruning of entry files.
//
// # Storage
//
// Entries are compact JSON files named "<20-digit sequence>-<id>.json" in a
// 0700 directory. A file is deleted once the ingestion service accepts it or
// the retention window passes. When the directory is unwritable, entries
// wait on an in-memory queue.
//
// # Verification
//
// Verifier re-reads each retained file, requires byte-exact canonical
// encoding, and recomputes linkage between adjacent sequences and against
// the head. Failures are reported to an IncidentRecorder; logging continues.
package audit
