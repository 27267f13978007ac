// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import "errors"

var (
	// ErrStorageWrite means an entry could not be written to the entry
	// directory. Store.Write only returns it after the entry has been placed
	// on the in-memory fallback queue, so the entry is retained.
	ErrStorageWrite = errors.New("audit storage write failed")

	// ErrChainBreak means verification found an entry or head that does not
	// match its recomputed digest or linkage.
	ErrChainBreak = errors.New("audit chain break")

	// ErrHeadCommit means an entry was persisted but the new chain head could
	// not be saved. The in-memory head has advanced; the next successful
	// commit or startup replay repairs the stored head.
	ErrHeadCommit = errors.New("chain head commit failed")

	// ErrMalformedEntry means an entry file could not be decoded.
	ErrMalformedEntry = errors.New("malformed audit entry")
)
