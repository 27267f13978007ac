// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// ANCHORS
// =============================================================================

const anchorExt = ".link"

// Anchor is the linkage left behind when an entry is delivered and removed
// from the entry directory. It lets the verifier keep checking the entry's
// predecessor against previousEntryDigest after the entry itself is gone.
type Anchor struct {
	Sequence       uint64 `json:"sequence"`
	ID             string `json:"id"`
	Timestamp      string `json:"timestamp"`
	PreviousDigest string `json:"previousEntryDigest"`
	Digest         string `json:"entryDigest"`
}

// NewAnchor records e's position and linkage.
func NewAnchor(e *Entry) (*Anchor, error) {
	d, err := EntryDigest(e)
	if err != nil {
		return nil, err
	}
	return &Anchor{
		Sequence:       e.Sequence,
		ID:             e.ID,
		Timestamp:      e.Timestamp,
		PreviousDigest: e.PreviousDigest,
		Digest:         d,
	}, nil
}

// Time parses the anchored entry's timestamp.
func (a *Anchor) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, a.Timestamp)
}

func decodeAnchor(data []byte) (*Anchor, error) {
	var a Anchor
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: anchor: %v", ErrMalformedEntry, err)
	}
	if a.Sequence == 0 || a.ID == "" || a.Digest == "" {
		return nil, fmt.Errorf("%w: anchor is missing sequence, id or digest", ErrMalformedEntry)
	}
	return &a, nil
}

// AnchorFileName returns the anchor file name for an entry.
func AnchorFileName(seq uint64, id string) string {
	return fmt.Sprintf("%020d-%s%s", seq, id, anchorExt)
}

// ParseAnchorFileName extracts sequence and id from an anchor file name.
func ParseAnchorFileName(name string) (seq uint64, id string, ok bool) {
	if !strings.HasSuffix(name, anchorExt) || len(name) < 22 || name[20] != '-' {
		return 0, "", false
	}
	seq, err := strconv.ParseUint(name[:20], 10, 64)
	if err != nil {
		return 0, "", false
	}
	id = strings.TrimSuffix(name[21:], anchorExt)
	if id == "" {
		return 0, "", false
	}
	return seq, id, true
}
