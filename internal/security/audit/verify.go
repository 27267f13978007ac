// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"
)

// =============================================================================
// REPORT
// =============================================================================

// Issue is one verification finding.
type Issue struct {
	Sequence uint64 `json:"sequence"`
	EntryID  string `json:"entryId,omitempty"`
	File     string `json:"file,omitempty"`
	Problem  string `json:"problem"`
}

// Report is the outcome of one verification pass.
type Report struct {
	CheckedAt time.Time `json:"checkedAt"`
	Verified  bool      `json:"verified"`
	Checked   int       `json:"checked"`
	Head      Head      `json:"head"`
	Issues    []Issue   `json:"issues"`
}

// Err returns nil for a verified report and an ErrChainBreak otherwise.
func (r *Report) Err() error {
	if r.Verified {
		return nil
	}
	return fmt.Errorf("%w: %d issue(s), first: %s", ErrChainBreak, len(r.Issues), r.Issues[0].Problem)
}

func (r *Report) add(seq uint64, id, file, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Sequence: seq, EntryID: id, File: file, Problem: fmt.Sprintf(format, args...)})
}

// IncidentRecorder receives failed reports. It must not block on the chain
// lock being held by the caller; Verifier never holds it when calling.
type IncidentRecorder interface {
	RecordChainBreak(r *Report)
}

// =============================================================================
// VERIFIER
// =============================================================================

// Verifier recomputes the chain over the retained entries.
type Verifier struct {
	chain     *Chain
	store     *Store
	incidents IncidentRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewVerifier returns a verifier. incidents may be nil.
func NewVerifier(chain *Chain, store *Store, incidents IncidentRecorder, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{chain: chain, store: store, incidents: incidents, logger: logger, now: time.Now}
}

// VerifyChain walks the retained entries in chain order. For each entry it
// checks that the file name agrees with the content, that the file is the
// exact encoding of what it decodes to, and that its digest matches the next
// entry's previousEntryDigest whenever the two are adjacent. Delivered
// entries are represented by their anchors, which carry the same linkage.
// The entry or anchor at the head sequence must match the head digest. Gaps
// left by pruned entries are not failures.
//
// The head and entry names are captured together under the chain lock, so
// entries appended during the walk are not seen. On failure the incident
// recorder is called and logging continues.
func (v *Verifier) VerifyChain(ctx context.Context) (bool, *Report) {
	report := &Report{CheckedAt: v.now().UTC(), Issues: []Issue{}}

	var (
		refs    []Ref
		anchors []AnchorRef
	)
	err := v.chain.Locked(func(h Head) error {
		report.Head = h
		var err error
		if refs, err = v.store.Refs(); err != nil {
			return err
		}
		anchors, err = v.store.Anchors()
		return err
	})
	if err != nil {
		report.add(0, "", "", "cannot list entries: %v", err)
		return v.finish(report)
	}

	head := report.Head
	var (
		prevSeq    uint64
		prevDigest string
		havePrev   bool
	)
	anchors = shadowedAnchors(refs, anchors)
	for _, ref := range refs {
		for len(anchors) > 0 && anchors[0].Sequence < ref.Sequence {
			prevSeq, prevDigest, havePrev = v.checkAnchor(report, anchors[0], prevSeq, prevDigest, havePrev)
			anchors = anchors[1:]
		}
		if ctx.Err() != nil {
			report.add(0, "", "", "verification cancelled: %v", ctx.Err())
			break
		}

		raw, err := v.store.Read(ref)
		if errors.Is(err, fs.ErrNotExist) {
			continue // delivered or pruned during the walk
		}
		if err != nil {
			report.add(ref.Sequence, ref.ID, ref.Name, "unreadable: %v", err)
			havePrev = false
			continue
		}
		report.Checked++

		e, err := DecodeEntry(raw)
		if err != nil {
			report.add(ref.Sequence, ref.ID, ref.Name, "%v", err)
			havePrev = false
			continue
		}

		if e.Sequence != ref.Sequence || e.ID != ref.ID {
			report.add(ref.Sequence, ref.ID, ref.Name,
				"file name does not match content (sequence %d, id %s)", e.Sequence, e.ID)
		}
		if enc, err := e.Encode(); err != nil || !bytes.Equal(enc, raw) {
			report.add(e.Sequence, e.ID, ref.Name, "stored bytes are not the canonical encoding")
		}

		digest, err := EntryDigest(e)
		if err != nil {
			report.add(e.Sequence, e.ID, ref.Name, "digest: %v", err)
			havePrev = false
			continue
		}

		switch {
		case havePrev && e.Sequence == prevSeq:
			report.add(e.Sequence, e.ID, ref.Name, "duplicate sequence")
		case havePrev && e.Sequence == prevSeq+1 && !hmac.Equal([]byte(e.PreviousDigest), []byte(prevDigest)):
			report.add(e.Sequence, e.ID, ref.Name,
				"previousEntryDigest does not match digest of entry %d", prevSeq)
		case e.Sequence == 1 && e.PreviousDigest != "":
			report.add(e.Sequence, e.ID, ref.Name, "genesis entry has a previous digest")
		}

		if e.Sequence > head.Sequence {
			report.add(e.Sequence, e.ID, ref.Name, "entry is beyond chain head %d", head.Sequence)
		}
		if e.Sequence == head.Sequence && !hmac.Equal([]byte(digest), []byte(head.Digest)) {
			report.add(e.Sequence, e.ID, ref.Name, "digest does not match persisted chain head")
		}

		prevSeq, prevDigest, havePrev = e.Sequence, digest, true
	}
	if ctx.Err() == nil {
		for _, a := range anchors {
			prevSeq, prevDigest, havePrev = v.checkAnchor(report, a, prevSeq, prevDigest, havePrev)
		}
	}

	return v.finish(report)
}

// checkAnchor applies the linkage checks to a delivered entry's anchor and
// returns the walk state after it.
func (v *Verifier) checkAnchor(report *Report, ref AnchorRef, prevSeq uint64, prevDigest string, havePrev bool) (uint64, string, bool) {
	if ref.Err != nil {
		report.add(ref.Sequence, ref.ID, ref.Name, "unreadable anchor: %v", ref.Err)
		return 0, "", false
	}
	a := ref.Anchor
	if a.Sequence != ref.Sequence || a.ID != ref.ID {
		report.add(ref.Sequence, ref.ID, ref.Name,
			"anchor name does not match content (sequence %d, id %s)", a.Sequence, a.ID)
	}

	switch {
	case havePrev && a.Sequence == prevSeq:
		report.add(a.Sequence, a.ID, ref.Name, "duplicate sequence")
	case havePrev && a.Sequence == prevSeq+1 && !hmac.Equal([]byte(a.PreviousDigest), []byte(prevDigest)):
		report.add(a.Sequence, a.ID, ref.Name,
			"previousEntryDigest of delivered entry does not match digest of entry %d", prevSeq)
	case a.Sequence == 1 && a.PreviousDigest != "":
		report.add(a.Sequence, a.ID, ref.Name, "genesis entry has a previous digest")
	}

	head := report.Head
	if a.Sequence > head.Sequence {
		report.add(a.Sequence, a.ID, ref.Name, "delivered entry is beyond chain head %d", head.Sequence)
	}
	if a.Sequence == head.Sequence && !hmac.Equal([]byte(a.Digest), []byte(head.Digest)) {
		report.add(a.Sequence, a.ID, ref.Name, "delivered entry digest does not match persisted chain head")
	}
	return a.Sequence, a.Digest, true
}

// shadowedAnchors drops anchors whose entry is still present. That happens
// when a delete stopped between writing the anchor and removing the entry.
func shadowedAnchors(refs []Ref, anchors []AnchorRef) []AnchorRef {
	if len(anchors) == 0 {
		return anchors
	}
	present := make(map[uint64]bool, len(refs))
	for _, r := range refs {
		present[r.Sequence] = true
	}
	out := anchors[:0]
	for _, a := range anchors {
		if !present[a.Sequence] {
			out = append(out, a)
		}
	}
	return out
}

func (v *Verifier) finish(report *Report) (bool, *Report) {
	report.Verified = len(report.Issues) == 0
	if report.Verified {
		v.logger.Debug("audit chain verified", "checked", report.Checked, "head_sequence", report.Head.Sequence)
		return true, report
	}

	v.logger.Error("audit chain verification failed",
		"issues", len(report.Issues), "first_issue", report.Issues[0].Problem,
		"head_sequence", report.Head.Sequence)
	if v.incidents != nil {
		v.incidents.RecordChainBreak(report)
	}
	return false, report
}
