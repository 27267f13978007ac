// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultWriteRetries is the number of disk attempts before an entry is
	// moved to the in-memory fallback queue.
	DefaultWriteRetries = 3

	// DefaultRetryBaseWait is the first backoff interval; it doubles per retry.
	DefaultRetryBaseWait = 100 * time.Millisecond
)

// =============================================================================
// STORE
// =============================================================================

// Store keeps one file per entry in a private directory until the entry is
// delivered. When the directory cannot be written, entries wait on an
// in-memory queue that is flushed ahead of the next write.
type Store struct {
	dir           string
	maxRetries    int
	retryBaseWait time.Duration
	writeFile     func(path string, data []byte) error
	logger        *slog.Logger

	mu       sync.Mutex
	fallback []*Entry
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetry sets the disk retry policy.
func WithRetry(maxRetries int, baseWait time.Duration) StoreOption {
	return func(s *Store) {
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
		s.retryBaseWait = baseWait
	}
}

// WithWriteFunc replaces the file writer. Tests use it to simulate an
// unavailable filesystem.
func WithWriteFunc(fn func(path string, data []byte) error) StoreOption {
	return func(s *Store) { s.writeFile = fn }
}

// WithStoreLogger sets the operational logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore opens (creating with 0700) the entry directory.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: create entry directory: %v", ErrStorageWrite, err)
	}
	s := &Store{
		dir:           dir,
		maxRetries:    DefaultWriteRetries,
		retryBaseWait: DefaultRetryBaseWait,
		writeFile: func(path string, data []byte) error {
			return util.AtomicWriteFileWithDir(path, data, 0600, 0700)
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the entry directory.
func (s *Store) Dir() string { return s.dir }

// Write persists e. Queued fallback entries are flushed first so files keep
// chain order. If the disk write still fails after retries, e joins the
// fallback queue and the returned error wraps ErrStorageWrite; the entry is
// retained either way.
func (s *Store) Write(e *Entry) error {
	data, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flushLocked(); err != nil {
		s.fallback = append(s.fallback, e.Clone())
		return fmt.Errorf("%w: %d entries queued in memory: %v", ErrStorageWrite, len(s.fallback), err)
	}

	if err := s.writeWithRetry(e, data); err != nil {
		s.fallback = append(s.fallback, e.Clone())
		s.logger.Error("audit entry write failed, queued in memory",
			"entry_id", e.ID, "sequence", e.Sequence, "error", err)
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	return nil
}

// Flush writes queued fallback entries to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Pending returns the fallback queue depth.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fallback)
}

func (s *Store) flushLocked() error {
	for len(s.fallback) > 0 {
		e := s.fallback[0]
		data, err := e.Encode()
		if err != nil {
			return err
		}
		if err := s.writeFile(s.path(e), data); err != nil {
			return err
		}
		s.fallback = s.fallback[1:]
		s.logger.Info("flushed queued audit entry", "entry_id", e.ID, "sequence", e.Sequence)
	}
	return nil
}

// writeWithRetry retries with exponential backoff: base, 2*base, 4*base...
func (s *Store) writeWithRetry(e *Entry, data []byte) error {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.retryBaseWait * time.Duration(1<<uint(attempt-1)))
		}
		if err := s.writeFile(s.path(e), data); err != nil {
			lastErr = err
			s.logger.Warn("audit entry write attempt failed",
				"entry_id", e.ID, "attempt", attempt+1, "error", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("all %d attempts failed: %w", s.maxRetries, lastErr)
}

func (s *Store) path(e *Entry) string {
	return filepath.Join(s.dir, FileName(e.Sequence, e.ID))
}

// =============================================================================
// READS
// =============================================================================

// Ref names one stored entry without reading it.
type Ref struct {
	Name     string
	Sequence uint64
	ID       string
	// Queued entries live in the fallback queue rather than on disk.
	Queued bool
	entry  *Entry
}

// Refs lists every entry, on disk and queued, in sequence order. Files that
// are not entry files (temp files, strays) are skipped.
func (s *Store) Refs() ([]Ref, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read entry directory: %w", err)
	}

	refs := make([]Ref, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() || util.IsTempFile(d.Name()) {
			continue
		}
		seq, id, ok := ParseFileName(d.Name())
		if !ok {
			continue
		}
		refs = append(refs, Ref{Name: d.Name(), Sequence: seq, ID: id})
	}

	s.mu.Lock()
	for _, e := range s.fallback {
		refs = append(refs, Ref{Name: FileName(e.Sequence, e.ID), Sequence: e.Sequence, ID: e.ID, Queued: true, entry: e})
	}
	s.mu.Unlock()

	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Sequence < refs[j].Sequence })
	return refs, nil
}

// Read returns the stored bytes for ref. A file deleted since Refs returns
// an error wrapping fs.ErrNotExist.
func (s *Store) Read(ref Ref) ([]byte, error) {
	if ref.Queued {
		return ref.entry.Encode()
	}
	return os.ReadFile(filepath.Join(s.dir, ref.Name))
}

// List returns pending entries in chronological (chain) order. Unreadable
// files are logged and skipped; verification reports them.
func (s *Store) List() ([]*Entry, error) {
	refs, err := s.Refs()
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(refs))
	for _, ref := range refs {
		if ref.Queued {
			out = append(out, ref.entry.Clone())
			continue
		}
		data, err := s.Read(ref)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			s.logger.Warn("unreadable audit entry", "file", ref.Name, "error", err)
			continue
		}
		e, err := DecodeEntry(data)
		if err != nil {
			s.logger.Warn("malformed audit entry", "file", ref.Name, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete removes the entry with id, on disk or queued, leaving an anchor
// with its sequence and linkage so the chain stays checkable across the gap.
// Removing an absent entry is not an error.
func (s *Store) Delete(id string) error {
	return s.remove(id, true)
}

func (s *Store) remove(id string, anchor bool) error {
	s.mu.Lock()
	for i, e := range s.fallback {
		if e.ID != id {
			continue
		}
		if anchor {
			if err := s.writeAnchor(e); err != nil {
				s.mu.Unlock()
				return err
			}
		}
		s.fallback = append(s.fallback[:i], s.fallback[i+1:]...)
		break
	}
	s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*-"+globEscape(id)+entryExt))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if _, mid, ok := ParseFileName(filepath.Base(m)); !ok || mid != id {
			continue
		}
		if anchor {
			if err := s.anchorFile(m); err != nil {
				return fmt.Errorf("delete entry %s: %w", id, err)
			}
		}
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete entry %s: %w", id, err)
		}
	}
	return nil
}

// anchorFile writes the anchor for the entry file at path. A file that no
// longer decodes gets no anchor; the verifier reports the resulting gap
// only through its neighbours.
func (s *Store) anchorFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	e, err := DecodeEntry(data)
	if err != nil {
		s.logger.Warn("deleting undecodable audit entry without anchor", "file", filepath.Base(path), "error", err)
		return nil
	}
	return s.writeAnchor(e)
}

func (s *Store) writeAnchor(e *Entry) error {
	a, err := NewAnchor(e)
	if err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := s.writeFile(filepath.Join(s.dir, AnchorFileName(a.Sequence, a.ID)), data); err != nil {
		return fmt.Errorf("write anchor for entry %d: %w", a.Sequence, err)
	}
	return nil
}

// Anchors returns the anchors of delivered entries in sequence order.
// Unreadable anchor files are returned with a nil Anchor and the error in
// Err so the verifier can report them.
func (s *Store) Anchors() ([]AnchorRef, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read entry directory: %w", err)
	}
	var out []AnchorRef
	for _, d := range dirents {
		if d.IsDir() || util.IsTempFile(d.Name()) {
			continue
		}
		seq, id, ok := ParseAnchorFileName(d.Name())
		if !ok {
			continue
		}
		ref := AnchorRef{Name: d.Name(), Sequence: seq, ID: id}
		data, err := os.ReadFile(filepath.Join(s.dir, d.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err == nil {
			ref.Anchor, err = decodeAnchor(data)
		}
		ref.Err = err
		out = append(out, ref)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// AnchorRef is one anchor file.
type AnchorRef struct {
	Name     string
	Sequence uint64
	ID       string
	Anchor   *Anchor
	Err      error
}

// PruneOlderThan deletes entries whose timestamp is strictly before cutoff,
// together with anchors of delivered entries older than cutoff. Pruned
// entries leave no anchor. Files that cannot be decoded are judged by
// modification time. The count covers entries only.
func (s *Store) PruneOlderThan(cutoff time.Time) (int, error) {
	refs, err := s.Refs()
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, ref := range refs {
		ts, ok := s.entryTime(ref)
		if !ok || !ts.Before(cutoff) {
			continue
		}
		if err := s.remove(ref.ID, false); err != nil {
			return pruned, err
		}
		pruned++
	}

	anchors, err := s.Anchors()
	if err != nil {
		return pruned, err
	}
	for _, a := range anchors {
		ts, ok := s.anchorTime(a)
		if !ok || !ts.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, a.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return pruned, fmt.Errorf("prune anchor %s: %w", a.Name, err)
		}
	}
	return pruned, nil
}

func (s *Store) anchorTime(a AnchorRef) (time.Time, bool) {
	if a.Anchor != nil {
		if t, err := a.Anchor.Time(); err == nil {
			return t, true
		}
	}
	info, err := os.Stat(filepath.Join(s.dir, a.Name))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func (s *Store) entryTime(ref Ref) (time.Time, bool) {
	if ref.Queued {
		t, err := ref.entry.Time()
		return t, err == nil
	}
	data, err := s.Read(ref)
	if err == nil {
		if e, derr := DecodeEntry(data); derr == nil {
			if t, terr := e.Time(); terr == nil {
				return t, true
			}
		}
	}
	info, err := os.Stat(filepath.Join(s.dir, ref.Name))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// globEscape escapes glob metacharacters in an entry id.
func globEscape(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', '\\':
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
