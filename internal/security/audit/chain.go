// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security"
)

// =============================================================================
// CHAIN HEAD
// =============================================================================

// Head is the digest and sequence of the most recently appended entry. The
// zero value is genesis.
type Head struct {
	Digest   string `json:"digest"`
	Sequence uint64 `json:"sequence"`
}

// IsGenesis reports whether nothing has been appended yet.
func (h Head) IsGenesis() bool {
	return h.Sequence == 0 && h.Digest == ""
}

// HeadStore persists the chain head.
type HeadStore interface {
	LoadHead() (Head, error)
	SaveHead(Head) error
}

// KeyStoreHeads keeps the head as an item of the secure-store record, next to
// the encryption keys.
type KeyStoreHeads struct {
	store security.KeyStore
}

// NewKeyStoreHeads returns a HeadStore over ks.
func NewKeyStoreHeads(ks security.KeyStore) *KeyStoreHeads {
	return &KeyStoreHeads{store: ks}
}

func (k *KeyStoreHeads) LoadHead() (Head, error) {
	data, err := k.store.Retrieve(security.ItemChainHead)
	if errors.Is(err, security.ErrKeyNotFound) {
		return Head{}, nil
	}
	if err != nil {
		return Head{}, fmt.Errorf("%w: load chain head: %v", security.ErrKeystoreUnavailable, err)
	}
	var h Head
	if err := json.Unmarshal(data, &h); err != nil {
		return Head{}, fmt.Errorf("%w: chain head is corrupt: %v", ErrChainBreak, err)
	}
	return h, nil
}

func (k *KeyStoreHeads) SaveHead(h Head) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := k.store.Store(security.ItemChainHead, data); err != nil {
		return fmt.Errorf("%w: save chain head: %v", security.ErrKeystoreUnavailable, err)
	}
	return nil
}

// MemoryHeads is an in-process HeadStore for tests.
type MemoryHeads struct {
	mu   sync.Mutex
	head Head
	err  error
}

func (m *MemoryHeads) LoadHead() (Head, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head, nil
}

func (m *MemoryHeads) SaveHead(h Head) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.head = h
	return nil
}

// FailSaves makes every later SaveHead return err; nil restores saves.
func (m *MemoryHeads) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// =============================================================================
// CHAIN
// =============================================================================

// Chain links entries to one another. Append, the entry write and the head
// commit happen under one mutex, so concurrent records cannot fork the
// chain.
//
// Ordering is write-before-head-commit: the entry file is durable before
// the head names it. A crash between the two leaves a file one step past
// the stored head, which Recover replays on the next start.
type Chain struct {
	mu    sync.Mutex
	heads HeadStore
	head  Head
}

// NewChain loads the current head.
func NewChain(heads HeadStore) (*Chain, error) {
	h, err := heads.LoadHead()
	if err != nil {
		return nil, err
	}
	return &Chain{heads: heads, head: h}, nil
}

// Head returns the current head. An empty digest denotes genesis.
func (c *Chain) Head() Head {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Append assigns e the next sequence and the current head digest, computes
// its digest, hands it to persist, and on success advances and commits the
// head. If persist fails the chain is unchanged. If only the commit fails
// the entry is kept, the in-memory head advances, and the error wraps
// ErrHeadCommit.
func (c *Chain) Append(e *Entry, persist func(*Entry) error) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.Sequence = c.head.Sequence + 1
	e.PreviousDigest = c.head.Digest

	digest, err := EntryDigest(e)
	if err != nil {
		return "", fmt.Errorf("digest entry: %w", err)
	}

	if err := persist(e); err != nil {
		return "", err
	}

	c.head = Head{Digest: digest, Sequence: e.Sequence}
	if err := c.heads.SaveHead(c.head); err != nil {
		return digest, fmt.Errorf("%w: %v", ErrHeadCommit, err)
	}
	return digest, nil
}

// Locked runs fn while appends are blocked. Verification uses it to take a
// point-in-time view of head and entry names.
func (c *Chain) Locked(fn func(Head) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.head)
}

// Recover advances the head over entries that were written but whose head
// commit never happened. entries must be in sequence order; only those
// continuing the head are replayed. It returns how many were replayed.
func (c *Chain) Recover(entries []*Entry) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	replayed := 0
	head := c.head
	for _, e := range entries {
		if e.Sequence <= head.Sequence {
			continue
		}
		if e.Sequence != head.Sequence+1 || e.PreviousDigest != head.Digest {
			return replayed, fmt.Errorf("%w: entry %d (%s) does not continue head %d",
				ErrChainBreak, e.Sequence, e.ID, head.Sequence)
		}
		d, err := EntryDigest(e)
		if err != nil {
			return replayed, err
		}
		head = Head{Digest: d, Sequence: e.Sequence}
		replayed++
	}

	if replayed == 0 {
		return 0, nil
	}
	c.head = head
	if err := c.heads.SaveHead(head); err != nil {
		return replayed, fmt.Errorf("%w: %v", ErrHeadCommit, err)
	}
	return replayed, nil
}
