// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleEntry() *Entry {
	return &Entry{
		ID:             "11111111-2222-3333-4444-555555555555",
		Sequence:       7,
		Timestamp:      "2025-03-01T09:00:00.001Z",
		ActorID:        "user-42",
		Action:         "VIEW",
		Resource:       "claims",
		ResourceID:     "c-1",
		Details:        []byte(`{"a":1}`),
		UserAgent:      "ua",
		Device:         &DeviceInfo{DeviceID: "d"},
		LogLevel:       LevelInfo,
		PreviousDigest: "ab",
	}
}

func TestCanonical_Deterministic(t *testing.T) {
	a, err := Canonical(sampleEntry())
	require.NoError(t, err)
	b, err := Canonical(sampleEntry())
	require.NoError(t, err)
	require.Equal(t, a, b)
}

// TestEntryDigest_ExcludesID tests that an entry's own id is not part of its link digest.
func TestEntryDigest_ExcludesID(t *testing.T) {
	e1 := sampleEntry()
	e2 := sampleEntry()
	e2.ID = "99999999-2222-3333-4444-555555555555"

	d1, err := EntryDigest(e1)
	require.NoError(t, err)
	d2, err := EntryDigest(e2)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestEntryDigest_CoversEveryOtherField(t *testing.T) {
	base, err := EntryDigest(sampleEntry())
	require.NoError(t, err)

	mutations := map[string]func(*Entry){
		"sequence":   func(e *Entry) { e.Sequence++ },
		"timestamp":  func(e *Entry) { e.Timestamp = "2025-03-01T09:00:00.002Z" },
		"actor":      func(e *Entry) { e.ActorID = "user-43" },
		"action":     func(e *Entry) { e.Action = "EDIT" },
		"resource":   func(e *Entry) { e.Resource = "members" },
		"resourceId": func(e *Entry) { e.ResourceID = "c-2" },
		"details":    func(e *Entry) { e.Details = []byte(`{"a":2}`) },
		"sealed":     func(e *Entry) { e.Sealed = &SealedPayload{KeyVersion: 1, Algorithm: SealAlgorithm, Ciphertext: []byte{1}} },
		"address":    func(e *Entry) { e.SourceAddress = "10.0.0.1" },
		"userAgent":  func(e *Entry) { e.UserAgent = "ua2" },
		"device":     func(e *Entry) { e.Device = nil },
		"deviceId":   func(e *Entry) { e.Device.DeviceID = "e" },
		"level":      func(e *Entry) { e.LogLevel = LevelAuth },
		"previous":   func(e *Entry) { e.PreviousDigest = "ac" },
		"phi":        func(e *Entry) { e.ContainsPHI = true },
	}
	for name, mutate := range mutations {
		e := sampleEntry()
		mutate(e)
		d, err := EntryDigest(e)
		require.NoError(t, err)
		require.NotEqual(t, base, d, name)
	}
}

// TestEntryDigest_StableAcrossReload tests that a fresh entry and the copy read back from disk hash alike.
func TestEntryDigest_StableAcrossReload(t *testing.T) {
	e := sampleEntry()
	e.Details = []byte(`{ "html": "<b>&</b>" , "n": 1 }`)
	e.ActorID = "bad\xffbyte"

	before, err := EntryDigest(e)
	require.NoError(t, err)

	data, err := e.Encode()
	require.NoError(t, err)
	reloaded, err := DecodeEntry(data)
	require.NoError(t, err)

	after, err := EntryDigest(reloaded)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestDecodeEntry_RejectsUnknownAndTrailing(t *testing.T) {
	_, err := DecodeEntry([]byte(`{"id":"x","bogus":1}`))
	require.ErrorIs(t, err, ErrMalformedEntry)

	_, err = DecodeEntry([]byte(`{"id":"x"}{"id":"y"}`))
	require.ErrorIs(t, err, ErrMalformedEntry)
}
