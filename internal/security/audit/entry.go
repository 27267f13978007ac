// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// LOG LEVELS
// =============================================================================

// LogLevel classifies an entry. PHI_ACCESS and CRITICAL entries are
// delivered immediately instead of waiting for the periodic cycle.
type LogLevel string

const (
	LevelInfo      LogLevel = "INFO"
	LevelWarning   LogLevel = "WARNING"
	LevelError     LogLevel = "ERROR"
	LevelCritical  LogLevel = "CRITICAL"
	LevelPHIAccess LogLevel = "PHI_ACCESS"
	LevelAuth      LogLevel = "AUTH"
)

// Valid reports whether l is one of the defined levels.
func (l LogLevel) Valid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelError, LevelCritical, LevelPHIAccess, LevelAuth:
		return true
	}
	return false
}

// Urgent reports whether entries at this level skip the periodic queue.
// Entries flagged ContainsPHI skip it at any level.
func (l LogLevel) Urgent() bool {
	return l == LevelCritical || l == LevelPHIAccess
}

// =============================================================================
// ENTRY
// =============================================================================

// DeviceInfo is best-effort metadata about the recording device. Any field
// may be empty.
type DeviceInfo struct {
	DeviceID   string `json:"deviceId,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Arch       string `json:"arch,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

// SealedPayload is an encrypted details payload. The entry id is bound to
// the ciphertext as associated data.
type SealedPayload struct {
	KeyVersion uint32 `json:"keyVersion"`
	Algorithm  string `json:"alg"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealAlgorithm names the AEAD construction used for SealedPayload.
const SealAlgorithm = "AES-256-GCM+PBKDF2-SHA256"

// Entry is one audit record. After Chain.Append returns, an entry is never
// mutated; its JSON encoding is the on-disk and on-wire form.
type Entry struct {
	ID             string          `json:"id"`
	Sequence       uint64          `json:"sequence"`
	Timestamp      string          `json:"timestamp"`
	ActorID        string          `json:"actorId"`
	Action         string          `json:"action"`
	Resource       string          `json:"resource"`
	ResourceID     string          `json:"resourceId,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
	Sealed         *SealedPayload  `json:"sealedDetails,omitempty"`
	SourceAddress  string          `json:"sourceAddress,omitempty"`
	UserAgent      string          `json:"userAgent"`
	Device         *DeviceInfo     `json:"deviceInfo,omitempty"`
	LogLevel       LogLevel        `json:"logLevel"`
	PreviousDigest string          `json:"previousEntryDigest"`
	ContainsPHI    bool            `json:"containsPHI"`
}

// Time parses the entry timestamp.
func (e *Entry) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Details != nil {
		c.Details = append(json.RawMessage(nil), e.Details...)
	}
	if e.Sealed != nil {
		s := *e.Sealed
		s.Ciphertext = append([]byte(nil), e.Sealed.Ciphertext...)
		c.Sealed = &s
	}
	if e.Device != nil {
		d := *e.Device
		c.Device = &d
	}
	return &c
}

// Encode returns the compact JSON form written to disk.
func (e *Entry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEntry parses an entry file. Unknown fields are rejected.
func DecodeEntry(data []byte) (*Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var e Entry
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedEntry)
	}
	return &e, nil
}

// normalized returns the entry as it will read back from disk. Digests are
// always computed over this form so that a fresh entry and its reloaded
// copy hash identically.
func (e *Entry) normalized() (*Entry, error) {
	data, err := e.Encode()
	if err != nil {
		return nil, err
	}
	return DecodeEntry(data)
}

// =============================================================================
// FILE NAMES
// =============================================================================

const entryExt = ".json"

// FileName returns the entry's file name. The zero-padded sequence makes
// lexical order equal chain order.
func FileName(seq uint64, id string) string {
	return fmt.Sprintf("%020d-%s%s", seq, id, entryExt)
}

// ParseFileName extracts sequence and id from an entry file name.
func ParseFileName(name string) (seq uint64, id string, ok bool) {
	if !strings.HasSuffix(name, entryExt) || len(name) < 22 || name[20] != '-' {
		return 0, "", false
	}
	seq, err := strconv.ParseUint(name[:20], 10, 64)
	if err != nil {
		return 0, "", false
	}
	id = strings.TrimSuffix(name[21:], entryExt)
	if id == "" {
		return 0, "", false
	}
	return seq, id, true
}
