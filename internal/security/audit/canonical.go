// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security"
)

// CanonicalVersion identifies the serialization hashed for chain links.
// Changing any field, tag or ordering below requires a new version.
const CanonicalVersion = 1

// canonicalDevice mirrors DeviceInfo with fixed integer keys.
type canonicalDevice struct {
	DeviceID   string `cbor:"1,keyasint"`
	Platform   string `cbor:"2,keyasint"`
	Arch       string `cbor:"3,keyasint"`
	Hostname   string `cbor:"4,keyasint"`
	AppVersion string `cbor:"5,keyasint"`
}

// canonicalV1 is every entry field except the entry's own id, encoded with
// CBOR Core Deterministic Encoding. Details are the raw JSON bytes as
// stored; a sealed payload contributes its key version and ciphertext, so
// the link covers the at-rest form.
type canonicalV1 struct {
	Version          int              `cbor:"0,keyasint"`
	Sequence         uint64           `cbor:"1,keyasint"`
	Timestamp        string           `cbor:"2,keyasint"`
	ActorID          string           `cbor:"3,keyasint"`
	Action           string           `cbor:"4,keyasint"`
	Resource         string           `cbor:"5,keyasint"`
	ResourceID       string           `cbor:"6,keyasint"`
	Details          []byte           `cbor:"7,keyasint"`
	SealedKeyVersion uint32           `cbor:"8,keyasint"`
	SealedAlgorithm  string           `cbor:"9,keyasint"`
	SealedCiphertext []byte           `cbor:"10,keyasint"`
	SourceAddress    string           `cbor:"11,keyasint"`
	UserAgent        string           `cbor:"12,keyasint"`
	Device           *canonicalDevice `cbor:"13,keyasint"`
	LogLevel         string           `cbor:"14,keyasint"`
	PreviousDigest   string           `cbor:"15,keyasint"`
	ContainsPHI      bool             `cbor:"16,keyasint"`
}

var canonicalMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("audit: canonical encoder: %v", err))
	}
	canonicalMode = em
}

// Canonical returns the version 1 canonical bytes of e.
func Canonical(e *Entry) ([]byte, error) {
	c := canonicalV1{
		Version:        CanonicalVersion,
		Sequence:       e.Sequence,
		Timestamp:      e.Timestamp,
		ActorID:        e.ActorID,
		Action:         e.Action,
		Resource:       e.Resource,
		ResourceID:     e.ResourceID,
		Details:        []byte(e.Details),
		SourceAddress:  e.SourceAddress,
		UserAgent:      e.UserAgent,
		LogLevel:       string(e.LogLevel),
		PreviousDigest: e.PreviousDigest,
		ContainsPHI:    e.ContainsPHI,
	}
	if e.Sealed != nil {
		c.SealedKeyVersion = e.Sealed.KeyVersion
		c.SealedAlgorithm = e.Sealed.Algorithm
		c.SealedCiphertext = e.Sealed.Ciphertext
	}
	if e.Device != nil {
		c.Device = &canonicalDevice{
			DeviceID:   e.Device.DeviceID,
			Platform:   e.Device.Platform,
			Arch:       e.Device.Arch,
			Hostname:   e.Device.Hostname,
			AppVersion: e.Device.AppVersion,
		}
	}

	data, err := canonicalMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return data, nil
}

// EntryDigest returns hex(SHA-256(Canonical(e))) over the entry's on-disk
// form.
func EntryDigest(e *Entry) (string, error) {
	n, err := e.normalized()
	if err != nil {
		return "", err
	}
	data, err := Canonical(n)
	if err != nil {
		return "", err
	}
	return security.Digest(data), nil
}
