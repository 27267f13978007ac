// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBuilder_Build(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 0, 123000000, time.FixedZone("EST", -5*3600))
	b := NewBuilder("app/2.1", "dev-9", "2.1.0",
		WithClock(func() time.Time { return now }),
		WithAddress(func() (string, error) { return "192.168.1.20", nil }),
	)

	e, err := b.Build("user-1", "VIEW_CLAIM", "claims", BuildOptions{
		ResourceID:  "claim-77",
		Details:     map[string]string{"field": "status"},
		LogLevel:    LevelPHIAccess,
		ContainsPHI: true,
	})
	require.NoError(t, err)

	_, err = uuid.Parse(e.ID)
	require.NoError(t, err)
	require.Equal(t, "2025-06-01T17:30:00.123Z", e.Timestamp)
	require.Equal(t, "user-1", e.ActorID)
	require.Equal(t, "claim-77", e.ResourceID)
	require.JSONEq(t, `{"field":"status"}`, string(e.Details))
	require.Equal(t, LevelPHIAccess, e.LogLevel)
	require.True(t, e.ContainsPHI)
	require.Equal(t, "192.168.1.20", e.SourceAddress)
	require.Equal(t, "app/2.1", e.UserAgent)
	require.NotNil(t, e.Device)
	require.Equal(t, "dev-9", e.Device.DeviceID)
	require.Zero(t, e.Sequence, "builder does not link")
	require.Empty(t, e.PreviousDigest)
}

// TestBuilder_MetadataFailuresDegrade tests that collector errors leave fields empty.
func TestBuilder_MetadataFailuresDegrade(t *testing.T) {
	b := NewBuilder("app", "", "",
		WithDeviceInfo(func() (*DeviceInfo, error) { return nil, errors.New("no permission") }),
		WithAddress(func() (string, error) { return "", errors.New("offline") }),
	)

	e, err := b.Build("user", "LOGIN", "session", BuildOptions{})
	require.NoError(t, err)
	require.Nil(t, e.Device)
	require.Empty(t, e.SourceAddress)
	require.Equal(t, LevelInfo, e.LogLevel)
	require.Nil(t, e.Details)
}

func TestBuilder_UniqueIDs(t *testing.T) {
	b := NewBuilder("app", "", "")
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		e, err := b.Build("u", "a", "r", BuildOptions{})
		require.NoError(t, err)
		require.False(t, seen[e.ID])
		seen[e.ID] = true
	}
}

func TestBuilder_RejectsBadInput(t *testing.T) {
	b := NewBuilder("app", "", "")

	_, err := b.Build("u", "a", "r", BuildOptions{LogLevel: "LOUD"})
	require.Error(t, err)

	_, err = b.Build("u", "a", "r", BuildOptions{Details: func() {}})
	require.Error(t, err)
}

func TestBuilder_NormalizesFields(t *testing.T) {
	b := NewBuilder("app", "", "")

	e, err := b.Build("bad\xffutf8", strings.Repeat("x", 2000), "r", BuildOptions{Details: nilDetails()})
	require.NoError(t, err)
	require.Equal(t, "bad\uFFFDutf8", e.ActorID)
	require.Len(t, []rune(e.Action), maxFieldRunes)
	require.Nil(t, e.Details, "a JSON null is no details")
}

// nilDetails returns a typed nil that marshals to null.
func nilDetails() map[string]string { return nil }

func TestLogLevel(t *testing.T) {
	require.True(t, LevelCritical.Urgent())
	require.True(t, LevelPHIAccess.Urgent())
	require.False(t, LevelAuth.Urgent())
	require.False(t, LogLevel("x").Valid())
}
