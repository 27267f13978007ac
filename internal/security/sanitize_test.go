// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize_Patterns(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		secret string
		marker string
	}{
		{"email", "contact jane.doe@example.com today", "jane.doe@example.com", "[EMAIL_REDACTED]"},
		{"ssn", "ssn is 123-45-6789.", "123-45-6789", "[SSN_REDACTED]"},
		{"ssn labeled", "SSN: 123456789", "123456789", "[SSN_REDACTED]"},
		{"card spaced", "card 4111 1111 1111 1111 on file", "4111 1111 1111 1111", "[CARD_REDACTED]"},
		{"card dashed", "4111-1111-1111-1111", "4111-1111-1111-1111", "[CARD_REDACTED]"},
		{"phone dashed", "call 555-123-4567", "555-123-4567", "[PHONE_REDACTED]"},
		{"phone parens", "call (555) 123-4567", "123-4567", "[PHONE_REDACTED]"},
		{"phone intl", "call +1 555.123.4567", "555.123.4567", "[PHONE_REDACTED]"},
		{"dob", "DOB: 04/12/1987", "04/12/1987", "[DOB_REDACTED]"},
		{"mrn", "MRN# A1234567", "A1234567", "[ID_REDACTED]"},
		{"member id", "member id: XJ-99812", "XJ-99812", "[ID_REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Sanitize(tt.input)
			assert.NotContains(t, out, tt.secret)
			assert.Contains(t, out, tt.marker)
		})
	}
}

// TestSanitize_FullWidthDigits tests that compatibility forms are folded before matching.
func TestSanitize_FullWidthDigits(t *testing.T) {
	out := Sanitize("ssn １２３-４５-６７８９")
	require.Contains(t, out, "[SSN_REDACTED]")
	require.NotContains(t, out, "6789")
}

func TestSanitize_LeavesOrdinaryText(t *testing.T) {
	in := "viewed claim summary for plan year 2024"
	require.Equal(t, in, Sanitize(in))
}

func TestCipher_SanitizeUsesPHIChain(t *testing.T) {
	c := NewCipher(0)
	require.Equal(t, Sanitize("x 123-45-6789"), c.Sanitize("x 123-45-6789"))
}
