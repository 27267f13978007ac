// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"regexp"

	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// REDACTORS
// =============================================================================

// Redactor replaces sensitive substrings in free text.
type Redactor interface {
	Redact(input string) string
}

// PatternRedactor redacts text matching a regex pattern.
type PatternRedactor struct {
	name    string
	pattern *regexp.Regexp
	replace string
}

// NewPatternRedactor creates a pattern-based redactor.
func NewPatternRedactor(name string, pattern *regexp.Regexp, replace string) *PatternRedactor {
	return &PatternRedactor{name: name, pattern: pattern, replace: replace}
}

// Redact replaces matches with the replacement string.
func (r *PatternRedactor) Redact(input string) string {
	return r.pattern.ReplaceAllString(input, r.replace)
}

// Name returns the redactor's label.
func (r *PatternRedactor) Name() string {
	return r.name
}

// phiPatterns run in order. Longer digit runs (cards) go before phone
// numbers so a card number is not half-consumed as a phone.
var phiPatterns = []struct {
	name    string
	pattern *regexp.Regexp
	replace string
}{
	{"Email", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), "[EMAIL_REDACTED]"},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN_REDACTED]"},
	{"SSNLabeled", regexp.MustCompile(`(?i)\bssn\s*[:#]?\s*\d{9}\b`), "[SSN_REDACTED]"},
	{"Card", regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`), "[CARD_REDACTED]"},
	{"Phone", regexp.MustCompile(`(?:\+?1[\s.\-]?)?(?:\(\d{3}\)|\b\d{3})[\s.\-]?\d{3}[\s.\-]?\d{4}\b`), "[PHONE_REDACTED]"},
	{"DOB", regexp.MustCompile(`(?i)\b(?:dob|date\s+of\s+birth)\s*[:#]?\s*\d{1,4}[/\-.]\d{1,2}[/\-.]\d{1,4}`), "[DOB_REDACTED]"},
	{"Identifier", regexp.MustCompile(`(?i)\b(?:mrn|member\s*id|patient\s*id|medical\s+record(?:\s+number)?|policy\s*(?:number|no\.?)?)\s*[:#]?\s*[A-Z0-9][A-Z0-9\-]{3,}`), "[ID_REDACTED]"},
}

// PHIRedactor applies the PHI patterns after NFKC folding, so full-width
// digits and other compatibility forms cannot slip past the ASCII patterns.
type PHIRedactor struct {
	redactors []Redactor
}

// NewPHIRedactor returns the default PHI redaction chain.
func NewPHIRedactor() *PHIRedactor {
	rs := make([]Redactor, 0, len(phiPatterns))
	for _, p := range phiPatterns {
		rs = append(rs, NewPatternRedactor(p.name, p.pattern, p.replace))
	}
	return &PHIRedactor{redactors: rs}
}

// Redact folds and redacts input.
func (p *PHIRedactor) Redact(input string) string {
	out := norm.NFKC.String(input)
	for _, r := range p.redactors {
		out = r.Redact(out)
	}
	return out
}

// Sanitize redacts PHI-shaped substrings with the default chain.
func Sanitize(text string) string {
	return defaultPHIRedactor.Redact(text)
}

var defaultPHIRedactor = NewPHIRedactor()
