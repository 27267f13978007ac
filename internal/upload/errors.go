// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork marks a delivery that did not reach, or was refused by, the
	// ingestion endpoint. Entries stay queued locally.
	ErrNetwork = errors.New("upload: network error")

	// ErrNoTransport is returned when uploads are disabled.
	ErrNoTransport = errors.New("upload: no transport configured")
)

// StatusError is a non-2xx reply from the ingestion endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ingestion endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("ingestion endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Unwrap makes every StatusError match ErrNetwork.
func (e *StatusError) Unwrap() error { return ErrNetwork }

// Retryable reports whether the endpoint may accept the same batch later.
// Auth and validation failures are still kept locally, but they are logged
// louder because retrying alone will not fix them.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 408 || e.StatusCode == 429
}
