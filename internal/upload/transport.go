// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upload

import (
	"context"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security/audit"
)

// Batch is the request body delivered to the ingestion endpoint.
type Batch struct {
	Logs       []*audit.Entry `json:"logs"`
	DeviceID   string         `json:"deviceId"`
	AppVersion string         `json:"appVersion"`
}

// Transport delivers a batch. A nil error means every entry in the batch was
// accepted; the endpoint is expected to treat entry ids idempotently.
type Transport interface {
	Send(ctx context.Context, b Batch) error
}
