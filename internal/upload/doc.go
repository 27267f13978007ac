// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package upload delivers audit entries from the local store to a remote
// ingestion endpoint.
//
// Delivery is best effort. The local store stays the owner of an entry until
// a transport reports acceptance, after which the local copy is deleted. Two
// transports are provided: HTTPTransport posts JSON batches to
// {endpoint}/audit-logs with a bearer token, and S3Transport writes one object
// per entry id.
//
// Usage:
//
//	tr, _ := upload.NewHTTPTransport(upload.HTTPConfig{Endpoint: url, Token: tok})
//	s := upload.NewSyncer(store, tr, upload.Options{DeviceID: id})
//	s.Start(ctx)
//	defer s.Close()
//	s.Enqueue(entry)           // urgent entries, throttled, off the caller's path
//	res, err := s.SyncPending(ctx) // periodic cycle
package upload
