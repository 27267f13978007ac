// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auditlog

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security/audit"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/upload"
)

// Option customizes New.
type Option func(*options)

type options struct {
	keyStore     security.KeyStore
	heads        audit.HeadStore
	transport    upload.Transport
	hasTransport bool
	logger       *slog.Logger
	registerer   prometheus.Registerer
	onBreak      func(*audit.Report)
	builderOpts  []audit.BuilderOption
	storeOpts    []audit.StoreOption
}

// WithKeyStore supplies the secure store instead of opening the configured
// backend. The caller keeps ownership; Close does not close it.
func WithKeyStore(ks security.KeyStore) Option {
	return func(o *options) { o.keyStore = ks }
}

// WithHeadStore keeps the chain head somewhere other than the secure store.
func WithHeadStore(h audit.HeadStore) Option {
	return func(o *options) { o.heads = h }
}

// WithTransport replaces the configured upload transport. nil disables
// uploads.
func WithTransport(t upload.Transport) Option {
	return func(o *options) {
		o.transport = t
		o.hasTransport = true
	}
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the audit metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithChainBreakHandler is called with every failed verification report,
// after the security incident entry has been appended.
func WithChainBreakHandler(fn func(*audit.Report)) Option {
	return func(o *options) { o.onBreak = fn }
}

// WithBuilderOptions passes options to the entry builder (clock, metadata
// collectors).
func WithBuilderOptions(opts ...audit.BuilderOption) Option {
	return func(o *options) { o.builderOpts = append(o.builderOpts, opts...) }
}

// WithStoreOptions passes options to the local store.
func WithStoreOptions(opts ...audit.StoreOption) Option {
	return func(o *options) { o.storeOpts = append(o.storeOpts, opts...) }
}
