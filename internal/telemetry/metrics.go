// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricEntriesTotal          = "bmaudit_entries_total"
	MetricWriteFallbacksTotal   = "bmaudit_write_fallbacks_total"
	MetricUploadBatchesTotal    = "bmaudit_upload_batches_total"
	MetricUploadedEntriesTotal  = "bmaudit_uploaded_entries_total"
	MetricVerificationsTotal    = "bmaudit_verifications_total"
	MetricKeystoreFailuresTotal = "bmaudit_keystore_failures_total"
	MetricPendingEntries        = "bmaudit_pending_entries"
	MetricFallbackQueue         = "bmaudit_fallback_queue_entries"
)

// Result label values.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// =============================================================================
// METRICS
// =============================================================================

// Metrics holds the audit subsystem collectors. All methods are safe for
// concurrent use.
type Metrics struct {
	entries          *prometheus.CounterVec
	writeFallbacks   prometheus.Counter
	uploadBatches    *prometheus.CounterVec
	uploadedEntries  prometheus.Counter
	verifications    *prometheus.CounterVec
	keystoreFailures prometheus.Counter
	pending          prometheus.Gauge
	fallbackQueue    prometheus.Gauge
}

// NewMetrics returns unregistered collectors; call Register.
func NewMetrics() *Metrics {
	return &Metrics{
		entries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEntriesTotal,
				Help: "Audit record calls by log level and result",
			},
			[]string{"level", "result"},
		),
		writeFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricWriteFallbacksTotal,
			Help: "Entries moved to the in-memory queue after disk writes failed",
		}),
		uploadBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricUploadBatchesTotal,
				Help: "Upload batch attempts by result",
			},
			[]string{"result"},
		),
		uploadedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricUploadedEntriesTotal,
			Help: "Entries accepted by the ingestion endpoint",
		}),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerificationsTotal,
				Help: "Chain verification passes by result",
			},
			[]string{"result"},
		),
		keystoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricKeystoreFailuresTotal,
			Help: "Secure store operations that failed",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPendingEntries,
			Help: "Entries retained locally awaiting delivery",
		}),
		fallbackQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricFallbackQueue,
			Help: "Entries held in memory because the disk was unwritable",
		}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.entries,
		m.writeFallbacks,
		m.uploadBatches,
		m.uploadedEntries,
		m.verifications,
		m.keystoreFailures,
		m.pending,
		m.fallbackQueue,
	}
}

// ObserveRecord counts one record call.
func (m *Metrics) ObserveRecord(level string, ok bool) {
	m.entries.WithLabelValues(level, result(ok)).Inc()
}

// IncWriteFallback counts an entry that went to the fallback queue.
func (m *Metrics) IncWriteFallback() { m.writeFallbacks.Inc() }

// ObserveUpload counts one batch attempt of n entries.
func (m *Metrics) ObserveUpload(n int, err error) {
	m.uploadBatches.WithLabelValues(result(err == nil)).Inc()
	if err == nil {
		m.uploadedEntries.Add(float64(n))
	}
}

// ObserveVerify counts one verification pass.
func (m *Metrics) ObserveVerify(ok bool) {
	m.verifications.WithLabelValues(result(ok)).Inc()
}

// IncKeystoreFailure counts a failed secure store operation.
func (m *Metrics) IncKeystoreFailure() { m.keystoreFailures.Inc() }

// SetPending records the locally retained entry count.
func (m *Metrics) SetPending(n int) { m.pending.Set(float64(n)) }

// SetFallbackQueue records the in-memory queue depth.
func (m *Metrics) SetFallbackQueue(n int) { m.fallbackQueue.Set(float64(n)) }

func result(ok bool) string {
	if ok {
		return ResultOK
	}
	return ResultFailed
}
