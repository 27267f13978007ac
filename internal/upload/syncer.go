// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security/audit"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultBatchSize is the most entries sent per request.
	DefaultBatchSize = 50

	// DefaultQueueSize bounds the immediate-delivery queue. Entries that do
	// not fit stay on disk for the periodic cycle.
	DefaultQueueSize = 256

	// DefaultImmediatePerSec limits immediate deliveries per second.
	DefaultImmediatePerSec = 5
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Source is the local store the syncer drains. *audit.Store satisfies it.
type Source interface {
	List() ([]*audit.Entry, error)
	Delete(id string) error
}

// Observer receives the outcome of every delivery attempt.
type Observer interface {
	ObserveUpload(entries int, err error)
}

// Options configures a Syncer.
type Options struct {
	DeviceID   string
	AppVersion string
	// BatchSize caps entries per SendBatch call.
	BatchSize int
	// ImmediatePerSec throttles Enqueue deliveries; <= 0 means unlimited.
	ImmediatePerSec float64
	QueueSize       int
	Logger          *slog.Logger
	Observer        Observer
}

// Status is the last known delivery state.
type Status struct {
	LastAttempt time.Time `json:"lastAttempt,omitempty"`
	LastSuccess time.Time `json:"lastSuccess,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// Result summarizes one SyncPending pass.
type Result struct {
	// Attempted is true once the pending list was read and delivery was
	// tried (or there was nothing to deliver).
	Attempted bool `json:"attempted"`
	Sent      int  `json:"sent"`
	Remaining int  `json:"remaining"`
}

// =============================================================================
// SYNCER
// =============================================================================

// Syncer moves entries from the local store to the ingestion endpoint and
// deletes the local copy once the endpoint accepts them.
type Syncer struct {
	source    Source
	transport Transport
	opts      Options
	limiter   *rate.Limiter
	queue     chan *audit.Entry
	tracer    trace.Tracer

	// sendMu serializes deliveries so periodic and immediate sends never
	// race on the same files.
	sendMu sync.Mutex

	mu      sync.Mutex
	status  Status
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSyncer returns a syncer. transport may be nil, in which case every
// delivery fails with ErrNoTransport and entries stay local.
func NewSyncer(source Source, transport Transport, opts Options) *Syncer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limit := rate.Inf
	burst := 1
	if opts.ImmediatePerSec > 0 {
		limit = rate.Limit(opts.ImmediatePerSec)
		burst = int(opts.ImmediatePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &Syncer{
		source:    source,
		transport: transport,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, burst),
		queue:     make(chan *audit.Entry, opts.QueueSize),
		tracer:    otel.Tracer("benefitmetrics/upload"),
	}
}

// Status returns the last delivery state.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SendBatch delivers at most BatchSize entries from the front of entries.
// On acceptance the local copies are deleted and the number sent is
// returned. On failure nothing is deleted.
func (s *Syncer) SendBatch(ctx context.Context, entries []*audit.Entry) (sent int, err error) {
	if len(entries) > s.opts.BatchSize {
		entries = entries[:s.opts.BatchSize]
	}
	if len(entries) == 0 {
		return 0, nil
	}

	ctx, span := s.tracer.Start(ctx, "audit.upload.batch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("audit.batch.size", len(entries))),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	err = ErrNoTransport
	if s.transport != nil {
		err = s.transport.Send(ctx, Batch{
			Logs:       entries,
			DeviceID:   s.opts.DeviceID,
			AppVersion: s.opts.AppVersion,
		})
	}
	s.record(len(entries), err)
	if err != nil {
		s.logFailure(len(entries), err)
		return 0, err
	}

	for _, e := range entries {
		if derr := s.source.Delete(e.ID); derr != nil {
			// Re-sending later is harmless; the endpoint is idempotent.
			s.opts.Logger.Warn("delete delivered audit entry failed", "entry_id", e.ID, "error", derr)
		}
	}
	return len(entries), nil
}

// SyncPending sends every pending entry in batches, oldest first, stopping
// at the first failed batch.
func (s *Syncer) SyncPending(ctx context.Context) (Result, error) {
	var res Result
	entries, err := s.source.List()
	if err != nil {
		return res, err
	}
	res.Attempted = true
	res.Remaining = len(entries)

	for len(entries) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := s.SendBatch(ctx, entries)
		if err != nil {
			return res, err
		}
		res.Sent += n
		res.Remaining -= n
		entries = entries[n:]
	}
	return res, nil
}

// Enqueue schedules e for immediate delivery off the caller's path. It
// never blocks; false means e was not queued and will go out with the next
// periodic cycle instead.
func (s *Syncer) Enqueue(e *audit.Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return false
	}
	select {
	case s.queue <- e.Clone():
		return true
	default:
		s.opts.Logger.Debug("immediate upload queue full", "entry_id", e.ID)
		return false
	}
}

// Start launches the immediate-delivery worker. Calling it twice is a no-op.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Close stops the worker. Queued immediate deliveries are abandoned; their
// entries remain on disk.
func (s *Syncer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Syncer) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := s.SendBatch(ctx, []*audit.Entry{e}); err != nil {
				s.opts.Logger.Debug("immediate upload deferred to next cycle", "entry_id", e.ID)
			}
		}
	}
}

func (s *Syncer) record(n int, err error) {
	now := time.Now()
	s.mu.Lock()
	s.status.LastAttempt = now
	if err == nil {
		s.status.LastSuccess = now
		s.status.LastError = ""
	} else {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if s.opts.Observer != nil {
		s.opts.Observer.ObserveUpload(n, err)
	}
}

func (s *Syncer) logFailure(n int, err error) {
	if errors.Is(err, ErrNoTransport) {
		s.opts.Logger.Debug("audit upload disabled", "entries", n)
		return
	}
	var se *StatusError
	if errors.As(err, &se) && !se.Retryable() {
		s.opts.Logger.Error("audit batch rejected", "entries", n, "status", se.StatusCode)
		return
	}
	s.opts.Logger.Warn("audit batch upload failed, will retry", "entries", n, "error", err)
}
