// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/logging"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/upload"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// MaxBodySize bounds a single batch request.
	MaxBodySize = 8 << 20

	// MaxBatchEntries bounds the entries accepted in one request.
	MaxBatchEntries = 1000

	DefaultAddr         = "127.0.0.1:8088"
	DefaultReadTimeout  = 15 * time.Second
	DefaultWriteTimeout = 15 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
)

// =============================================================================
// SERVER
// =============================================================================

// Config configures a Server.
type Config struct {
	Addr  string
	Token string // empty disables bearer auth

	Repository Repository
	Logger     *slog.Logger
	Registry   *prometheus.Registry

	// RatePerSec and RateBurst bound uploads per client IP. Zero selects the
	// defaults; a negative RatePerSec disables limiting.
	RatePerSec float64
	RateBurst  int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the reference ingestion endpoint for uploaded batches.
type Server struct {
	cfg     Config
	repo    Repository
	logger  *slog.Logger
	router  chi.Router
	handler http.Handler
	httpSrv *http.Server

	batches *prometheus.CounterVec
	entries *prometheus.CounterVec
}

// Response is the JSON body returned for an accepted batch.
type Response struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// NewServer builds the router. Start serving with ListenAndServe, or mount
// Handler in an existing server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Repository == nil {
		return nil, errors.New("ingest: repository is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = DefaultRateBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		cfg:    cfg,
		repo:   cfg.Repository,
		logger: cfg.Logger,
		router: chi.NewRouter(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmaudit_ingest_batches_total",
			Help: "Batches received by the ingestion endpoint, by result.",
		}, []string{"result"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmaudit_ingest_entries_total",
			Help: "Entries received by the ingestion endpoint, by result.",
		}, []string{"result"}),
	}
	for _, c := range []prometheus.Collector{s.batches, s.entries} {
		if err := cfg.Registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	s.setupRoutes()
	s.handler = otelhttp.NewHandler(s.router, "audit-ingest")
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(securityHeaders)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))

	s.router.Group(func(r chi.Router) {
		if s.cfg.RatePerSec > 0 {
			r.Use(NewRateLimiter(s.cfg.RatePerSec, s.cfg.RateBurst).Middleware(s.logger))
		}
		r.Use(s.requireToken)
		r.Post(upload.IngestPath, s.handleIngest)
	})
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// reported as nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("ingest server listening", "addr", s.cfg.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			s.batches.WithLabelValues("unauthorized").Inc()
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		writeError(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "healthy"}, http.StatusOK)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)

	var batch upload.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.batches.WithLabelValues("invalid").Inc()
		writeError(w, "malformed batch: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateBatch(batch); err != nil {
		s.batches.WithLabelValues("invalid").Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	inserted, err := s.repo.Insert(r.Context(), batch.DeviceID, batch.AppVersion, batch.Logs)
	if err != nil {
		s.batches.WithLabelValues("error").Inc()
		s.logger.Error("ingest insert failed",
			"device_id", batch.DeviceID,
			"entries", len(batch.Logs),
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
		writeError(w, "storage failure", http.StatusInternalServerError)
		return
	}

	dupes := len(batch.Logs) - inserted
	s.batches.WithLabelValues("ok").Inc()
	s.entries.WithLabelValues("accepted").Add(float64(inserted))
	s.entries.WithLabelValues("duplicate").Add(float64(dupes))
	s.logger.Debug("batch ingested",
		"device_id", batch.DeviceID,
		"accepted", inserted,
		"duplicates", dupes)

	writeJSON(w, Response{Accepted: inserted, Duplicates: dupes}, http.StatusOK)
}

func validateBatch(b upload.Batch) error {
	if b.DeviceID == "" {
		return errors.New("deviceId is required")
	}
	if len(b.Logs) == 0 {
		return errors.New("logs must not be empty")
	}
	if len(b.Logs) > MaxBatchEntries {
		return fmt.Errorf("batch exceeds %d entries", MaxBatchEntries)
	}
	for i, e := range b.Logs {
		if e == nil {
			return fmt.Errorf("logs[%d] is null", i)
		}
		if _, err := uuid.Parse(e.ID); err != nil {
			return fmt.Errorf("logs[%d]: invalid id %q", i, e.ID)
		}
		if !e.LogLevel.Valid() {
			return fmt.Errorf("logs[%d]: invalid logLevel %q", i, e.LogLevel)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, msg string, statusCode int) {
	writeJSON(w, errorResponse{Error: msg, Code: statusCode}, statusCode)
}
