// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upload

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// IngestPath is appended to the configured endpoint.
	IngestPath = "/audit-logs"

	// DefaultTimeout bounds one delivery attempt.
	DefaultTimeout = 10 * time.Second

	// MaxResponseSize caps how much of a reply body is read (1MB).
	MaxResponseSize = 1 << 20

	// maxErrorBody is how much of a failed reply is kept in StatusError.
	maxErrorBody = 512
)

// sharedTransport is reused by every HTTPTransport for connection pooling.
var sharedTransport = otelhttp.NewTransport(&http.Transport{
	Proxy: http.ProxyFromEnvironment,
	TLSClientConfig: &tls.Config{
		MinVersion: tls.VersionTLS12,
	},
	MaxIdleConns:        20,
	MaxIdleConnsPerHost: 5,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
})

// =============================================================================
// HTTP TRANSPORT
// =============================================================================

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// Endpoint is the base URL of the ingestion service.
	Endpoint string
	// Token is the bearer credential.
	Token     string
	UserAgent string
	Timeout   time.Duration
	// Client overrides the shared client (tests).
	Client *http.Client
	Logger *slog.Logger
}

// HTTPTransport posts batches as JSON to {Endpoint}/audit-logs.
type HTTPTransport struct {
	url       string
	token     string
	userAgent string
	timeout   time.Duration
	client    *http.Client
	logger    *slog.Logger
}

// NewHTTPTransport validates cfg and returns a transport.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("upload: endpoint is required")
	}
	if !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
		return nil, fmt.Errorf("upload: endpoint must be an http(s) URL: %q", endpoint)
	}
	t := &HTTPTransport{
		url:       endpoint + IngestPath,
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		client:    cfg.Client,
		logger:    cfg.Logger,
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}
	if t.client == nil {
		t.client = &http.Client{Transport: sharedTransport}
	}
	if t.userAgent == "" {
		t.userAgent = "benefitmetrics-audit"
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t, nil
}

// URL returns the full ingestion URL.
func (t *HTTPTransport) URL() string { return t.url }

// Send posts b. Any 2xx reply is full-batch acceptance. Transport failures
// and every other status wrap ErrNetwork.
func (t *HTTPTransport) Send(ctx context.Context, b Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	t.setHeaders(req)

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	t.logger.Debug("audit batch delivered",
		"status", resp.StatusCode, "entries", len(b.Logs), "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}
	return nil
}

func (t *HTTPTransport) setHeaders(req *http.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", t.userAgent)
}
