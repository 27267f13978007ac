// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upload

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPTransport_Validation(t *testing.T) {
	_, err := NewHTTPTransport(HTTPConfig{})
	require.Error(t, err)

	_, err = NewHTTPTransport(HTTPConfig{Endpoint: "ftp://example.com"})
	require.Error(t, err)

	tr, err := NewHTTPTransport(HTTPConfig{Endpoint: "https://ingest.example.com/v1/"})
	require.NoError(t, err)
	assert.Equal(t, "https://ingest.example.com/v1/audit-logs", tr.URL())
}

func TestHTTPTransport_Send(t *testing.T) {
	store := newPendingStore(t, 2)
	entries := pending(t, store)

	var got Batch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/audit-logs", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(HTTPConfig{Endpoint: srv.URL, Token: "secret-token"})
	require.NoError(t, err)

	err = tr.Send(context.Background(), Batch{Logs: entries, DeviceID: "device-1", AppVersion: "2.0.0"})
	require.NoError(t, err)

	require.Len(t, got.Logs, 2)
	assert.Equal(t, entries[0].ID, got.Logs[0].ID)
	assert.Equal(t, entries[1].PreviousDigest, got.Logs[1].PreviousDigest)
	assert.Equal(t, "device-1", got.DeviceID)
	assert.Equal(t, "2.0.0", got.AppVersion)
}

func TestHTTPTransport_Non2xx(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			tr, err := NewHTTPTransport(HTTPConfig{Endpoint: srv.URL})
			require.NoError(t, err)

			err = tr.Send(context.Background(), Batch{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNetwork))

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, "nope", se.Body)
			assert.Equal(t, tt.retryable, se.Retryable())
		})
	}
}

func TestHTTPTransport_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(HTTPConfig{Endpoint: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	err = tr.Send(context.Background(), Batch{})
	require.ErrorIs(t, err, ErrNetwork)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr, err := NewHTTPTransport(HTTPConfig{Endpoint: url, Timeout: time.Second})
	require.NoError(t, err)
	require.ErrorIs(t, tr.Send(context.Background(), Batch{}), ErrNetwork)
}
