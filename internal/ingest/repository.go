// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security/audit"
)

// ErrDatabase wraps every repository failure.
var ErrDatabase = errors.New("database error")

// Repository persists received entries.
type Repository interface {
	// Insert stores the entries of one batch, ignoring ids already stored,
	// and returns how many were new.
	Insert(ctx context.Context, deviceID, appVersion string, entries []*audit.Entry) (int, error)
	Ping(ctx context.Context) error
}

// SQLiteRepository is a Repository over a single SQLite file.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}

	return &SQLiteRepository{db: db, now: time.Now}, nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Ping checks the database connection.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

// Insert stores entries in one transaction with INSERT OR IGNORE on id.
func (r *SQLiteRepository) Insert(ctx context.Context, deviceID, appVersion string, entries []*audit.Entry) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrDatabase, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO audit_entries
			(id, device_id, app_version, sequence, timestamp, actor_id, action, resource,
			 log_level, contains_phi, previous_digest, body, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("%w: prepare: %v", ErrDatabase, err)
	}
	defer stmt.Close()

	received := r.now().Unix()
	inserted := 0
	for _, e := range entries {
		body, err := e.Encode()
		if err != nil {
			return 0, fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		res, err := stmt.ExecContext(ctx,
			e.ID, deviceID, appVersion, int64(e.Sequence), e.Timestamp, e.ActorID, e.Action, e.Resource,
			string(e.LogLevel), e.ContainsPHI, e.PreviousDigest, string(body), received)
		if err != nil {
			return 0, fmt.Errorf("%w: insert %s: %v", ErrDatabase, e.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrDatabase, err)
	}
	return inserted, nil
}

// Count returns the number of stored entries.
func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return n, nil
}

// ByDevice returns a device's entries in sequence order.
func (r *SQLiteRepository) ByDevice(ctx context.Context, deviceID string) ([]*audit.Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT body FROM audit_entries WHERE device_id = ? ORDER BY sequence", deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
		}
		e, err := audit.DecodeEntry([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
