// Package store provides the durable artifact tier.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/dailysolve/internal/domain"
	"github.com/ashureev/dailysolve/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 100 * time.Millisecond
)

// SQLiteStore is the durable artifact tier backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS artifacts (
		challenge_key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		inserted_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_expires ON artifacts(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get retrieves the cache entry stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*domain.CacheEntry, error) {
	query := `SELECT payload, inserted_at, expires_at FROM artifacts WHERE challenge_key = ?`

	var payload string
	var insertedAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, query, key).Scan(&payload, &insertedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact row: %w", err)
	}

	var artifact domain.Artifact
	if err := json.Unmarshal([]byte(payload), &artifact); err != nil {
		return nil, fmt.Errorf("decode artifact payload: %w", err)
	}

	return &domain.CacheEntry{
		Key:        key,
		Artifact:   &artifact,
		InsertedAt: time.UnixMilli(insertedAt),
		ExpiresAt:  time.UnixMilli(expiresAt),
	}, nil
}

// Put creates or replaces a cache entry.
func (s *SQLiteStore) Put(ctx context.Context, entry *domain.CacheEntry) error {
	if entry == nil || entry.Artifact == nil {
		return fmt.Errorf("put artifact: empty entry")
	}
	payload, err := json.Marshal(entry.Artifact)
	if err != nil {
		return fmt.Errorf("encode artifact payload: %w", err)
	}

	query := `
	INSERT INTO artifacts (challenge_key, payload, inserted_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(challenge_key) DO UPDATE SET
		payload = excluded.payload,
		inserted_at = excluded.inserted_at,
		expires_at = excluded.expires_at`

	err = shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			entry.Key, string(payload),
			entry.InsertedAt.UnixMilli(), entry.ExpiresAt.UnixMilli(),
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

// DeleteExpired removes rows that expired at or before now.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var affected int64
	err := shared.RetryOnConflict(ctx, writeRetries, writeBaseDelay, func() error {
		result, execErr := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE expires_at <= ?`, now.UnixMilli())
		if execErr != nil {
			return execErr
		}
		n, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return rowsErr
		}
		affected = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup expired artifacts: %w", err)
	}
	return affected, nil
}

// Count returns the number of rows in the artifact table.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
