// Package settings persists bridge settings in SQLite (WAL mode).
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Keys used by the bridge.
const (
	KeyDeviceID      = "gps.device_id"
	KeyOdometerTotal = "trip.total_m"
	KeyTripDistance  = "trip.trip_m"
)

// Store is a small key/value table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the settings database at path and migrates it.
// Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("settings: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("settings: ping: %w", err)
	}
	// One connection; also keeps a :memory: database alive.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(ddlSettings); err != nil {
		return fmt.Errorf("settings: migrate: %w", err)
	}
	return nil
}

const ddlSettings = `
CREATE TABLE IF NOT EXISTS settings (
    key        TEXT    PRIMARY KEY,
    value      TEXT    NOT NULL,
    updated_at INTEGER NOT NULL  -- Unix milliseconds
);
`

// Get returns the value for key and whether it was set.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("settings: get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("settings: delete %s: %w", key, err)
	}
	return nil
}

// DeviceID returns the persisted receiver identity, or "" if none.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	v, _, err := s.Get(ctx, KeyDeviceID)
	return v, err
}

// SetDeviceID persists the receiver identity. An empty id clears it.
func (s *Store) SetDeviceID(ctx context.Context, id string) error {
	if id == "" {
		return s.Delete(ctx, KeyDeviceID)
	}
	return s.Set(ctx, KeyDeviceID, id)
}
