// Package storage is the Persistence Gateway: a typed, retrying read/write
// layer over a SQLite database for every entity in the data model.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a *sql.DB opened against a single writer connection.
type Store struct {
	db               *sql.DB
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	retryMaxAttempt  int
	droppedLogWrites int64
}

// Options configures retry timing; zero values fall back to the spec's
// defaults (base 100ms, cap 2s, 3 attempts).
type Options struct {
	BusyTimeout     time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryMaxAttempt int
}

// Open opens (or creates) the SQLite database at databaseURL and applies
// migrations. SQLite serializes writes, so a single open connection avoids
// SQLITE_BUSY storms that a connection pool would otherwise produce.
func Open(databaseURL string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", databaseURL, err)
	}
	db.SetMaxOpenConns(1)

	busyMs := int64(5000)
	if opts.BusyTimeout > 0 {
		busyMs = opts.BusyTimeout.Milliseconds()
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyMs),
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{
		db:              db,
		retryBaseDelay:  orDefault(opts.RetryBaseDelay, 100*time.Millisecond),
		retryMaxDelay:   orDefault(opts.RetryMaxDelay, 2*time.Second),
		retryMaxAttempt: opts.RetryMaxAttempt,
	}
	if s.retryMaxAttempt <= 0 {
		s.retryMaxAttempt = 3
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chargers (
			charger_id        TEXT PRIMARY KEY,
			vendor            TEXT NOT NULL DEFAULT '',
			model             TEXT NOT NULL DEFAULT '',
			serial            TEXT NOT NULL DEFAULT '',
			firmware          TEXT NOT NULL DEFAULT '',
			is_connected      INTEGER NOT NULL DEFAULT 0,
			connection_time   TEXT,
			disconnect_time   TEXT,
			last_heartbeat    TEXT,
			status            TEXT NOT NULL DEFAULT 'Unknown',
			max_retries       INTEGER NOT NULL DEFAULT 3,
			retry_interval_s  INTEGER NOT NULL DEFAULT 5,
			retry_enabled     INTEGER NOT NULL DEFAULT 1,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS connectors (
			charger_id           TEXT NOT NULL,
			connector_id         INTEGER NOT NULL,
			status               TEXT NOT NULL DEFAULT 'Unknown',
			error_code           TEXT NOT NULL DEFAULT 'NoError',
			energy_delivered_kwh REAL NOT NULL DEFAULT 0,
			power_delivered_kw   REAL NOT NULL DEFAULT 0,
			updated_at           TEXT NOT NULL,
			PRIMARY KEY (charger_id, connector_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id           TEXT PRIMARY KEY,
			charger_id           TEXT NOT NULL,
			connector_id         INTEGER NOT NULL,
			transaction_id       INTEGER NOT NULL,
			id_tag               TEXT NOT NULL,
			start_time           TEXT NOT NULL,
			stop_time            TEXT,
			meter_start          INTEGER NOT NULL,
			meter_stop           INTEGER,
			energy_delivered_kwh REAL NOT NULL DEFAULT 0,
			cost                 REAL NOT NULL DEFAULT 0,
			status               TEXT NOT NULL DEFAULT 'Active',
			stop_reason          TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_charger_tx ON sessions(charger_id, transaction_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_charger_status ON sessions(charger_id, status)`,
		`CREATE TABLE IF NOT EXISTS message_logs (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp          TEXT NOT NULL,
			charger_id         TEXT NOT NULL,
			direction          TEXT NOT NULL,
			action             TEXT NOT NULL,
			message_id         TEXT NOT NULL,
			status             TEXT NOT NULL,
			processing_time_ms INTEGER NOT NULL DEFAULT 0,
			request_json       TEXT NOT NULL DEFAULT '',
			response_json      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_logs_charger_ts ON message_logs(charger_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS connection_events (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp          TEXT NOT NULL,
			charger_id         TEXT NOT NULL,
			event_type         TEXT NOT NULL,
			connection_id      TEXT NOT NULL DEFAULT '',
			remote_address     TEXT NOT NULL DEFAULT '',
			subprotocol        TEXT NOT NULL DEFAULT '',
			reason             TEXT NOT NULL DEFAULT '',
			session_duration_s REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connection_events_charger_ts ON connection_events(charger_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS rfid_cards (
			id_tag       TEXT PRIMARY KEY,
			status       TEXT NOT NULL DEFAULT 'active',
			expiry_date  TEXT,
			parent_id_tag TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role          TEXT NOT NULL DEFAULT 'operator',
			created_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS system_config (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return s.seedDefaults()
}

func (s *Store) seedDefaults() error {
	defaults := map[string]string{
		ConfigMaxRetries:         "3",
		ConfigRetryInterval:      "5",
		ConfigHeartbeatInterval:  "60",
		ConfigMeterValueInterval: "60",
		ConfigConnectionTimeout:  "120",
		ConfigEnergyRatePerKWh:   "0.15",
	}
	for k, v := range defaults {
		if _, err := s.db.Exec(
			`INSERT INTO system_config(key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`, k, v,
		); err != nil {
			return err
		}
	}
	return nil
}

// IsTransient recognizes SQLite's busy/locked condition the way
// db_retry.py's exception check does: by error text, since modernc.org/sqlite
// surfaces these as plain *sqlite.Error values without exported codes in
// every build tag combination.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

// withRetry wraps a write operation with the spec's exponential backoff:
// delay = min(base*2^k, cap), up to retryMaxAttempt attempts, retrying only
// on transient lock errors.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.retryMaxAttempt; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		delay := s.retryBaseDelay * time.Duration(1<<uint(attempt))
		if delay > s.retryMaxDelay {
			delay = s.retryMaxDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
