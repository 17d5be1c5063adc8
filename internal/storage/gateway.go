package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned by single-row lookups that found nothing.
var ErrNotFound = errors.New("storage: not found")

// DroppedLogWrites counts append-only log writes abandoned after exhausting
// retries, per the spec's "never block the hot path" rule.
func (s *Store) DroppedLogWrites() int64 {
	return atomic.LoadInt64(&s.droppedLogWrites)
}

// UpsertCharger inserts a charger row or updates the descriptive fields if
// one already exists (BootNotification is idempotent under repeated calls).
func (s *Store) UpsertCharger(ctx context.Context, c *Charger) error {
	now := time.Now().UTC()
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chargers (charger_id, vendor, model, serial, firmware, is_connected, status, max_retries, retry_interval_s, retry_enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(charger_id) DO UPDATE SET
				vendor = excluded.vendor,
				model = excluded.model,
				serial = excluded.serial,
				firmware = excluded.firmware,
				updated_at = excluded.updated_at
		`, c.ChargerID, c.Vendor, c.Model, c.Serial, c.Firmware, boolToInt(c.IsConnected), orStatus(c.Status), orInt(c.MaxRetries, 3), orInt(c.RetryIntervalS, 5), boolToInt(c.RetryEnabled), now.Format(time.RFC3339), now.Format(time.RFC3339))
		return err
	})
}

// GetCharger fetches a charger by id.
func (s *Store) GetCharger(ctx context.Context, chargerID string) (*Charger, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT charger_id, vendor, model, serial, firmware, is_connected, connection_time, disconnect_time,
		       last_heartbeat, status, max_retries, retry_interval_s, retry_enabled, created_at, updated_at
		FROM chargers WHERE charger_id = ?`, chargerID)
	return scanCharger(row.Scan)
}

func scanCharger(scan func(dest ...interface{}) error) (*Charger, error) {
	var c Charger
	var isConnected, retryEnabled int
	var connTime, disconnTime, lastHB sql.NullString
	var createdAt, updatedAt string
	if err := scan(&c.ChargerID, &c.Vendor, &c.Model, &c.Serial, &c.Firmware, &isConnected, &connTime, &disconnTime,
		&lastHB, &c.Status, &c.MaxRetries, &c.RetryIntervalS, &retryEnabled, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.IsConnected = isConnected != 0
	c.RetryEnabled = retryEnabled != 0
	var err error
	if c.ConnectionTime, err = parseNullableTime(connTime); err != nil {
		return nil, err
	}
	if c.DisconnectTime, err = parseNullableTime(disconnTime); err != nil {
		return nil, err
	}
	if c.LastHeartbeat, err = parseNullableTime(lastHB); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// SetChargerConnected flips the liveness fields on connect/disconnect.
func (s *Store) SetChargerConnected(ctx context.Context, chargerID string, connected bool, at time.Time) error {
	return s.withRetry(ctx, func() error {
		if connected {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO chargers (charger_id, is_connected, connection_time, status, created_at, updated_at)
				VALUES (?, 1, ?, 'Available', ?, ?)
				ON CONFLICT(charger_id) DO UPDATE SET
					is_connected = 1, connection_time = excluded.connection_time, disconnect_time = NULL, updated_at = excluded.updated_at
			`, chargerID, at.UTC().Format(time.RFC3339), at.UTC().Format(time.RFC3339), at.UTC().Format(time.RFC3339))
			return err
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE chargers SET is_connected = 0, disconnect_time = ?, status = 'Offline', updated_at = ? WHERE charger_id = ?
		`, at.UTC().Format(time.RFC3339), at.UTC().Format(time.RFC3339), chargerID)
		return err
	})
}

// UpdateHeartbeat bumps last_heartbeat for a charger.
func (s *Store) UpdateHeartbeat(ctx context.Context, chargerID string, at time.Time) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE chargers SET last_heartbeat = ?, updated_at = ? WHERE charger_id = ?`,
			at.UTC().Format(time.RFC3339), at.UTC().Format(time.RFC3339), chargerID)
		return err
	})
}

// ListConnectedChargers returns every charger currently marked connected,
// used by the Liveness Monitor's heartbeat-timeout pass.
func (s *Store) ListConnectedChargers(ctx context.Context) ([]*Charger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT charger_id, vendor, model, serial, firmware, is_connected, connection_time, disconnect_time,
		       last_heartbeat, status, max_retries, retry_interval_s, retry_enabled, created_at, updated_at
		FROM chargers WHERE is_connected = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Charger
	for rows.Next() {
		c, err := scanCharger(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertConnector writes a connector's status/error/meter fields.
func (s *Store) UpsertConnector(ctx context.Context, c *Connector) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO connectors (charger_id, connector_id, status, error_code, energy_delivered_kwh, power_delivered_kw, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(charger_id, connector_id) DO UPDATE SET
				status = excluded.status,
				error_code = excluded.error_code,
				energy_delivered_kwh = excluded.energy_delivered_kwh,
				power_delivered_kw = excluded.power_delivered_kw,
				updated_at = excluded.updated_at
		`, c.ChargerID, c.ConnectorID, c.Status, c.ErrorCode, c.EnergyDeliveredKWh, c.PowerDeliveredKW, now)
		return err
	})
}

// GetConnector fetches a single connector row.
func (s *Store) GetConnector(ctx context.Context, chargerID string, connectorID int) (*Connector, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT charger_id, connector_id, status, error_code, energy_delivered_kwh, power_delivered_kw, updated_at
		FROM connectors WHERE charger_id = ? AND connector_id = ?`, chargerID, connectorID)
	var c Connector
	var updatedAt string
	if err := row.Scan(&c.ChargerID, &c.ConnectorID, &c.Status, &c.ErrorCode, &c.EnergyDeliveredKWh, &c.PowerDeliveredKW, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConnectors returns every connector for a charger.
func (s *Store) ListConnectors(ctx context.Context, chargerID string) ([]*Connector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT charger_id, connector_id, status, error_code, energy_delivered_kwh, power_delivered_kw, updated_at
		FROM connectors WHERE charger_id = ? ORDER BY connector_id`, chargerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Connector
	for rows.Next() {
		var c Connector
		var updatedAt string
		if err := rows.Scan(&c.ChargerID, &c.ConnectorID, &c.Status, &c.ErrorCode, &c.EnergyDeliveredKWh, &c.PowerDeliveredKW, &updatedAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CreateSession inserts a new Active session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_id, charger_id, connector_id, transaction_id, id_tag, start_time, meter_start, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, sess.SessionID, sess.ChargerID, sess.ConnectorID, sess.TransactionID, sess.IDTag,
			sess.StartTime.UTC().Format(time.RFC3339), sess.MeterStart, SessionStatusActive)
		return err
	})
}

// GetActiveSession returns the current Active session for a charger, if any.
func (s *Store) GetActiveSession(ctx context.Context, chargerID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, charger_id, connector_id, transaction_id, id_tag, start_time, stop_time, meter_start,
		       meter_stop, energy_delivered_kwh, cost, status, stop_reason
		FROM sessions WHERE charger_id = ? AND status = ? ORDER BY start_time DESC LIMIT 1`, chargerID, SessionStatusActive)
	return scanSession(row.Scan)
}

// GetSessionByTransaction finds a session by its per-charger transaction id.
func (s *Store) GetSessionByTransaction(ctx context.Context, chargerID string, transactionID int) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, charger_id, connector_id, transaction_id, id_tag, start_time, stop_time, meter_start,
		       meter_stop, energy_delivered_kwh, cost, status, stop_reason
		FROM sessions WHERE charger_id = ? AND transaction_id = ?`, chargerID, transactionID)
	return scanSession(row.Scan)
}

func scanSession(scan func(dest ...interface{}) error) (*Session, error) {
	var sess Session
	var startTime string
	var stopTime, meterStop sql.NullString
	if err := scan(&sess.SessionID, &sess.ChargerID, &sess.ConnectorID, &sess.TransactionID, &sess.IDTag, &startTime,
		&stopTime, &sess.MeterStart, &meterStop, &sess.EnergyDeliveredKWh, &sess.Cost, &sess.Status, &sess.StopReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if sess.StartTime, err = time.Parse(time.RFC3339, startTime); err != nil {
		return nil, err
	}
	if stopTime.Valid && stopTime.String != "" {
		t, err := time.Parse(time.RFC3339, stopTime.String)
		if err != nil {
			return nil, err
		}
		sess.StopTime = &t
	}
	if meterStop.Valid && meterStop.String != "" {
		v, err := strconv.Atoi(meterStop.String)
		if err != nil {
			return nil, err
		}
		sess.MeterStop = &v
	}
	return &sess, nil
}

// CloseSession finalizes a session: stop time, meter_stop, computed energy and
// cost, and terminal status (Completed/Stopped/Faulted).
func (s *Store) CloseSession(ctx context.Context, sessionID string, stopTime time.Time, meterStop int, energyKWh, cost float64, status, reason string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET stop_time = ?, meter_stop = ?, energy_delivered_kwh = ?, cost = ?, status = ?, stop_reason = ?
			WHERE session_id = ?
		`, stopTime.UTC().Format(time.RFC3339), meterStop, energyKWh, cost, status, reason, sessionID)
		return err
	})
}

// FaultDanglingActiveSessions closes out any Active session for a charger as
// Faulted, used when a new StartTransaction arrives while one is still open.
func (s *Store) FaultDanglingActiveSessions(ctx context.Context, chargerID string, at time.Time) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET status = ?, stop_time = ?, stop_reason = 'Other'
			WHERE charger_id = ? AND status = ?
		`, SessionStatusFaulted, at.UTC().Format(time.RFC3339), chargerID, SessionStatusActive)
		return err
	})
}

// AppendMessageLog writes an append-only audit row. Per the spec, this must
// never block a handler's hot path beyond one retry: on repeated failure it
// drops the row and increments a warning counter instead of propagating.
func (s *Store) AppendMessageLog(ctx context.Context, l *MessageLog) {
	insert := func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO message_logs (timestamp, charger_id, direction, action, message_id, status, processing_time_ms, request_json, response_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, l.Timestamp.UTC().Format(time.RFC3339), l.ChargerID, l.Direction, l.Action, l.MessageID, l.Status,
			l.ProcessingTimeMs, l.RequestJSON, l.ResponseJSON)
		return err
	}
	err := insert()
	if IsTransient(err) {
		err = insert()
	}
	if err != nil {
		atomic.AddInt64(&s.droppedLogWrites, 1)
	}
}

// AppendConnectionEvent writes an append-only connection lifecycle row, with
// the same drop-on-failure policy as AppendMessageLog.
func (s *Store) AppendConnectionEvent(ctx context.Context, e *ConnectionEvent) {
	insert := func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO connection_events (timestamp, charger_id, event_type, connection_id, remote_address, subprotocol, reason, session_duration_s)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.Timestamp.UTC().Format(time.RFC3339), e.ChargerID, e.EventType, e.ConnectionID, e.RemoteAddress,
			e.Subprotocol, e.Reason, e.SessionDurationS)
		return err
	}
	err := insert()
	if IsTransient(err) {
		err = insert()
	}
	if err != nil {
		atomic.AddInt64(&s.droppedLogWrites, 1)
	}
}

// ListConnectionEvents returns the most recent connection events, newest
// first, optionally filtered by charger.
func (s *Store) ListConnectionEvents(ctx context.Context, chargerID string, limit int) ([]*ConnectionEvent, error) {
	query := `SELECT timestamp, charger_id, event_type, connection_id, remote_address, subprotocol, reason, session_duration_s FROM connection_events`
	args := []interface{}{}
	if chargerID != "" {
		query += ` WHERE charger_id = ?`
		args = append(args, chargerID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ConnectionEvent
	for rows.Next() {
		var e ConnectionEvent
		var ts string
		if err := rows.Scan(&ts, &e.ChargerID, &e.EventType, &e.ConnectionID, &e.RemoteAddress, &e.Subprotocol, &e.Reason, &e.SessionDurationS); err != nil {
			return nil, err
		}
		if e.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// LatestConnectionEvent returns the most recent event for a charger, or
// ErrNotFound if it has none.
func (s *Store) LatestConnectionEvent(ctx context.Context, chargerID string) (*ConnectionEvent, error) {
	events, err := s.ListConnectionEvents(ctx, chargerID, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[0], nil
}

// GetRFIDCard looks up an id-tag known to the Admin Facade.
func (s *Store) GetRFIDCard(ctx context.Context, idTag string) (*RFIDCard, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id_tag, status, expiry_date, parent_id_tag FROM rfid_cards WHERE id_tag = ?`, idTag)
	var c RFIDCard
	var expiry, parent sql.NullString
	if err := row.Scan(&c.IDTag, &c.Status, &expiry, &parent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if c.ExpiryDate, err = parseNullableTime(expiry); err != nil {
		return nil, err
	}
	if parent.Valid {
		c.ParentIDTag = &parent.String
	}
	return &c, nil
}

// UpsertRFIDCard creates or updates an RFID card record.
func (s *Store) UpsertRFIDCard(ctx context.Context, c *RFIDCard) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO rfid_cards (id_tag, status, expiry_date, parent_id_tag) VALUES (?, ?, ?, ?)
			ON CONFLICT(id_tag) DO UPDATE SET status = excluded.status, expiry_date = excluded.expiry_date, parent_id_tag = excluded.parent_id_tag
		`, c.IDTag, c.Status, nullableTime(c.ExpiryDate), c.ParentIDTag)
		return err
	})
}

// ListRFIDCards returns every known card.
func (s *Store) ListRFIDCards(ctx context.Context) ([]*RFIDCard, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id_tag, status, expiry_date, parent_id_tag FROM rfid_cards`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*RFIDCard
	for rows.Next() {
		var c RFIDCard
		var expiry, parent sql.NullString
		if err := rows.Scan(&c.IDTag, &c.Status, &expiry, &parent); err != nil {
			return nil, err
		}
		if c.ExpiryDate, err = parseNullableTime(expiry); err != nil {
			return nil, err
		}
		if parent.Valid {
			c.ParentIDTag = &parent.String
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CreateUser inserts an operator account.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash, role string) (*User, error) {
	now := time.Now().UTC()
	var id int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO users (username, password_hash, role, created_at) VALUES (?, ?, ?, ?)`,
			username, passwordHash, role, now.Format(time.RFC3339))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Username: username, PasswordHash: passwordHash, Role: role, CreatedAt: now}, nil
}

// GetUserByUsername looks up an operator account by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`, username)
	var u User
	var createdAt string
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if u.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetSystemConfig reads a single SystemConfig value.
func (s *Store) GetSystemConfig(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// GetSystemConfigFloat reads a SystemConfig value as a float64, e.g. the
// energy rate constant.
func (s *Store) GetSystemConfigFloat(ctx context.Context, key string, fallback float64) float64 {
	v, err := s.GetSystemConfig(ctx, key)
	if err != nil {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// GetSystemConfigInt reads a SystemConfig value as an int.
func (s *Store) GetSystemConfigInt(ctx context.Context, key string, fallback int) int {
	v, err := s.GetSystemConfig(ctx, key)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// SetSystemConfig creates or updates a SystemConfig value.
func (s *Store) SetSystemConfig(ctx context.Context, key, value string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO system_config (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value)
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orStatus(v string) string {
	if v == "" {
		return "Unknown"
	}
	return v
}
