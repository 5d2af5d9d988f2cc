package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	metaClientID    = "client_id"
	metaClockOffset = "clock_offset_ns"
)

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read meta %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// ClientID returns the stable local client id, empty when not yet assigned.
func (s *Store) ClientID(ctx context.Context) (string, error) {
	id, _, err := s.getMeta(ctx, metaClientID)
	return id, err
}

// SetClientID persists the local client id.
func (s *Store) SetClientID(ctx context.Context, id string) error {
	return s.setMeta(ctx, metaClientID, id)
}

// ClockOffset returns the last persisted server clock offset.
func (s *Store) ClockOffset(ctx context.Context) (time.Duration, error) {
	v, ok, err := s.getMeta(ctx, metaClockOffset)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse clock offset: %w", err)
	}
	return time.Duration(n), nil
}

// SetClockOffset persists the server clock offset so skew correction
// survives restarts.
func (s *Store) SetClockOffset(ctx context.Context, d time.Duration) error {
	return s.setMeta(ctx, metaClockOffset, strconv.FormatInt(int64(d), 10))
}

// TouchClient records that a writer was seen at the given time. Older
// sightings never move last_seen backwards.
func (s *Store) TouchClient(ctx context.Context, clientID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_activity (client_id, last_seen) VALUES (?, ?)
		ON CONFLICT(client_id) DO UPDATE SET last_seen = max(last_seen, excluded.last_seen)
	`, clientID, formatTime(at))
	if err != nil {
		return fmt.Errorf("touch client %s: %w", clientID, err)
	}
	return nil
}

// ClientActivity returns the last-seen time of every known writer.
func (s *Store) ClientActivity(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT client_id, last_seen FROM client_activity`)
	if err != nil {
		return nil, fmt.Errorf("client activity: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id, seen string
		if err := rows.Scan(&id, &seen); err != nil {
			return nil, fmt.Errorf("scan client activity: %w", err)
		}
		t, err := parseTime(seen)
		if err != nil {
			return nil, err
		}
		out[id] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client activity: %w", err)
	}
	return out, nil
}
