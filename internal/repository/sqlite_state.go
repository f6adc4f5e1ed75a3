package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatbridge/internal/interfaces"
)

// SQLiteStateStore is the single-node state backend. Timestamps are stored
// as unix nanoseconds.
type SQLiteStateStore struct {
	db        *sql.DB
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
}

var _ interfaces.StateStore = (*SQLiteStateStore)(nil)

func NewSQLiteStateStore(db *sql.DB, ttl, cooldown time.Duration) *SQLiteStateStore {
	return &SQLiteStateStore{db: db, ttl: ttl, retention: max(time.Hour, cooldown), now: time.Now}
}

func (s *SQLiteStateStore) Claim(ctx context.Context, key string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_messages (key, processed_at) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET processed_at = excluded.processed_at
		WHERE processed_messages.processed_at < ?
	`, key, now.UnixNano(), sqliteCutoff(now, s.ttl))
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLiteStateStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM processed_messages WHERE key = ?", key); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStateStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, "SELECT processed_at FROM processed_messages WHERE key = ?", key).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup processed %s: %w", key, err)
	}
	return at >= sqliteCutoff(s.now(), s.ttl), nil
}

func (s *SQLiteStateStore) TryAcquire(ctx context.Context, key string, window time.Duration, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_cooldowns (key, last_response_at) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET last_response_at = excluded.last_response_at
		WHERE ai_cooldowns.last_response_at <= ?
	`, key, now.UnixNano(), now.Add(-window).UnixNano())
	if err != nil {
		return false, fmt.Errorf("acquire cooldown %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire cooldown %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLiteStateStore) ReleaseCooldown(ctx context.Context, key string, acquiredAt time.Time) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM ai_cooldowns WHERE key = ? AND last_response_at = ?", key, acquiredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("release cooldown %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStateStore) LastResponse(ctx context.Context, key string) (time.Time, bool, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, "SELECT last_response_at FROM ai_cooldowns WHERE key = ?", key).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("lookup cooldown %s: %w", key, err)
	}
	return time.Unix(0, at), true, nil
}

func (s *SQLiteStateStore) Record(ctx context.Context, key string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_cooldowns (key, last_response_at) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET last_response_at = excluded.last_response_at
	`, key, now.UnixNano())
	if err != nil {
		return fmt.Errorf("record cooldown %s: %w", key, err)
	}
	return nil
}

// Prune deletes expired processed ids and stale cooldown rows.
func (s *SQLiteStateStore) Prune(ctx context.Context) (int64, error) {
	now := s.now()
	var removed int64
	if s.ttl > 0 {
		res, err := s.db.ExecContext(ctx, "DELETE FROM processed_messages WHERE processed_at < ?", now.Add(-s.ttl).UnixNano())
		if err != nil {
			return 0, fmt.Errorf("prune processed messages: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM ai_cooldowns WHERE last_response_at < ?", now.Add(-s.retention).UnixNano())
	if err != nil {
		return removed, fmt.Errorf("prune cooldowns: %w", err)
	}
	n, _ := res.RowsAffected()
	return removed + n, nil
}

func sqliteCutoff(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(-ttl).UnixNano()
}
