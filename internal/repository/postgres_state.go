package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatbridge/internal/interfaces"
)

// PostgresStateStore keeps processed ids and AI cooldowns in Postgres so several
// bridge replicas share them. Both check-and-set operations are single
// conditional upserts.
type PostgresStateStore struct {
	db        *pgxpool.Pool
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
}

var _ interfaces.StateStore = (*PostgresStateStore)(nil)

// NewPostgresStateStore remembers processed ids for ttl; a non-positive ttl keeps
// them forever. Cooldown rows outlive the longest window, cooldown.
func NewPostgresStateStore(db *pgxpool.Pool, ttl, cooldown time.Duration) *PostgresStateStore {
	return &PostgresStateStore{db: db, ttl: ttl, retention: max(time.Hour, cooldown), now: time.Now}
}

func (r *PostgresStateStore) Claim(ctx context.Context, key string) (bool, error) {
	now := r.now()
	tag, err := r.db.Exec(ctx, `
		INSERT INTO processed_messages (key, processed_at) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET processed_at = EXCLUDED.processed_at
		WHERE processed_messages.processed_at < $3
	`, key, now, claimCutoff(now, r.ttl))
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresStateStore) Release(ctx context.Context, key string) error {
	if _, err := r.db.Exec(ctx, "DELETE FROM processed_messages WHERE key = $1", key); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (r *PostgresStateStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	var at time.Time
	err := r.db.QueryRow(ctx, "SELECT processed_at FROM processed_messages WHERE key = $1", key).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup processed %s: %w", key, err)
	}
	return !at.Before(claimCutoff(r.now(), r.ttl)), nil
}

func (r *PostgresStateStore) TryAcquire(ctx context.Context, key string, window time.Duration, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO ai_cooldowns (key, last_response_at) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET last_response_at = EXCLUDED.last_response_at
		WHERE ai_cooldowns.last_response_at <= $3
	`, key, now, now.Add(-window))
	if err != nil {
		return false, fmt.Errorf("acquire cooldown %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresStateStore) ReleaseCooldown(ctx context.Context, key string, acquiredAt time.Time) error {
	_, err := r.db.Exec(ctx, "DELETE FROM ai_cooldowns WHERE key = $1 AND last_response_at = $2", key, acquiredAt)
	if err != nil {
		return fmt.Errorf("release cooldown %s: %w", key, err)
	}
	return nil
}

func (r *PostgresStateStore) LastResponse(ctx context.Context, key string) (time.Time, bool, error) {
	var at time.Time
	err := r.db.QueryRow(ctx, "SELECT last_response_at FROM ai_cooldowns WHERE key = $1", key).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("lookup cooldown %s: %w", key, err)
	}
	return at, true, nil
}

func (r *PostgresStateStore) Record(ctx context.Context, key string, now time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ai_cooldowns (key, last_response_at) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET last_response_at = EXCLUDED.last_response_at
	`, key, now)
	if err != nil {
		return fmt.Errorf("record cooldown %s: %w", key, err)
	}
	return nil
}

// Prune deletes expired processed ids and stale cooldown rows.
func (r *PostgresStateStore) Prune(ctx context.Context) (int64, error) {
	now := r.now()
	var removed int64
	if r.ttl > 0 {
		tag, err := r.db.Exec(ctx, "DELETE FROM processed_messages WHERE processed_at < $1", now.Add(-r.ttl))
		if err != nil {
			return 0, fmt.Errorf("prune processed messages: %w", err)
		}
		removed += tag.RowsAffected()
	}
	tag, err := r.db.Exec(ctx, "DELETE FROM ai_cooldowns WHERE last_response_at < $1", now.Add(-r.retention))
	if err != nil {
		return removed, fmt.Errorf("prune cooldowns: %w", err)
	}
	return removed + tag.RowsAffected(), nil
}

// claimCutoff is the oldest processed_at that still counts as processed.
func claimCutoff(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(-ttl)
}
