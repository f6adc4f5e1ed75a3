package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatbridge/internal/entities"
	"chatbridge/internal/interfaces"
)

// UsageRepository keeps per-day routing counters.
type UsageRepository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

var _ interfaces.UsageRecorder = (*UsageRepository)(nil)

type DailyUsage struct {
	Date       time.Time              `json:"date"`
	Platform   entities.Platform      `json:"platform"`
	Status     entities.RoutingStatus `json:"status"`
	Messages   int                    `json:"messages"`
	Deliveries int                    `json:"deliveries"`
	AIReplies  int                    `json:"aiReplies"`
}

func NewUsageRepository(db *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{db: db, now: time.Now}
}

// RecordRouting adds one routed message to today's counters
func (r *UsageRepository) RecordRouting(ctx context.Context, platform entities.Platform, res *entities.RoutingResult) error {
	today := r.now().UTC().Format("2006-01-02")
	aiReplies := 0
	if res.AIReply != "" {
		aiReplies = 1
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO routing_usage (date, platform, status, messages, deliveries, ai_replies)
		VALUES ($1, $2, $3, 1, $4, $5)
		ON CONFLICT (date, platform, status)
		DO UPDATE SET messages = routing_usage.messages + 1,
			deliveries = routing_usage.deliveries + EXCLUDED.deliveries,
			ai_replies = routing_usage.ai_replies + EXCLUDED.ai_replies
	`, today, string(platform), string(res.Status), len(res.Deliveries), aiReplies)
	if err != nil {
		return fmt.Errorf("record routing usage: %w", err)
	}
	return nil
}

// GetUsageHistory returns the counters for the last N days, oldest first
func (r *UsageRepository) GetUsageHistory(ctx context.Context, days int) ([]DailyUsage, error) {
	startDate := r.now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	rows, err := r.db.Query(ctx, `
		SELECT date, platform, status, messages, deliveries, ai_replies
		FROM routing_usage
		WHERE date >= $1
		ORDER BY date ASC, platform, status
	`, startDate)
	if err != nil {
		return nil, fmt.Errorf("query routing usage: %w", err)
	}
	defer rows.Close()

	usage := []DailyUsage{}
	for rows.Next() {
		var u DailyUsage
		var platform, status string
		if err := rows.Scan(&u.Date, &platform, &status, &u.Messages, &u.Deliveries, &u.AIReplies); err != nil {
			return nil, err
		}
		u.Platform = entities.Platform(platform)
		u.Status = entities.RoutingStatus(status)
		usage = append(usage, u)
	}
	return usage, rows.Err()
}
