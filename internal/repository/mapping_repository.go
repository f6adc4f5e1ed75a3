package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatbridge/internal/entities"
	"chatbridge/internal/interfaces"
)

// MappingRepository reads the bridge mappings maintained by the admin panel.
type MappingRepository struct {
	db *pgxpool.Pool
}

var _ interfaces.MappingSource = (*MappingRepository)(nil)

func NewMappingRepository(db *pgxpool.Pool) *MappingRepository {
	return &MappingRepository{db: db}
}

// FindByBotID returns every mapping for the bot, enabled or not.
func (r *MappingRepository) FindByBotID(ctx context.Context, botID string) ([]entities.Mapping, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, telegram_bot_id, chatwoot_account_id, chatwoot_inbox_id, dify_app_id,
			source_to_desk, source_to_ai, desk_to_source, ai_to_desk, ai_to_source,
			auto_connect_desk, auto_connect_ai, is_enabled
		FROM bridge_mappings
		WHERE telegram_bot_id = $1
		ORDER BY id
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	mappings := []entities.Mapping{}
	for rows.Next() {
		var m entities.Mapping
		if err := rows.Scan(
			&m.ID, &m.TelegramBotID, &m.ChatwootAccountID, &m.ChatwootInboxID, &m.DifyAppID,
			&m.Routing.SourceToDesk, &m.Routing.SourceToAI, &m.Routing.DeskToSource,
			&m.Routing.AIToDesk, &m.Routing.AIToSource,
			&m.AutoConnect.Desk, &m.AutoConnect.AI, &m.Enabled,
		); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// Upsert writes a mapping; used by the migrate command's seed file and tests.
func (r *MappingRepository) Upsert(ctx context.Context, m entities.Mapping) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO bridge_mappings (id, telegram_bot_id, chatwoot_account_id, chatwoot_inbox_id, dify_app_id,
			source_to_desk, source_to_ai, desk_to_source, ai_to_desk, ai_to_source,
			auto_connect_desk, auto_connect_ai, is_enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (id) DO UPDATE SET
			telegram_bot_id = EXCLUDED.telegram_bot_id,
			chatwoot_account_id = EXCLUDED.chatwoot_account_id,
			chatwoot_inbox_id = EXCLUDED.chatwoot_inbox_id,
			dify_app_id = EXCLUDED.dify_app_id,
			source_to_desk = EXCLUDED.source_to_desk,
			source_to_ai = EXCLUDED.source_to_ai,
			desk_to_source = EXCLUDED.desk_to_source,
			ai_to_desk = EXCLUDED.ai_to_desk,
			ai_to_source = EXCLUDED.ai_to_source,
			auto_connect_desk = EXCLUDED.auto_connect_desk,
			auto_connect_ai = EXCLUDED.auto_connect_ai,
			is_enabled = EXCLUDED.is_enabled,
			updated_at = NOW()
	`,
		m.ID, m.TelegramBotID, m.ChatwootAccountID, m.ChatwootInboxID, m.DifyAppID,
		m.Routing.SourceToDesk, m.Routing.SourceToAI, m.Routing.DeskToSource, m.Routing.AIToDesk, m.Routing.AIToSource,
		m.AutoConnect.Desk, m.AutoConnect.AI, m.Enabled,
	)
	if err != nil {
		return fmt.Errorf("upsert mapping %s: %w", m.ID, err)
	}
	return nil
}
