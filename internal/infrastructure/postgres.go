package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	Pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, connString string) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Pool configuration
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresClient{Pool: pool}, nil
}

// Migrate creates the bridge tables when they are missing.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	_, err := p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversations (
			id VARCHAR(255) PRIMARY KEY,
			platform VARCHAR(20) NOT NULL,
			chat_type VARCHAR(20) NOT NULL,
			chat_id VARCHAR(128) NOT NULL,
			username VARCHAR(255) NOT NULL DEFAULT '',
			first_name VARCHAR(255) NOT NULL DEFAULT '',
			last_name VARCHAR(255) NOT NULL DEFAULT '',
			language_code VARCHAR(16) NOT NULL DEFAULT '',
			is_bot BOOLEAN NOT NULL DEFAULT FALSE,
			group_title VARCHAR(255) NOT NULL DEFAULT '',
			group_member_count INT NOT NULL DEFAULT 0,
			group_is_verified BOOLEAN NOT NULL DEFAULT FALSE,
			group_is_restricted BOOLEAN NOT NULL DEFAULT FALSE,
			chatwoot_id BIGINT NOT NULL DEFAULT 0,
			chatwoot_inbox_id BIGINT NOT NULL DEFAULT 0,
			dify_id VARCHAR(128) NOT NULL DEFAULT '',
			participants JSONB NOT NULL DEFAULT '[]',
			platform_metadata JSONB NOT NULL DEFAULT '{}',
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_message_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (platform, chat_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("create conversations table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_conversations_chatwoot ON conversations (chatwoot_id) WHERE chatwoot_id <> 0;",
		"CREATE INDEX IF NOT EXISTS idx_conversations_dify ON conversations (dify_id) WHERE dify_id <> '';",
	}
	for _, ddl := range indexes {
		if _, err := p.Pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create conversation index: %w", err)
		}
	}

	_, err = p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bridge_mappings (
			id VARCHAR(64) PRIMARY KEY,
			telegram_bot_id VARCHAR(64) NOT NULL,
			chatwoot_account_id VARCHAR(64) NOT NULL DEFAULT '',
			chatwoot_inbox_id VARCHAR(64) NOT NULL DEFAULT '',
			dify_app_id VARCHAR(128) NOT NULL DEFAULT '',
			source_to_desk BOOLEAN NOT NULL DEFAULT TRUE,
			source_to_ai BOOLEAN NOT NULL DEFAULT FALSE,
			desk_to_source BOOLEAN NOT NULL DEFAULT TRUE,
			ai_to_desk BOOLEAN NOT NULL DEFAULT FALSE,
			ai_to_source BOOLEAN NOT NULL DEFAULT FALSE,
			auto_connect_desk BOOLEAN NOT NULL DEFAULT TRUE,
			auto_connect_ai BOOLEAN NOT NULL DEFAULT TRUE,
			is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("create bridge_mappings table: %w", err)
	}
	if _, err := p.Pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_bridge_mappings_bot ON bridge_mappings (telegram_bot_id);"); err != nil {
		return fmt.Errorf("create bridge_mappings index: %w", err)
	}

	// Dedup and cooldown state, used when STATE_BACKEND=postgres
	_, err = p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS processed_messages (
			key VARCHAR(255) PRIMARY KEY,
			processed_at TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create processed_messages table: %w", err)
	}

	_, err = p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ai_cooldowns (
			key VARCHAR(255) PRIMARY KEY,
			last_response_at TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create ai_cooldowns table: %w", err)
	}

	_, err = p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS routing_usage (
			date DATE NOT NULL,
			platform VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			messages INT NOT NULL DEFAULT 0,
			deliveries INT NOT NULL DEFAULT 0,
			ai_replies INT NOT NULL DEFAULT 0,
			PRIMARY KEY (date, platform, status)
		);
	`)
	if err != nil {
		return fmt.Errorf("create routing_usage table: %w", err)
	}

	return nil
}

func (p *PostgresClient) Close() {
	p.Pool.Close()
}
