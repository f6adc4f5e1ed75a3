package infrastructure

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// OpenSQLite opens the embedded database used when STATE_BACKEND or
// CONVERSATION_BACKEND is sqlite.
// Pass ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps writes serialized and :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := MigrateSQLite(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processed_messages (
			key TEXT PRIMARY KEY,
			processed_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ai_cooldowns (
			key TEXT PRIMARY KEY,
			last_response_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			chat_type TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			language_code TEXT NOT NULL DEFAULT '',
			is_bot INTEGER NOT NULL DEFAULT 0,
			group_title TEXT NOT NULL DEFAULT '',
			group_member_count INTEGER NOT NULL DEFAULT 0,
			group_is_verified INTEGER NOT NULL DEFAULT 0,
			group_is_restricted INTEGER NOT NULL DEFAULT 0,
			chatwoot_id INTEGER NOT NULL DEFAULT 0,
			chatwoot_inbox_id INTEGER NOT NULL DEFAULT 0,
			dify_id TEXT NOT NULL DEFAULT '',
			participants TEXT NOT NULL DEFAULT '[]',
			platform_metadata TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'active',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_message_at INTEGER NOT NULL,
			UNIQUE (platform, chat_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_chatwoot ON conversations (chatwoot_id) WHERE chatwoot_id <> 0`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_dify ON conversations (dify_id) WHERE dify_id <> ''`,
	}
	for _, ddl := range stmts {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}
