package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatbridge/internal/entities"
	"chatbridge/internal/interfaces"
)

// SQLiteConversationRepository stores bridge records in the embedded
// database for single-node deployments. Timestamps are unix nanoseconds.
type SQLiteConversationRepository struct {
	db *sql.DB
}

var _ interfaces.ConversationStore = (*SQLiteConversationRepository)(nil)

func NewSQLiteConversationRepository(db *sql.DB) *SQLiteConversationRepository {
	return &SQLiteConversationRepository{db: db}
}

func (r *SQLiteConversationRepository) FindByPlatformChatID(ctx context.Context, platform entities.Platform, chatID string) (*entities.Conversation, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE platform = ? AND chat_id = ?",
		string(platform), chatID)
	return scanSQLiteConversation(row)
}

func (r *SQLiteConversationRepository) FindByChatwootID(ctx context.Context, chatwootID int64) (*entities.Conversation, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE chatwoot_id = ? ORDER BY updated_at DESC LIMIT 1",
		chatwootID)
	return scanSQLiteConversation(row)
}

func (r *SQLiteConversationRepository) FindByDifyID(ctx context.Context, difyID string) (*entities.Conversation, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE dify_id = ? ORDER BY updated_at DESC LIMIT 1",
		difyID)
	return scanSQLiteConversation(row)
}

func (r *SQLiteConversationRepository) Save(ctx context.Context, conv *entities.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	participants, metadata, err := encodeConversationJSON(conv)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		conv.ID, string(conv.Platform), string(conv.ChatType), conv.ChatID,
		conv.Username, conv.FirstName, conv.LastName, conv.LanguageCode, conv.IsBot,
		conv.GroupTitle, conv.GroupMemberCount, conv.GroupIsVerified, conv.GroupIsRestricted,
		conv.ChatwootID, conv.ChatwootInboxID, conv.DifyID,
		participants, metadata, string(conv.Status), conv.IsActive,
		conv.CreatedAt.UnixNano(), conv.UpdatedAt.UnixNano(), conv.LastMessageAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", conv.ID, entities.ErrConflict)
	}
	return nil
}

func (r *SQLiteConversationRepository) Update(ctx context.Context, conv *entities.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	participants, metadata, err := encodeConversationJSON(conv)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET
			chat_type = ?, username = ?, first_name = ?, last_name = ?, language_code = ?,
			is_bot = ?, group_title = ?, group_member_count = ?, group_is_verified = ?,
			group_is_restricted = ?, chatwoot_id = ?, chatwoot_inbox_id = ?, dify_id = ?,
			participants = ?, platform_metadata = ?, status = ?, is_active = ?,
			updated_at = ?, last_message_at = ?
		WHERE id = ? AND platform = ? AND chat_id = ?
	`,
		string(conv.ChatType), conv.Username, conv.FirstName, conv.LastName, conv.LanguageCode,
		conv.IsBot, conv.GroupTitle, conv.GroupMemberCount, conv.GroupIsVerified,
		conv.GroupIsRestricted, conv.ChatwootID, conv.ChatwootInboxID, conv.DifyID,
		participants, metadata, string(conv.Status), conv.IsActive,
		conv.UpdatedAt.UnixNano(), conv.LastMessageAt.UnixNano(),
		conv.ID, string(conv.Platform), conv.ChatID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n == 0 {
		return &entities.NotFoundError{Kind: "conversation", ID: conv.ID}
	}
	return nil
}

func scanSQLiteConversation(row *sql.Row) (*entities.Conversation, error) {
	var (
		c                                 entities.Conversation
		platform, chatType, status        string
		participants, metadata            string
		createdAt, updatedAt, lastMessage int64
	)
	err := row.Scan(
		&c.ID, &platform, &chatType, &c.ChatID, &c.Username, &c.FirstName, &c.LastName,
		&c.LanguageCode, &c.IsBot, &c.GroupTitle, &c.GroupMemberCount, &c.GroupIsVerified, &c.GroupIsRestricted,
		&c.ChatwootID, &c.ChatwootInboxID, &c.DifyID, &participants, &metadata, &status, &c.IsActive,
		&createdAt, &updatedAt, &lastMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	c.Platform = entities.Platform(platform)
	c.ChatType = entities.ChatType(chatType)
	c.Status = entities.ConversationStatus(status)
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	c.UpdatedAt = time.Unix(0, updatedAt).UTC()
	c.LastMessageAt = time.Unix(0, lastMessage).UTC()
	if err := decodeConversationJSON(&c, []byte(participants), []byte(metadata)); err != nil {
		return nil, err
	}
	return &c, nil
}
