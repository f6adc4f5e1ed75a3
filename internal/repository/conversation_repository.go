package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatbridge/internal/entities"
	"chatbridge/internal/interfaces"
)

type ConversationRepository struct {
	db *pgxpool.Pool
}

var _ interfaces.ConversationStore = (*ConversationRepository)(nil)

func NewConversationRepository(db *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{db: db}
}

const conversationColumns = `id, platform, chat_type, chat_id, username, first_name, last_name,
	language_code, is_bot, group_title, group_member_count, group_is_verified, group_is_restricted,
	chatwoot_id, chatwoot_inbox_id, dify_id, participants, platform_metadata, status, is_active,
	created_at, updated_at, last_message_at`

func (r *ConversationRepository) FindByPlatformChatID(ctx context.Context, platform entities.Platform, chatID string) (*entities.Conversation, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE platform = $1 AND chat_id = $2",
		string(platform), chatID)
	return scanConversation(row)
}

// FindByChatwootID returns the most recently updated conversation bridged to
// the given desk conversation.
func (r *ConversationRepository) FindByChatwootID(ctx context.Context, chatwootID int64) (*entities.Conversation, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE chatwoot_id = $1 ORDER BY updated_at DESC LIMIT 1",
		chatwootID)
	return scanConversation(row)
}

func (r *ConversationRepository) FindByDifyID(ctx context.Context, difyID string) (*entities.Conversation, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE dify_id = $1 ORDER BY updated_at DESC LIMIT 1",
		difyID)
	return scanConversation(row)
}

func (r *ConversationRepository) Save(ctx context.Context, conv *entities.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	participants, metadata, err := encodeConversationJSON(conv)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT DO NOTHING
	`,
		conv.ID, string(conv.Platform), string(conv.ChatType), conv.ChatID,
		conv.Username, conv.FirstName, conv.LastName, conv.LanguageCode, conv.IsBot,
		conv.GroupTitle, conv.GroupMemberCount, conv.GroupIsVerified, conv.GroupIsRestricted,
		conv.ChatwootID, conv.ChatwootInboxID, conv.DifyID,
		participants, metadata, string(conv.Status), conv.IsActive,
		conv.CreatedAt, conv.UpdatedAt, conv.LastMessageAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", conv.ID, entities.ErrConflict)
	}
	return nil
}

func (r *ConversationRepository) Update(ctx context.Context, conv *entities.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	participants, metadata, err := encodeConversationJSON(conv)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE conversations SET
			chat_type = $2, username = $3, first_name = $4, last_name = $5, language_code = $6,
			is_bot = $7, group_title = $8, group_member_count = $9, group_is_verified = $10,
			group_is_restricted = $11, chatwoot_id = $12, chatwoot_inbox_id = $13, dify_id = $14,
			participants = $15, platform_metadata = $16, status = $17, is_active = $18,
			updated_at = $19, last_message_at = $20
		WHERE id = $1 AND platform = $21 AND chat_id = $22
	`,
		conv.ID, string(conv.ChatType), conv.Username, conv.FirstName, conv.LastName, conv.LanguageCode,
		conv.IsBot, conv.GroupTitle, conv.GroupMemberCount, conv.GroupIsVerified,
		conv.GroupIsRestricted, conv.ChatwootID, conv.ChatwootInboxID, conv.DifyID,
		participants, metadata, string(conv.Status), conv.IsActive,
		conv.UpdatedAt, conv.LastMessageAt, string(conv.Platform), conv.ChatID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &entities.NotFoundError{Kind: "conversation", ID: conv.ID}
	}
	return nil
}

func encodeConversationJSON(conv *entities.Conversation) (string, string, error) {
	participants := conv.Participants
	if participants == nil {
		participants = []entities.Participant{}
	}
	p, err := json.Marshal(participants)
	if err != nil {
		return "", "", fmt.Errorf("encode participants: %w", err)
	}
	metadata := conv.PlatformMetadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	m, err := json.Marshal(metadata)
	if err != nil {
		return "", "", fmt.Errorf("encode platform metadata: %w", err)
	}
	return string(p), string(m), nil
}

func scanConversation(row pgx.Row) (*entities.Conversation, error) {
	var (
		c                      entities.Conversation
		platform, chatType     string
		status                 string
		participants, metadata []byte
	)
	err := row.Scan(
		&c.ID, &platform, &chatType, &c.ChatID, &c.Username, &c.FirstName, &c.LastName,
		&c.LanguageCode, &c.IsBot, &c.GroupTitle, &c.GroupMemberCount, &c.GroupIsVerified, &c.GroupIsRestricted,
		&c.ChatwootID, &c.ChatwootInboxID, &c.DifyID, &participants, &metadata, &status, &c.IsActive,
		&c.CreatedAt, &c.UpdatedAt, &c.LastMessageAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	c.Platform = entities.Platform(platform)
	c.ChatType = entities.ChatType(chatType)
	c.Status = entities.ConversationStatus(status)
	if err := decodeConversationJSON(&c, participants, metadata); err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeConversationJSON(c *entities.Conversation, participants, metadata []byte) error {
	if err := json.Unmarshal(participants, &c.Participants); err != nil {
		return fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal(metadata, &c.PlatformMetadata); err != nil {
		return fmt.Errorf("decode platform metadata: %w", err)
	}
	return nil
}
