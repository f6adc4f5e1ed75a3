package interfaces

import (
	"context"
	"time"

	"chatbridge/internal/entities"
)

type DeliveryResult struct {
	MessageID string
}

// SourceClient delivers text to the end-user chat transport through the bot
// identified by botID.
type SourceClient interface {
	SendMessage(ctx context.Context, botID, chatID, text string) (DeliveryResult, error)
}

// DeskRef identifies the mirrored conversation on the support desk.
type DeskRef struct {
	ConversationID int64
	InboxID        int64
	MessageID      string // id of the mirrored inbound message, if one was posted
}

type DeskSendOptions struct {
	MessageType entities.DeskMessageType
	Private     bool
}

type DeskClient interface {
	// CreateOrUpdateConversation reuses conv's desk conversation when it has
	// one, creates it otherwise, and posts msg into it as an incoming message.
	CreateOrUpdateConversation(ctx context.Context, conv *entities.Conversation, msg entities.Message, accountID, inboxID string) (DeskRef, error)
	SendMessage(ctx context.Context, accountID string, conversationID int64, text string, opts DeskSendOptions) (DeliveryResult, error)
}

type AIRequest struct {
	AppID          string
	ConversationID string // empty starts a new AI conversation
	UserID         string
	Query          string
	Inputs         map[string]string
}

type AIReply struct {
	ConversationID string
	MessageID      string
	Answer         string
}

type AIClient interface {
	SendMessage(ctx context.Context, req AIRequest) (AIReply, error)
}

// ConversationStore persists the bridge records. Finders return (nil, nil)
// when nothing matches.
type ConversationStore interface {
	FindByPlatformChatID(ctx context.Context, platform entities.Platform, chatID string) (*entities.Conversation, error)
	FindByChatwootID(ctx context.Context, chatwootID int64) (*entities.Conversation, error)
	FindByDifyID(ctx context.Context, difyID string) (*entities.Conversation, error)
	// Save inserts a new record; a (platform, chatId) collision returns entities.ErrConflict.
	Save(ctx context.Context, conv *entities.Conversation) error
	// Update rewrites an existing record; unknown ids return *entities.NotFoundError.
	Update(ctx context.Context, conv *entities.Conversation) error
}

// MappingSource looks up bridge mappings configured for a source entity.
type MappingSource interface {
	FindByBotID(ctx context.Context, botID string) ([]entities.Mapping, error)
}

// ProcessedStore tracks handled message ids with conditional-put semantics.
type ProcessedStore interface {
	// Claim marks key processed and reports true only for the first caller.
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
	IsProcessed(ctx context.Context, key string) (bool, error)
}

// CooldownStore remembers when an AI reply was last forwarded per key.
type CooldownStore interface {
	// TryAcquire records now for key and reports true unless the previous
	// record is younger than window.
	TryAcquire(ctx context.Context, key string, window time.Duration, now time.Time) (bool, error)
	// ReleaseCooldown undoes the TryAcquire made at acquiredAt unless a later
	// acquire already replaced it.
	ReleaseCooldown(ctx context.Context, key string, acquiredAt time.Time) error
	LastResponse(ctx context.Context, key string) (time.Time, bool, error)
	Record(ctx context.Context, key string, now time.Time) error
}

type StateStore interface {
	ProcessedStore
	CooldownStore
}

// UsageRecorder counts routed messages per day.
type UsageRecorder interface {
	RecordRouting(ctx context.Context, platform entities.Platform, res *entities.RoutingResult) error
}

// Locker serializes work per key. The returned func releases the lock.
type Locker interface {
	Lock(key string) func()
}
