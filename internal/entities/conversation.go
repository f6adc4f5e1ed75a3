package entities

import (
	"fmt"
	"strings"
	"time"
)

type ChatType string

const (
	ChatTypePrivate    ChatType = "private"
	ChatTypeGroup      ChatType = "group"
	ChatTypeSupergroup ChatType = "supergroup"
	ChatTypeChannel    ChatType = "channel"
)

func (t ChatType) Valid() bool {
	switch t {
	case ChatTypePrivate, ChatTypeGroup, ChatTypeSupergroup, ChatTypeChannel:
		return true
	default:
		return false
	}
}

func (t ChatType) IsGroup() bool {
	return t == ChatTypeGroup || t == ChatTypeSupergroup || t == ChatTypeChannel
}

type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusArchived ConversationStatus = "archived"
	StatusBlocked  ConversationStatus = "blocked"
	StatusDeleted  ConversationStatus = "deleted"
)

func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusBlocked, StatusDeleted:
		return true
	default:
		return false
	}
}

type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Conversation bridges one logical chat across the source platform, the
// support desk and the AI backend.
type Conversation struct {
	ID       string   `json:"id"`
	Platform Platform `json:"platform"`
	ChatType ChatType `json:"chat_type"`
	ChatID   string   `json:"chat_id"`

	// Sender identity
	Username     string `json:"username,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsBot        bool   `json:"is_bot"`

	// Group identity, only for group-like chat types
	GroupTitle        string `json:"group_title,omitempty"`
	GroupMemberCount  int    `json:"group_member_count,omitempty"`
	GroupIsVerified   bool   `json:"group_is_verified,omitempty"`
	GroupIsRestricted bool   `json:"group_is_restricted,omitempty"`

	// Foreign keys
	ChatwootID      int64  `json:"chatwoot_id,omitempty"`
	ChatwootInboxID int64  `json:"chatwoot_inbox_id,omitempty"`
	DifyID          string `json:"dify_id,omitempty"`

	Participants     []Participant      `json:"participants"`
	PlatformMetadata map[string]string  `json:"platform_metadata,omitempty"`
	Status           ConversationStatus `json:"status"`
	IsActive         bool               `json:"is_active"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// PlatformMetadata keys written by the router.
const (
	MetaBotID = "bot_id"
)

// ConversationID builds the deterministic internal id.
func ConversationID(p Platform, chatID string) string {
	return fmt.Sprintf("%s_%s", p, chatID)
}

func (c *Conversation) Validate() error {
	if strings.TrimSpace(c.ChatID) == "" {
		return &ValidationError{Field: "chat_id", Reason: "is required"}
	}
	if !c.Platform.Valid() {
		return &ValidationError{Field: "platform", Reason: fmt.Sprintf("unknown platform %q", c.Platform)}
	}
	if c.ID != ConversationID(c.Platform, c.ChatID) {
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("must equal %q", ConversationID(c.Platform, c.ChatID))}
	}
	if !c.ChatType.Valid() {
		return &ValidationError{Field: "chat_type", Reason: fmt.Sprintf("unknown chat type %q", c.ChatType)}
	}
	if !c.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", c.Status)}
	}
	if !c.ChatType.IsGroup() && c.HasGroupFields() {
		return &ValidationError{Field: "group", Reason: "group fields set on a non-group chat"}
	}
	return nil
}

func (c *Conversation) HasGroupFields() bool {
	return c.GroupTitle != "" || c.GroupMemberCount != 0 || c.GroupIsVerified || c.GroupIsRestricted
}

// NewConversation builds a fresh record for a previously unseen chat.
func NewConversation(p Platform, chatID string, chatType ChatType, now time.Time) *Conversation {
	if chatType == "" {
		chatType = ChatTypePrivate
	}
	return &Conversation{
		ID:               ConversationID(p, chatID),
		Platform:         p,
		ChatType:         chatType,
		ChatID:           chatID,
		Participants:     []Participant{},
		PlatformMetadata: map[string]string{},
		Status:           StatusActive,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastMessageAt:    now,
	}
}

// Clone returns a deep copy so callers can mutate without aliasing the stored record.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = append([]Participant(nil), c.Participants...)
	out.PlatformMetadata = make(map[string]string, len(c.PlatformMetadata))
	for k, v := range c.PlatformMetadata {
		out.PlatformMetadata[k] = v
	}
	return &out
}

// MergeFrom applies newly observed sender and group attributes. Known
// non-empty fields are never overwritten. Reports whether anything changed.
func (c *Conversation) MergeFrom(meta MessageMetadata) bool {
	changed := false
	set := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	if !c.ChatType.IsGroup() {
		set(&c.Username, meta.Sender.Username)
		set(&c.FirstName, meta.Sender.FirstName)
		set(&c.LastName, meta.Sender.LastName)
		set(&c.LanguageCode, meta.Sender.LanguageCode)
		if meta.Sender.IsBot && !c.IsBot {
			c.IsBot = true
			changed = true
		}
	}
	if c.ChatType.IsGroup() && meta.Group != nil {
		set(&c.GroupTitle, meta.Group.Title)
		if c.GroupMemberCount == 0 && meta.Group.MemberCount > 0 {
			c.GroupMemberCount = meta.Group.MemberCount
			changed = true
		}
		if meta.Group.IsVerified && !c.GroupIsVerified {
			c.GroupIsVerified = true
			changed = true
		}
		if meta.Group.IsRestricted && !c.GroupIsRestricted {
			c.GroupIsRestricted = true
			changed = true
		}
	}
	if meta.BotID != "" {
		if c.PlatformMetadata == nil {
			c.PlatformMetadata = map[string]string{}
		}
		if c.PlatformMetadata[MetaBotID] == "" {
			c.PlatformMetadata[MetaBotID] = meta.BotID
			changed = true
		}
	}
	return changed
}

// AddParticipant adds p unless a participant with the same id exists.
func (c *Conversation) AddParticipant(p Participant) bool {
	if p.ID == "" {
		return false
	}
	for _, existing := range c.Participants {
		if existing.ID == p.ID {
			return false
		}
	}
	c.Participants = append(c.Participants, p)
	return true
}

func (c *Conversation) BotID() string {
	return c.PlatformMetadata[MetaBotID]
}
