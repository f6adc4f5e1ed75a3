package entities

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Platform identifies one of the bridged surfaces.
type Platform string

const (
	PlatformTelegram Platform = "telegram" // source chat transport
	PlatformChatwoot Platform = "chatwoot" // support desk
	PlatformDify     Platform = "dify"     // AI backend
)

// Platforms lists every supported platform in a stable order.
var Platforms = []Platform{PlatformTelegram, PlatformChatwoot, PlatformDify}

func (p Platform) Valid() bool {
	return slices.Contains(Platforms, p)
}

func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", &ValidationError{Field: "platform", Reason: fmt.Sprintf("unknown platform %q", s)}
	}
	return p, nil
}

// DeskMessageType mirrors the support desk's direction flag.
type DeskMessageType string

const (
	DeskMessageIncoming DeskMessageType = "incoming" // authored by the contact
	DeskMessageOutgoing DeskMessageType = "outgoing" // authored by an agent
)

// SenderInfo carries the raw sender attributes reported by the platform.
type SenderInfo struct {
	Username     string `json:"username,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsBot        bool   `json:"is_bot"`
	Type         string `json:"type,omitempty"` // desk sender type: user, contact, agent_bot
}

// GroupInfo is only present for group, supergroup and channel chats.
type GroupInfo struct {
	Title        string `json:"title,omitempty"`
	MemberCount  int    `json:"member_count,omitempty"`
	IsVerified   bool   `json:"is_verified,omitempty"`
	IsRestricted bool   `json:"is_restricted,omitempty"`
}

type MessageMetadata struct {
	ChatType    ChatType   `json:"chat_type,omitempty"`
	IsGroupChat bool       `json:"is_group_chat"`
	Sender      SenderInfo `json:"sender"`
	Group       *GroupInfo `json:"group,omitempty"`

	// BotID is the source-platform entity that received the message; routing is keyed on it.
	BotID string `json:"bot_id,omitempty"`

	// Support desk fields, set by the desk normalizer.
	DeskMessageType DeskMessageType `json:"desk_message_type,omitempty"`
	DeskAccountID   string          `json:"desk_account_id,omitempty"`
	DeskInboxID     string          `json:"desk_inbox_id,omitempty"`
	Private         bool            `json:"private,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// Message is a normalized inbound or outbound unit. Treat it as immutable once validated.
type Message struct {
	ID             string          `json:"id"`
	Content        string          `json:"content"`
	SenderID       string          `json:"sender_id"`
	SenderName     string          `json:"sender_name"`
	ConversationID string          `json:"conversation_id"`
	Platform       Platform        `json:"platform"`
	Timestamp      time.Time       `json:"timestamp"`
	Metadata       MessageMetadata `json:"metadata"`
}

func (m Message) Validate() error {
	required := []struct {
		field, value string
	}{
		{"id", m.ID},
		{"content", m.Content},
		{"sender_id", m.SenderID},
		{"conversation_id", m.ConversationID},
		{"platform", string(m.Platform)},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Reason: "is required"}
		}
	}
	if !m.Platform.Valid() {
		return &ValidationError{Field: "platform", Reason: fmt.Sprintf("unknown platform %q", m.Platform)}
	}
	if m.Metadata.ChatType != "" && !m.Metadata.ChatType.Valid() {
		return &ValidationError{Field: "metadata.chat_type", Reason: fmt.Sprintf("unknown chat type %q", m.Metadata.ChatType)}
	}
	return nil
}

// DedupKey scopes the message id to its platform.
func (m Message) DedupKey() string {
	return DedupKey(m.Platform, m.ID)
}

func DedupKey(p Platform, messageID string) string {
	return string(p) + ":" + messageID
}

// IsGroup reports whether the message came from a multi-user chat.
func (m Message) IsGroup() bool {
	return m.Metadata.IsGroupChat || m.Metadata.ChatType.IsGroup()
}

// DisplaySender picks the best human readable name for the sender.
func (m Message) DisplaySender() string {
	if name := strings.TrimSpace(m.SenderName); name != "" {
		return name
	}
	s := m.Metadata.Sender
	if full := strings.TrimSpace(s.FirstName + " " + s.LastName); full != "" {
		return full
	}
	if s.Username != "" {
		return s.Username
	}
	return m.SenderID
}
