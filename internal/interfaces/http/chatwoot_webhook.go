package http

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"chatbridge/internal/entities"
	"chatbridge/internal/infrastructure"
)

const chatwootMessageCreated = "message_created"

type chatwootRef struct {
	ID int64 `json:"id"`
}

type chatwootSender struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	// Type is "user" for agents, "contact" for end users and "agent_bot" for automations.
	Type string `json:"type"`
}

// ChatwootWebhookPayload is the subset of a Chatwoot message_created event we read.
type ChatwootWebhookPayload struct {
	Event        string          `json:"event"`
	ID           int64           `json:"id"`
	Content      string          `json:"content"`
	MessageType  string          `json:"message_type"`
	Private      bool            `json:"private"`
	CreatedAt    json.RawMessage `json:"created_at"`
	Account      chatwootRef     `json:"account"`
	Inbox        chatwootRef     `json:"inbox"`
	Conversation chatwootRef     `json:"conversation"`
	Sender       chatwootSender  `json:"sender"`
	// ContentAttributes arrives as an object or, from older installs, as a JSON string.
	ContentAttributes json.RawMessage `json:"content_attributes"`
}

// NormalizeChatwootPayload converts a desk event into a Message, or nil when
// the event carries nothing to route.
func NormalizeChatwootPayload(p ChatwootWebhookPayload) *entities.Message {
	if p.Event != chatwootMessageCreated || p.ID == 0 || p.Conversation.ID == 0 {
		return nil
	}
	if postedByBridge(p.ContentAttributes) {
		return nil
	}
	content := TruncateString(SanitizeString(strings.TrimSpace(p.Content)), MaxMessageLength)
	if content == "" {
		return nil
	}

	senderID := "system"
	if p.Sender.ID != 0 {
		senderID = strconv.FormatInt(p.Sender.ID, 10)
	}

	return &entities.Message{
		ID:             strconv.FormatInt(p.ID, 10),
		Content:        content,
		SenderID:       senderID,
		SenderName:     p.Sender.Name,
		ConversationID: strconv.FormatInt(p.Conversation.ID, 10),
		Platform:       entities.PlatformChatwoot,
		Timestamp:      parseChatwootTime(p.CreatedAt),
		Metadata: entities.MessageMetadata{
			DeskMessageType: entities.DeskMessageType(strings.ToLower(p.MessageType)),
			DeskAccountID:   formatRef(p.Account.ID),
			DeskInboxID:     formatRef(p.Inbox.ID),
			Private:         p.Private,
			Sender: entities.SenderInfo{
				FirstName: p.Sender.Name,
				IsBot:     p.Sender.Type == "agent_bot",
				Type:      p.Sender.Type,
			},
		},
	}
}

// postedByBridge reports whether the message carries our echo marker.
func postedByBridge(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return false
	}
	marked, _ := attrs[infrastructure.DeskEchoAttribute].(bool)
	return marked
}

// parseChatwootTime accepts both the RFC3339 string and the unix seconds
// forms Chatwoot uses across event types.
func parseChatwootTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Now().UTC()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
		return time.Now().UTC()
	}
	var unix int64
	if err := json.Unmarshal(raw, &unix); err == nil && unix > 0 {
		return time.Unix(unix, 0).UTC()
	}
	return time.Now().UTC()
}

func formatRef(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
