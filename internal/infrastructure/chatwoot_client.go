package infrastructure

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatbridge/internal/entities"
	"chatbridge/internal/interfaces"
)

// DeskEchoAttribute is set in content_attributes of every message the bridge
// posts, so the webhook can drop the echo before the message id is known.
const DeskEchoAttribute = "chatbridge_echo"

// ChatwootClient mirrors bridged conversations into a Chatwoot account.
type ChatwootClient struct {
	api *jsonClient
}

var _ interfaces.DeskClient = (*ChatwootClient)(nil)

func NewChatwootClient(baseURL, apiToken string, timeout time.Duration, perSecond float64) *ChatwootClient {
	api := newJSONClient(strings.TrimRight(baseURL, "/"), timeout, perSecond)
	api.headers["api_access_token"] = apiToken
	return &ChatwootClient{api: api}
}

type chatwootContact struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
}

type chatwootConversation struct {
	ID      int64 `json:"id"`
	InboxID int64 `json:"inbox_id"`
}

type chatwootMessage struct {
	ID int64 `json:"id"`
}

func (c *ChatwootClient) CreateOrUpdateConversation(ctx context.Context, conv *entities.Conversation, msg entities.Message, accountID, inboxID string) (interfaces.DeskRef, error) {
	ref := interfaces.DeskRef{ConversationID: conv.ChatwootID, InboxID: conv.ChatwootInboxID}

	if ref.ConversationID == 0 {
		inbox, err := strconv.ParseInt(inboxID, 10, 64)
		if err != nil {
			return ref, fmt.Errorf("invalid chatwoot inbox id %q: %w", inboxID, err)
		}
		contactID, err := c.ensureContact(ctx, accountID, inbox, conv, msg)
		if err != nil {
			return ref, err
		}
		created, err := c.createConversation(ctx, accountID, inbox, contactID, conv)
		if err != nil {
			return ref, err
		}
		ref.ConversationID = created.ID
		ref.InboxID = created.InboxID
		if ref.InboxID == 0 {
			ref.InboxID = inbox
		}
	}

	sent, err := c.SendMessage(ctx, accountID, ref.ConversationID, deskTranscript(conv, msg), interfaces.DeskSendOptions{
		MessageType: entities.DeskMessageIncoming,
	})
	if err != nil {
		return ref, err
	}
	ref.MessageID = sent.MessageID
	return ref, nil
}

func (c *ChatwootClient) SendMessage(ctx context.Context, accountID string, conversationID int64, text string, opts interfaces.DeskSendOptions) (interfaces.DeliveryResult, error) {
	messageType := opts.MessageType
	if messageType == "" {
		messageType = entities.DeskMessageOutgoing
	}
	body := map[string]any{
		"content":      text,
		"message_type": string(messageType),
		"private":      opts.Private,
		"content_attributes": map[string]any{
			DeskEchoAttribute: true,
		},
	}

	var out chatwootMessage
	path := fmt.Sprintf("/api/v1/accounts/%s/conversations/%d/messages", url.PathEscape(accountID), conversationID)
	if err := c.api.do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return interfaces.DeliveryResult{}, fmt.Errorf("chatwoot send message: %w", err)
	}
	return interfaces.DeliveryResult{MessageID: strconv.FormatInt(out.ID, 10)}, nil
}

// ensureContact finds the contact identified by the conversation id or creates it.
func (c *ChatwootClient) ensureContact(ctx context.Context, accountID string, inboxID int64, conv *entities.Conversation, msg entities.Message) (int64, error) {
	var found struct {
		Payload []chatwootContact `json:"payload"`
	}
	searchPath := fmt.Sprintf("/api/v1/accounts/%s/contacts/search?q=%s", url.PathEscape(accountID), url.QueryEscape(conv.ID))
	if err := c.api.do(ctx, http.MethodGet, searchPath, nil, nil, &found); err != nil {
		return 0, fmt.Errorf("chatwoot search contact: %w", err)
	}
	for _, contact := range found.Payload {
		if contact.Identifier == conv.ID {
			return contact.ID, nil
		}
	}

	body := map[string]any{
		"inbox_id":   inboxID,
		"name":       deskContactName(conv, msg),
		"identifier": conv.ID,
		"additional_attributes": map[string]string{
			"platform": string(conv.Platform),
			"chat_id":  conv.ChatID,
			"username": conv.Username,
		},
	}
	var created struct {
		Payload struct {
			Contact chatwootContact `json:"contact"`
		} `json:"payload"`
	}
	createPath := fmt.Sprintf("/api/v1/accounts/%s/contacts", url.PathEscape(accountID))
	if err := c.api.do(ctx, http.MethodPost, createPath, nil, body, &created); err != nil {
		return 0, fmt.Errorf("chatwoot create contact: %w", err)
	}
	if created.Payload.Contact.ID == 0 {
		return 0, fmt.Errorf("chatwoot create contact: empty contact id")
	}
	return created.Payload.Contact.ID, nil
}

func (c *ChatwootClient) createConversation(ctx context.Context, accountID string, inboxID, contactID int64, conv *entities.Conversation) (chatwootConversation, error) {
	body := map[string]any{
		"inbox_id":   inboxID,
		"contact_id": contactID,
		"source_id":  conv.ID,
		"additional_attributes": map[string]string{
			"platform":  string(conv.Platform),
			"chat_type": string(conv.ChatType),
			"chat_id":   conv.ChatID,
		},
	}
	var out chatwootConversation
	path := fmt.Sprintf("/api/v1/accounts/%s/conversations", url.PathEscape(accountID))
	if err := c.api.do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return out, fmt.Errorf("chatwoot create conversation: %w", err)
	}
	if out.ID == 0 {
		return out, fmt.Errorf("chatwoot create conversation: empty conversation id")
	}
	return out, nil
}

func deskContactName(conv *entities.Conversation, msg entities.Message) string {
	if conv.ChatType.IsGroup() && conv.GroupTitle != "" {
		return conv.GroupTitle
	}
	if full := strings.TrimSpace(conv.FirstName + " " + conv.LastName); full != "" {
		return full
	}
	if conv.Username != "" {
		return conv.Username
	}
	return msg.DisplaySender()
}

// deskTranscript prefixes group messages with the speaker so agents can tell
// members apart inside one desk conversation.
func deskTranscript(conv *entities.Conversation, msg entities.Message) string {
	if conv.ChatType.IsGroup() {
		return fmt.Sprintf("[%s]: %s", msg.DisplaySender(), msg.Content)
	}
	return msg.Content
}
