package infrastructure

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatbridge/internal/interfaces"
)

// DifyClient talks to the Dify chat-messages API in blocking mode.
type DifyClient struct {
	api  *jsonClient
	keys map[string]string // app id -> API key
}

var _ interfaces.AIClient = (*DifyClient)(nil)

func NewDifyClient(baseURL string, appKeys map[string]string, timeout time.Duration) *DifyClient {
	keys := make(map[string]string, len(appKeys))
	for app, key := range appKeys {
		keys[strings.TrimSpace(app)] = strings.TrimSpace(key)
	}
	return &DifyClient{
		api:  newJSONClient(strings.TrimRight(baseURL, "/"), timeout, 0),
		keys: keys,
	}
}

type difyChatRequest struct {
	Inputs         map[string]string `json:"inputs"`
	Query          string            `json:"query"`
	ResponseMode   string            `json:"response_mode"`
	ConversationID string            `json:"conversation_id,omitempty"`
	User           string            `json:"user"`
}

type difyChatResponse struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Answer         string `json:"answer"`
}

func (c *DifyClient) SendMessage(ctx context.Context, req interfaces.AIRequest) (interfaces.AIReply, error) {
	key, ok := c.keys[req.AppID]
	if !ok || key == "" {
		return interfaces.AIReply{}, fmt.Errorf("no api key configured for dify app %q", req.AppID)
	}
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]string{}
	}

	body := difyChatRequest{
		Inputs:         inputs,
		Query:          req.Query,
		ResponseMode:   "blocking",
		ConversationID: req.ConversationID,
		User:           req.UserID,
	}
	var out difyChatResponse
	headers := map[string]string{"Authorization": "Bearer " + key}
	if err := c.api.do(ctx, http.MethodPost, "/chat-messages", headers, body, &out); err != nil {
		return interfaces.AIReply{}, fmt.Errorf("dify chat-messages: %w", err)
	}
	return interfaces.AIReply{
		ConversationID: out.ConversationID,
		MessageID:      out.MessageID,
		Answer:         out.Answer,
	}, nil
}
