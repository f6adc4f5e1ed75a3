package infrastructure

import (
	"container/list"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"chatbridge/internal/interfaces"
)

const (
	openAIHistoryLimit     = 20
	openAIMaxConversations = 10000
)

// OpenAIClient is the alternate AI backend. OpenAI has no server-side
// conversations, so the client mints conversation ids and keeps a bounded
// in-process history per id. The least recently used histories are dropped
// past maxConversations.
type OpenAIClient struct {
	client *openai.Client
	model  string
	prompt string

	mu               sync.Mutex
	history          map[string]*list.Element
	recent           *list.List // of *openAIHistory, most recent first
	maxConversations int
}

type openAIHistory struct {
	id   string
	msgs []openai.ChatCompletionMessage
}

var _ interfaces.AIClient = (*OpenAIClient)(nil)

func NewOpenAIClient(apiKey, model, systemPrompt string, timeout time.Duration) *OpenAIClient {
	if model == "" {
		model = openai.GPT4oMini
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		prompt:  systemPrompt,
		history: make(map[string]*list.Element),
		recent:  list.New(),

		maxConversations: openAIMaxConversations,
	}
}

func (c *OpenAIClient) SendMessage(ctx context.Context, req interfaces.AIRequest) (interfaces.AIReply, error) {
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	userMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Query}

	past := c.loadHistory(conversationID)

	msgs := make([]openai.ChatCompletionMessage, 0, len(past)+2)
	if c.prompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.prompt})
	}
	msgs = append(msgs, past...)
	msgs = append(msgs, userMsg)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
		User:     req.UserID,
	})
	if err != nil {
		return interfaces.AIReply{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return interfaces.AIReply{ConversationID: conversationID, MessageID: resp.ID}, nil
	}
	answer := resp.Choices[0].Message.Content

	c.appendHistory(conversationID, userMsg, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: answer,
	})

	return interfaces.AIReply{
		ConversationID: conversationID,
		MessageID:      resp.ID,
		Answer:         answer,
	}, nil
}

func (c *OpenAIClient) loadHistory(id string) []openai.ChatCompletionMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.history[id]
	if !ok {
		return nil
	}
	c.recent.MoveToFront(el)
	return append([]openai.ChatCompletionMessage(nil), el.Value.(*openAIHistory).msgs...)
}

func (c *OpenAIClient) appendHistory(id string, msgs ...openai.ChatCompletionMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.history[id]
	if !ok {
		el = c.recent.PushFront(&openAIHistory{id: id})
		c.history[id] = el
	} else {
		c.recent.MoveToFront(el)
	}
	h := el.Value.(*openAIHistory)
	h.msgs = append(h.msgs, msgs...)
	if len(h.msgs) > openAIHistoryLimit {
		h.msgs = h.msgs[len(h.msgs)-openAIHistoryLimit:]
	}

	for c.recent.Len() > c.maxConversations {
		oldest := c.recent.Back()
		c.recent.Remove(oldest)
		delete(c.history, oldest.Value.(*openAIHistory).id)
	}
}

func (c *OpenAIClient) conversations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}
