package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"chatbridge/internal/entities"
)

// DifyCallbackPayload is posted by an HTTP request node at the end of a Dify
// workflow that answers outside the blocking chat-messages call.
type DifyCallbackPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Answer         string `json:"answer"`
	AppID          string `json:"app_id"`
	CreatedAt      int64  `json:"created_at"`
}

// DifyHandler accepts AI replies pushed back by Dify workflows
type DifyHandler struct {
	router MessageRouter
	token  string
	log    logrus.FieldLogger
}

func NewDifyHandler(router MessageRouter, token string, log logrus.FieldLogger) *DifyHandler {
	return &DifyHandler{router: router, token: token, log: log}
}

func (h *DifyHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/dify", h.HandleCallback)
}

func (h *DifyHandler) HandleCallback(c *gin.Context) {
	if h.token == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Dify callbacks are disabled"})
		return
	}
	given := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(given), []byte(h.token)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid callback token"})
		return
	}

	var payload DifyCallbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}
	msg := NormalizeDifyCallback(payload)
	if msg == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	respondRouted(c, h.log, h.router, *msg)
}

// NormalizeDifyCallback converts a workflow callback into a Message, or nil
// when it has no answer or cannot be tied to a Dify conversation.
func NormalizeDifyCallback(p DifyCallbackPayload) *entities.Message {
	conversationID := strings.TrimSpace(p.ConversationID)
	messageID := strings.TrimSpace(p.MessageID)
	if conversationID == "" || messageID == "" {
		return nil
	}
	answer := TruncateString(SanitizeString(strings.TrimSpace(p.Answer)), MaxMessageLength)
	if answer == "" {
		return nil
	}

	senderID := "dify"
	extra := map[string]string{}
	if appID := strings.TrimSpace(p.AppID); appID != "" {
		senderID = appID
		extra["app_id"] = appID
	}
	ts := time.Now().UTC()
	if p.CreatedAt > 0 {
		ts = time.Unix(p.CreatedAt, 0).UTC()
	}

	return &entities.Message{
		ID:             messageID,
		Content:        answer,
		SenderID:       senderID,
		SenderName:     "AI assistant",
		ConversationID: conversationID,
		Platform:       entities.PlatformDify,
		Timestamp:      ts,
		Metadata:       entities.MessageMetadata{Extra: extra},
	}
}
