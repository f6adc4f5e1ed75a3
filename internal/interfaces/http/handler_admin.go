package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"chatbridge/internal/entities"
)

// AdminHandler serves read-only views of bridge state.
type AdminHandler struct {
	conversations ConversationFinder
	routing       RoutingLookup
	log           logrus.FieldLogger
}

func NewAdminHandler(conversations ConversationFinder, routing RoutingLookup, log logrus.FieldLogger) *AdminHandler {
	return &AdminHandler{
		conversations: conversations,
		routing:       routing,
		log:           log,
	}
}

func (h *AdminHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/conversations/:platform/:chatId", h.GetConversation)
	api.GET("/routing/:botId", h.GetRouting)
}

// GetConversation returns the bridge record for one source chat
func (h *AdminHandler) GetConversation(c *gin.Context) {
	platform, err := entities.ParsePlatform(c.Param("platform"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	chatID := c.Param("chatId")
	if !ValidIdentifier(chatID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid chat id"})
		return
	}

	conv, err := h.conversations.FindByPlatformChatID(c.Request.Context(), platform, chatID)
	if err != nil {
		h.log.WithError(err).WithField("chat_id", chatID).Error("conversation lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load conversation"})
		return
	}
	if conv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// GetRouting shows how messages received by a bot would be routed
func (h *AdminHandler) GetRouting(c *gin.Context) {
	botID := c.Param("botId")
	if !ValidIdentifier(botID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid bot id"})
		return
	}

	cfg, err := h.routing.Resolve(c.Request.Context(), botID)
	if err != nil {
		h.log.WithError(err).WithField("bot_id", botID).Error("routing lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve routing"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}
