package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"chatbridge/internal/infrastructure"
)

// TelegramHandler receives bot updates in webhook mode
type TelegramHandler struct {
	router MessageRouter
	bots   BotDirectory
	log    logrus.FieldLogger
}

func NewTelegramHandler(router MessageRouter, bots BotDirectory, log logrus.FieldLogger) *TelegramHandler {
	return &TelegramHandler{
		router: router,
		bots:   bots,
		log:    log,
	}
}

func (h *TelegramHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/telegram/:botId", h.HandleWebhook)
}

// HandleWebhook normalizes one update and routes it synchronously so a
// failure is reported to Telegram, which then redelivers.
func (h *TelegramHandler) HandleWebhook(c *gin.Context) {
	botID := c.Param("botId")
	if !ValidIdentifier(botID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid bot id"})
		return
	}
	if h.bots != nil && !h.bots.HasBot(botID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown bot"})
		return
	}

	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid update"})
		return
	}

	msg := infrastructure.NormalizeTelegramUpdate(botID, update)
	if msg == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	msg.Content = TruncateString(SanitizeString(msg.Content), MaxMessageLength)
	respondRouted(c, h.log, h.router, *msg)
}

// ListBots returns the registered source bots and whether they are polling
func (h *TelegramHandler) ListBots(c *gin.Context) {
	if h.bots == nil {
		c.JSON(http.StatusOK, gin.H{"bots": []infrastructure.BotStatus{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bots": h.bots.Status()})
}
