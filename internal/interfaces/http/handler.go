package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"chatbridge/internal/entities"
	"chatbridge/internal/infrastructure"
)

// MessageRouter is the routing engine the webhooks feed.
type MessageRouter interface {
	Route(ctx context.Context, msg entities.Message) (*entities.RoutingResult, error)
}

type ConversationFinder interface {
	FindByPlatformChatID(ctx context.Context, platform entities.Platform, chatID string) (*entities.Conversation, error)
}

type RoutingLookup interface {
	Resolve(ctx context.Context, sourceEntityID string) (entities.RoutingConfiguration, error)
}

// BotDirectory is the part of the Telegram manager the HTTP layer needs.
type BotDirectory interface {
	HasBot(botID string) bool
	Status() []infrastructure.BotStatus
}

// StatsProvider reports state store counters on /health.
type StatsProvider interface {
	GetStats() map[string]interface{}
}

type Deps struct {
	Router        MessageRouter
	Conversations ConversationFinder
	Routing       RoutingLookup
	Bots          BotDirectory
	Stats         StatsProvider
	Usage         UsageReporter
	// DifyCallbackToken guards POST /webhooks/dify; empty disables the route.
	DifyCallbackToken string
	Log               logrus.FieldLogger
}

type Handler struct {
	router MessageRouter
	stats  StatsProvider
	log    logrus.FieldLogger
}

func NewHandler(router MessageRouter, stats StatsProvider, log logrus.FieldLogger) *Handler {
	return &Handler{router: router, stats: stats, log: log}
}

func SetupRoutes(r *gin.Engine, deps Deps, middleware *Middleware, webhookRate float64, webhookBurst int) {
	h := NewHandler(deps.Router, deps.Stats, deps.Log)
	adminHandler := NewAdminHandler(deps.Conversations, deps.Routing, deps.Log)
	telegramHandler := NewTelegramHandler(deps.Router, deps.Bots, deps.Log)
	dashboardHandler := NewDashboardHandler(deps.Usage, deps.Bots, deps.Log)
	difyHandler := NewDifyHandler(deps.Router, deps.DifyCallbackToken, deps.Log)

	r.Use(RequestID())
	r.Use(RequestLogger(deps.Log))
	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(1 << 20))
	r.Use(middleware.CORSMiddleware())

	r.GET("/health", h.Health)

	webhooks := r.Group("/webhooks")
	webhooks.Use(middleware.RateLimitPerClient(webhookRate, webhookBurst))
	{
		webhooks.POST("/chatwoot", h.HandleChatwootWebhook)
		telegramHandler.RegisterRoutes(webhooks)
		difyHandler.RegisterRoutes(webhooks)
	}

	// Read-only inspection, JWTs are minted by the token subcommand
	api := r.Group("/api")
	api.Use(middleware.AuthRequired())
	{
		adminHandler.RegisterRoutes(api)
		dashboardHandler.RegisterRoutes(api)
		api.GET("/bots", telegramHandler.ListBots)
	}
}

func (h *Handler) Health(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if h.stats != nil {
		body["state"] = h.stats.GetStats()
	}
	c.JSON(http.StatusOK, body)
}

// HandleChatwootWebhook routes agent replies from the support desk.
func (h *Handler) HandleChatwootWebhook(c *gin.Context) {
	var payload ChatwootWebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	msg := NormalizeChatwootPayload(payload)
	if msg == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	respondRouted(c, h.log, h.router, *msg)
}

// respondRouted runs msg through the router and maps failures to status
// codes. 5xx responses make the platform redeliver.
func respondRouted(c *gin.Context, log logrus.FieldLogger, router MessageRouter, msg entities.Message) {
	res, err := router.Route(c.Request.Context(), msg)
	if err != nil {
		status := errorStatus(err)
		log.WithError(err).WithFields(logrus.Fields{
			"message_id": msg.ID,
			"platform":   msg.Platform,
			"request_id": c.GetString(requestIDKey),
		}).Warn("webhook routing failed")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, entities.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, entities.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
