package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"chatbridge/internal/repository"
)

const (
	defaultUsageDays = 7
	maxUsageDays     = 90
)

// UsageReporter reads the per-day routing counters.
type UsageReporter interface {
	GetUsageHistory(ctx context.Context, days int) ([]repository.DailyUsage, error)
}

// DashboardHandler summarizes bridge activity for the admin panel.
type DashboardHandler struct {
	usage UsageReporter
	bots  BotDirectory
	log   logrus.FieldLogger
}

func NewDashboardHandler(usage UsageReporter, bots BotDirectory, log logrus.FieldLogger) *DashboardHandler {
	return &DashboardHandler{usage: usage, bots: bots, log: log}
}

func (h *DashboardHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/dashboard", h.GetStats)
}

// GetStats returns routing totals for the last ?days= days plus bot status
func (h *DashboardHandler) GetStats(c *gin.Context) {
	days := defaultUsageDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxUsageDays {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and 90"})
			return
		}
		days = n
	}

	response := gin.H{"days": days}
	if h.bots != nil {
		response["bots"] = h.bots.Status()
	}

	if h.usage != nil {
		history, err := h.usage.GetUsageHistory(c.Request.Context(), days)
		if err != nil {
			h.log.WithError(err).Error("usage history lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load usage"})
			return
		}
		var messages, deliveries, aiReplies int
		for _, u := range history {
			messages += u.Messages
			deliveries += u.Deliveries
			aiReplies += u.AIReplies
		}
		response["usage"] = history
		response["totals"] = gin.H{"messages": messages, "deliveries": deliveries, "aiReplies": aiReplies}
	}

	c.JSON(http.StatusOK, response)
}
