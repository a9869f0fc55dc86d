package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/insightops/internal/clock"
	"github.com/lalith-99/insightops/internal/middleware"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/repository"
	"github.com/lalith-99/insightops/internal/usage"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// maxUsageDays bounds one usage query.
const maxUsageDays = 366

type UsageHandler struct {
	accountant *usage.Accountant
	workspaces repository.WorkspaceRepository
	clock      clock.Clock
	logger     *zap.Logger
}

func NewUsageHandler(accountant *usage.Accountant, workspaces repository.WorkspaceRepository, clk clock.Clock, logger *zap.Logger) *UsageHandler {
	if clk == nil {
		clk = clock.Real()
	}
	return &UsageHandler{accountant: accountant, workspaces: workspaces, clock: clk, logger: logger.Named("api.usage")}
}

type usageResponse struct {
	WorkspaceID            string                   `json:"workspace_id"`
	Plan                   *models.SubscriptionPlan `json:"plan,omitempty"`
	CurrentFeedbackCount   int                      `json:"current_feedback_count"`
	MonthlyAIAnalysisCount int                      `json:"monthly_ai_analysis_count"`
	LastResetDate          string                   `json:"last_reset_date"`
	From                   string                   `json:"from"`
	To                     string                   `json:"to"`
	Days                   []models.UsageTracking   `json:"days"`
}

// Get handles GET /v1/usage?from=YYYY-MM-DD&to=YYYY-MM-DD. Both bounds are
// inclusive; the default range is the current month to date.
func (h *UsageHandler) Get(c *gin.Context) {
	today := models.Day(h.clock.Now())
	from := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := today

	var ok bool
	if from, ok = parseDate(c, "from", from); !ok {
		return
	}
	if to, ok = parseDate(c, "to", to); !ok {
		return
	}
	if to.Before(from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must not be before from"})
		return
	}
	if to.Sub(from) > maxUsageDays*24*time.Hour {
		c.JSON(http.StatusBadRequest, gin.H{"error": "range is limited to one year"})
		return
	}

	ctx := c.Request.Context()
	workspaceID := middleware.GetWorkspaceID(c)
	ws, err := h.workspaces.GetByID(ctx, workspaceID)
	if err != nil {
		respondError(c, h.logger, "failed to load workspace", err)
		return
	}
	if ws == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
		return
	}
	plan, err := h.workspaces.Plan(ctx, workspaceID)
	if err != nil {
		respondError(c, h.logger, "failed to load plan", err)
		return
	}
	days, err := h.accountant.Usage(ctx, workspaceID, from, to)
	if err != nil {
		respondError(c, h.logger, "failed to load usage", err)
		return
	}
	if days == nil {
		days = []models.UsageTracking{}
	}

	c.JSON(http.StatusOK, usageResponse{
		WorkspaceID:            ws.ID.String(),
		Plan:                   plan,
		CurrentFeedbackCount:   ws.CurrentFeedbackCount,
		MonthlyAIAnalysisCount: ws.MonthlyAIAnalysisCount,
		LastResetDate:          ws.LastResetDate.Format(dateLayout),
		From:                   from.Format(dateLayout),
		To:                     to.Format(dateLayout),
		Days:                   days,
	})
}

func parseDate(c *gin.Context, key string, def time.Time) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be a YYYY-MM-DD date"})
		return time.Time{}, false
	}
	return t, true
}
