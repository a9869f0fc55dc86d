package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/insightops/internal/clock"
	"github.com/lalith-99/insightops/internal/middleware"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/repository"
	"github.com/lalith-99/insightops/internal/snapshot"
	"go.uber.org/zap"
)

type SnapshotHandler struct {
	aggregator *snapshot.Aggregator
	repo       repository.SnapshotRepository
	clock      clock.Clock
	logger     *zap.Logger
}

func NewSnapshotHandler(aggregator *snapshot.Aggregator, repo repository.SnapshotRepository, clk clock.Clock, logger *zap.Logger) *SnapshotHandler {
	if clk == nil {
		clk = clock.Real()
	}
	return &SnapshotHandler{aggregator: aggregator, repo: repo, clock: clk, logger: logger.Named("api.snapshot")}
}

// generateSnapshotRequest picks the period. Without period_start the last
// complete period of the type is used. A given period_start must sit on the
// type's boundary and a given period_end must be that period's end.
type generateSnapshotRequest struct {
	PeriodType  string     `json:"period_type" binding:"required"`
	PeriodStart *time.Time `json:"period_start"`
	PeriodEnd   *time.Time `json:"period_end"`
}

// Generate handles POST /v1/snapshots. 409 when the period already has one.
func (h *SnapshotHandler) Generate(c *gin.Context) {
	var req generateSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pt, err := models.ParsePeriodType(req.PeriodType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "period_type"})
		return
	}

	var start, end time.Time
	if req.PeriodStart == nil {
		start, end, err = snapshot.LastComplete(pt, h.clock.Now())
	} else {
		start = req.PeriodStart.UTC()
		_, end, err = snapshot.PeriodBounds(pt, start)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PeriodEnd != nil {
		end = req.PeriodEnd.UTC()
	}

	snap, err := h.aggregator.Generate(c.Request.Context(), middleware.GetWorkspaceID(c), start, end, pt)
	if err != nil {
		respondError(c, h.logger, "failed to generate snapshot", err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// List handles GET /v1/snapshots?period_type=&limit=
func (h *SnapshotHandler) List(c *gin.Context) {
	var periodType *models.PeriodType
	if raw := c.Query("period_type"); raw != "" {
		pt, err := models.ParsePeriodType(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		periodType = &pt
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(v, maxListLimit)
	}

	snaps, err := h.repo.List(c.Request.Context(), middleware.GetWorkspaceID(c), periodType, limit)
	if err != nil {
		respondError(c, h.logger, "failed to list snapshots", err)
		return
	}
	c.JSON(http.StatusOK, snaps)
}
