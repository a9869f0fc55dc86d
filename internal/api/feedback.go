package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/clock"
	"github.com/lalith-99/insightops/internal/ingest"
	"github.com/lalith-99/insightops/internal/middleware"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/repository"
	"github.com/lalith-99/insightops/internal/worker"
	"go.uber.org/zap"
)

const (
	maxListLimit   = 200
	maxImportBytes = 10 << 20
)

type FeedbackHandler struct {
	gate     *ingest.Gate
	repo     repository.FeedbackRepository
	requeuer *worker.Requeuer
	clock    clock.Clock
	logger   *zap.Logger
}

func NewFeedbackHandler(gate *ingest.Gate, repo repository.FeedbackRepository, requeuer *worker.Requeuer, clk clock.Clock, logger *zap.Logger) *FeedbackHandler {
	if clk == nil {
		clk = clock.Real()
	}
	return &FeedbackHandler{gate: gate, repo: repo, requeuer: requeuer, clock: clk, logger: logger.Named("api.feedback")}
}

type createFeedbackResponse struct {
	Status ingest.Status          `json:"status"`
	Item   *models.FeedbackItem   `json:"item"`
	Jobs   []models.AIAnalysisJob `json:"jobs"`
}

// Create handles POST /v1/feedback. 201 for a new item, 200 for a
// duplicate of an existing one.
func (h *FeedbackHandler) Create(c *gin.Context) {
	var sub ingest.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// The token decides the tenant, never the body.
	sub.WorkspaceID = middleware.GetWorkspaceID(c)

	outcome, err := h.gate.Submit(c.Request.Context(), sub)
	if err != nil {
		respondError(c, h.logger, "failed to ingest feedback", err)
		return
	}

	status := http.StatusCreated
	if outcome.Status == ingest.StatusDuplicate {
		status = http.StatusOK
	}
	jobs := outcome.Jobs
	if jobs == nil {
		jobs = []models.AIAnalysisJob{}
	}
	c.JSON(status, createFeedbackResponse{Status: outcome.Status, Item: outcome.Item, Jobs: jobs})
}

type importRow struct {
	Row            int        `json:"row"`
	Status         string     `json:"status"`
	FeedbackItemID *uuid.UUID `json:"feedback_item_id,omitempty"`
	Error          string     `json:"error,omitempty"`
}

type importResponse struct {
	Created      int         `json:"created"`
	Duplicates   int         `json:"duplicates"`
	Failed       int         `json:"failed"`
	Skipped      int         `json:"skipped"`
	LimitReached bool        `json:"limit_reached"`
	Rows         []importRow `json:"rows"`
}

// Import handles POST /v1/feedback/import with a CSV in the multipart field
// "file". Row numbers in the response are 1-based data rows.
func (h *FeedbackHandler) Import(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxImportBytes)
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}

	var integrationID *uuid.UUID
	if raw := c.PostForm("integration_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid integration id"})
			return
		}
		integrationID = &id
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read upload"})
		return
	}
	defer file.Close()

	subs, err := ingest.ParseCSV(file, middleware.GetWorkspaceID(c), integrationID)
	if err != nil {
		respondError(c, h.logger, "failed to parse csv", err)
		return
	}
	report, err := h.gate.SubmitBatch(c.Request.Context(), subs)
	if err != nil {
		respondError(c, h.logger, "failed to import feedback", err)
		return
	}

	resp := importResponse{
		Created:      report.Created,
		Duplicates:   report.Duplicates,
		Failed:       report.Failed,
		Skipped:      report.Skipped,
		LimitReached: report.LimitReached,
		Rows:         make([]importRow, 0, len(report.Rows)),
	}
	for _, row := range report.Rows {
		out := importRow{Row: row.Index + 1}
		switch {
		case row.Skipped:
			out.Status = "skipped"
		case row.Err != nil:
			out.Status = "failed"
			out.Error = row.Err.Error()
		default:
			out.Status = string(row.Outcome.Status)
			out.FeedbackItemID = &row.Outcome.Item.ID
		}
		resp.Rows = append(resp.Rows, out)
	}
	c.JSON(http.StatusOK, resp)
}

// List handles GET /v1/feedback?processed=&limit=&before=. Results are
// newest first; pass the last item's created_at as before to page.
func (h *FeedbackHandler) List(c *gin.Context) {
	var filter repository.ListFilter

	if raw := c.Query("processed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "processed must be true or false"})
			return
		}
		filter.Processed = &v
	}
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = min(v, maxListLimit)
	}
	if raw := c.Query("before"); raw != "" {
		v, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "before must be an RFC 3339 timestamp"})
			return
		}
		filter.Before = &v
	}

	items, err := h.repo.List(c.Request.Context(), middleware.GetWorkspaceID(c), filter)
	if err != nil {
		respondError(c, h.logger, "failed to list feedback", err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// GetByID handles GET /v1/feedback/:id
func (h *FeedbackHandler) GetByID(c *gin.Context) {
	itemID, ok := parseID(c)
	if !ok {
		return
	}

	item, err := h.repo.GetByID(c.Request.Context(), middleware.GetWorkspaceID(c), itemID)
	if err != nil {
		respondError(c, h.logger, "failed to get feedback", err)
		return
	}
	if item == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "feedback item not found"})
		return
	}
	c.JSON(http.StatusOK, item)
}

type overrideCategoryRequest struct {
	Category string `json:"category" binding:"required,max=100"`
}

// OverrideCategory handles PATCH /v1/feedback/:id/category. It records a
// reviewer's category and leaves processing state alone.
func (h *FeedbackHandler) OverrideCategory(c *gin.Context) {
	itemID, ok := parseID(c)
	if !ok {
		return
	}
	var req overrideCategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	category := strings.ToLower(strings.TrimSpace(req.Category))
	if category == "" {
		respondError(c, h.logger, "", pipeline.Invalid("category", "is required"))
		return
	}

	item, err := h.repo.OverrideCategory(c.Request.Context(), middleware.GetWorkspaceID(c), itemID, category, h.clock.Now())
	if err != nil {
		respondError(c, h.logger, "failed to override category", err)
		return
	}
	if item == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "feedback item not found"})
		return
	}
	c.JSON(http.StatusOK, item)
}

// Requeue handles POST /v1/feedback/:id/requeue.
func (h *FeedbackHandler) Requeue(c *gin.Context) {
	itemID, ok := parseID(c)
	if !ok {
		return
	}

	jobs, err := h.requeuer.Requeue(c.Request.Context(), middleware.GetWorkspaceID(c), itemID)
	if err != nil {
		respondError(c, h.logger, "failed to requeue feedback", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobs": jobs})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}
