// Package ingest is the single entry point that turns raw feedback into a
// stored item with pending enrichment jobs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/clock"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/observ"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/repository"
	"go.uber.org/zap"
)

// MaxContentLength bounds raw_content after trimming.
const MaxContentLength = 50000

// Submission is one piece of feedback as received from any source.
type Submission struct {
	WorkspaceID   uuid.UUID         `json:"workspace_id"`
	IntegrationID *uuid.UUID        `json:"integration_id,omitempty"`
	SourceType    models.SourceType `json:"source_type" validate:"required,oneof=csv zendesk intercom webhook"`
	ExternalID    *string           `json:"external_id,omitempty" validate:"omitempty,max=255"`
	RawContent    string            `json:"raw_content" validate:"required,max=50000"`
	CustomerEmail *string           `json:"customer_email,omitempty" validate:"omitempty,email,max=255"`
	CustomerName  *string           `json:"customer_name,omitempty" validate:"omitempty,max=255"`
	SourceURL     *string           `json:"source_url,omitempty" validate:"omitempty,url,max=500"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

type Status string

const (
	StatusCreated   Status = "created"
	StatusDuplicate Status = "duplicate"
)

// Outcome describes an accepted submission. For a duplicate, Item is the
// pre-existing row and Jobs is empty.
type Outcome struct {
	Status Status
	Item   *models.FeedbackItem
	Jobs   []models.AIAnalysisJob
}

// Gate validates, deduplicates and persists submissions. The dedup lookup,
// the plan-cap reservation, the item and its jobs are one atomic write.
type Gate struct {
	feedback     repository.FeedbackRepository
	integrations repository.IntegrationRepository
	jobTypes     []models.JobType
	clock        clock.Clock
	metrics      *observ.Metrics
	logger       *zap.Logger
}

type GateConfig struct {
	// JobTypes is the enrichment plan for each new item. Empty means one
	// composite job.
	JobTypes []models.JobType
}

func NewGate(store *repository.Store, cfg GateConfig, clk clock.Clock, metrics *observ.Metrics, logger *zap.Logger) *Gate {
	jobTypes := cfg.JobTypes
	if len(jobTypes) == 0 {
		jobTypes = []models.JobType{models.JobComposite}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if metrics == nil {
		metrics = observ.Default()
	}
	return &Gate{
		feedback:     store.Feedback,
		integrations: store.Integrations,
		jobTypes:     jobTypes,
		clock:        clk,
		metrics:      metrics,
		logger:       logger.Named("ingest"),
	}
}

func (g *Gate) Submit(ctx context.Context, sub Submission) (*Outcome, error) {
	outcome, err := g.submit(ctx, sub)
	g.metrics.IngestSubmissions.WithLabelValues(string(sub.SourceType), outcomeLabel(outcome, err)).Inc()
	return outcome, err
}

func (g *Gate) submit(ctx context.Context, sub Submission) (*Outcome, error) {
	sub = normalize(sub)
	if err := g.check(ctx, sub); err != nil {
		return nil, err
	}

	item := &models.FeedbackItem{
		WorkspaceID:    sub.WorkspaceID,
		IntegrationID:  sub.IntegrationID,
		SourceType:     sub.SourceType,
		ExternalID:     sub.ExternalID,
		SourceURL:      sub.SourceURL,
		CustomerEmail:  sub.CustomerEmail,
		CustomerName:   sub.CustomerName,
		RawContent:     sub.RawContent,
		SourceMetadata: maps.Clone(sub.Metadata),
	}

	res, err := g.feedback.CreateWithJobs(ctx, item, g.jobTypes, g.clock.Now())
	if err != nil {
		return nil, err
	}

	if res.Duplicate {
		g.logger.Debug("duplicate submission",
			zap.String("workspace_id", sub.WorkspaceID.String()),
			zap.String("feedback_item_id", res.Item.ID.String()),
			zap.String("source_type", string(sub.SourceType)),
		)
		return &Outcome{Status: StatusDuplicate, Item: res.Item}, nil
	}

	g.logger.Info("feedback ingested",
		zap.String("workspace_id", sub.WorkspaceID.String()),
		zap.String("feedback_item_id", res.Item.ID.String()),
		zap.String("source_type", string(sub.SourceType)),
		zap.Int("jobs", len(res.Jobs)),
	)
	return &Outcome{Status: StatusCreated, Item: res.Item, Jobs: res.Jobs}, nil
}

func (g *Gate) check(ctx context.Context, sub Submission) error {
	if sub.WorkspaceID == uuid.Nil {
		return pipeline.Invalid("workspace_id", "is required")
	}
	if err := validateStruct(sub); err != nil {
		return err
	}
	if _, err := models.ParseSourceType(string(sub.SourceType)); err != nil {
		return pipeline.Invalid("source_type", err.Error())
	}
	if sub.IntegrationID == nil {
		return nil
	}

	in, err := g.integrations.GetByID(ctx, *sub.IntegrationID)
	if err != nil {
		return fmt.Errorf("load integration: %w", err)
	}
	if in == nil || in.WorkspaceID != sub.WorkspaceID {
		return pipeline.Invalid("integration_id", "does not belong to workspace")
	}
	return nil
}

// normalize trims text fields and turns blank optionals into nil.
func normalize(sub Submission) Submission {
	sub.RawContent = strings.TrimSpace(sub.RawContent)
	sub.SourceType = models.SourceType(strings.ToLower(strings.TrimSpace(string(sub.SourceType))))
	sub.ExternalID = trimOptional(sub.ExternalID)
	sub.CustomerEmail = trimOptional(sub.CustomerEmail)
	sub.CustomerName = trimOptional(sub.CustomerName)
	sub.SourceURL = trimOptional(sub.SourceURL)
	return sub
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func outcomeLabel(outcome *Outcome, err error) string {
	switch {
	case err == nil:
		return string(outcome.Status)
	case errors.Is(err, pipeline.ErrValidation):
		return "invalid"
	case errors.Is(err, pipeline.ErrLimitExceeded):
		return "limit_exceeded"
	default:
		return "error"
	}
}
