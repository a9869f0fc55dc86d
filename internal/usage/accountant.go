// Package usage enforces plan limits and books daily usage.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/clock"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/observ"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/repository"
	"go.uber.org/zap"
)

// Accountant is the only writer of workspace usage counters.
//
// Reservations are delegated to single-statement repository operations so
// that concurrent API and worker replicas never exceed a cap and the
// monthly rollover happens once per calendar month.
type Accountant struct {
	workspaces repository.WorkspaceRepository
	usage      repository.UsageRepository
	clock      clock.Clock
	metrics    *observ.Metrics
	logger     *zap.Logger
}

func NewAccountant(workspaces repository.WorkspaceRepository, usage repository.UsageRepository, clk clock.Clock, metrics *observ.Metrics, logger *zap.Logger) *Accountant {
	if clk == nil {
		clk = clock.Real()
	}
	if metrics == nil {
		metrics = observ.Default()
	}
	return &Accountant{
		workspaces: workspaces,
		usage:      usage,
		clock:      clk,
		metrics:    metrics,
		logger:     logger.Named("usage"),
	}
}

// CheckAndReserveFeedbackSlot reserves one feedback item against the plan.
// The ingestion gate reserves inside its own transaction instead; this entry
// point serves callers that create items outside that path.
func (a *Accountant) CheckAndReserveFeedbackSlot(ctx context.Context, workspaceID uuid.UUID) error {
	err := a.workspaces.ReserveFeedbackSlot(ctx, workspaceID)
	a.observeLimit(workspaceID, err)
	return err
}

// CheckAndReserveAIQuota reserves one AI analysis for the current month.
func (a *Accountant) CheckAndReserveAIQuota(ctx context.Context, workspaceID uuid.UUID) error {
	err := a.workspaces.ReserveAIQuota(ctx, workspaceID, a.clock.Now())
	a.observeLimit(workspaceID, err)
	return err
}

// ReleaseAIQuota hands back a reservation whose analysis never ran.
func (a *Accountant) ReleaseAIQuota(ctx context.Context, workspaceID uuid.UUID) error {
	if err := a.workspaces.ReleaseAIQuota(ctx, workspaceID); err != nil {
		return fmt.Errorf("release ai quota: %w", err)
	}
	return nil
}

func (a *Accountant) RecordFeedbackProcessed(ctx context.Context, workspaceID uuid.UUID) error {
	return a.increment(ctx, workspaceID, models.UsageDelta{FeedbackItemsProcessed: 1})
}

func (a *Accountant) RecordAIUsage(ctx context.Context, workspaceID uuid.UUID, costUSD float64) error {
	return a.increment(ctx, workspaceID, models.UsageDelta{AIAnalysesRun: 1, AICostUSD: costUSD})
}

// Usage returns daily rows in [from, to], both days inclusive.
func (a *Accountant) Usage(ctx context.Context, workspaceID uuid.UUID, from, to time.Time) ([]models.UsageTracking, error) {
	if to.Before(from) {
		return nil, pipeline.Invalid("to", "must not be before from")
	}
	return a.usage.List(ctx, workspaceID, from, to)
}

func (a *Accountant) increment(ctx context.Context, workspaceID uuid.UUID, delta models.UsageDelta) error {
	if err := a.usage.Increment(ctx, workspaceID, a.clock.Now(), delta); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (a *Accountant) observeLimit(workspaceID uuid.UUID, err error) {
	var limitErr *pipeline.LimitError
	if !errors.As(err, &limitErr) {
		return
	}
	a.metrics.LimitRejections.WithLabelValues(limitErr.Resource).Inc()
	a.logger.Info("plan limit reached",
		zap.String("workspace_id", workspaceID.String()),
		zap.String("resource", limitErr.Resource),
		zap.Int("limit", limitErr.Limit),
		zap.Int("used", limitErr.Used),
	)
}
