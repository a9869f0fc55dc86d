package worker

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/queue"
	"github.com/lalith-99/insightops/internal/repository"
)

// Requeuer re-enqueues enrichment for items that ended without being
// processed, e.g. after an outage or a raised plan limit.
type Requeuer struct {
	feedback repository.FeedbackRepository
	queue    *queue.Queue
	jobTypes []models.JobType
}

func NewRequeuer(feedback repository.FeedbackRepository, q *queue.Queue, jobTypes []models.JobType) *Requeuer {
	if len(jobTypes) == 0 {
		jobTypes = []models.JobType{models.JobComposite}
	}
	return &Requeuer{feedback: feedback, queue: q, jobTypes: jobTypes}
}

// Requeue creates fresh pending jobs. It returns pipeline.ErrNotFound for
// unknown items, a validation error for processed ones and
// pipeline.ErrJobsActive while earlier jobs are still pending or processing.
func (r *Requeuer) Requeue(ctx context.Context, workspaceID, itemID uuid.UUID) ([]models.AIAnalysisJob, error) {
	item, err := r.feedback.GetByID(ctx, workspaceID, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, pipeline.ErrNotFound
	}
	if item.IsProcessed {
		return nil, pipeline.Invalid("feedback_item_id", "is already processed")
	}
	return r.queue.Enqueue(ctx, workspaceID, itemID, r.jobTypes)
}
