// Package queue applies retry and visibility-timeout policy on top of the
// job repository.
package queue

import (
	"context"
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

type Config struct {
	// MaxRetries is how many retryable failures a job survives. Attempts are
	// counted at claim time, so the (MaxRetries+1)th failure is terminal.
	MaxRetries int
	// VisibilityTimeout is how long a claimed job may stay processing before
	// the reaper hands it out again.
	VisibilityTimeout time.Duration
	// PollInterval paces WaitClaim while the queue is empty.
	PollInterval time.Duration
	// BaseBackoff is the wait after a job's first retryable failure. It
	// doubles per attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BaseBackoff < 0 {
		c.BaseBackoff = 0
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

func (c Config) backoff() repository.Backoff {
	return repository.Backoff{Base: c.BaseBackoff, Max: c.MaxBackoff}
}

// Outcome of Fail.
type FailOutcome string

const (
	FailRequeued FailOutcome = "requeued"
	FailTerminal FailOutcome = "failed"
)

type Queue struct {
	jobs    repository.JobRepository
	cfg     Config
	clock   clock.Clock
	metrics *observ.Metrics
	logger  *zap.Logger
}

func New(jobs repository.JobRepository, cfg Config, clk clock.Clock, metrics *observ.Metrics, logger *zap.Logger) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	if metrics == nil {
		metrics = observ.Default()
	}
	return &Queue{
		jobs:    jobs,
		cfg:     cfg.withDefaults(),
		clock:   clk,
		metrics: metrics,
		logger:  logger.Named("queue"),
	}
}

func (q *Queue) Config() Config {
	return q.cfg
}

// Claim hands out up to limit pending jobs, oldest first. jobType nil means
// any type.
func (q *Queue) Claim(ctx context.Context, jobType *models.JobType, limit int) ([]models.AIAnalysisJob, error) {
	jobs, err := q.jobs.Claim(ctx, jobType, limit, q.clock.Now())
	if err != nil {
		return nil, err
	}
	if len(jobs) > 0 {
		q.transition(models.JobPending, models.JobProcessing, len(jobs))
	}
	return jobs, nil
}

// WaitClaim polls until at least one job is claimed or ctx ends.
func (q *Queue) WaitClaim(ctx context.Context, jobType *models.JobType, limit int) ([]models.AIAnalysisJob, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		jobs, err := q.Claim(ctx, jobType, limit)
		if err != nil || len(jobs) > 0 {
			return jobs, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Complete records the job's output. A job that is not processing is a
// coordination bug and reported as pipeline.ErrConsistency.
func (q *Queue) Complete(ctx context.Context, job models.AIAnalysisJob, output map[string]any) error {
	ok, err := q.jobs.Complete(ctx, job.ID, output, q.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return q.consistency(ctx, job, "complete")
	}
	q.transition(models.JobProcessing, models.JobCompleted, 1)
	return nil
}

// Fail requeues a retryable failure while attempts remain, delayed by the
// backoff for the attempts spent so far, and marks the job failed otherwise.
func (q *Queue) Fail(ctx context.Context, job models.AIAnalysisJob, cause error, retryable bool) (FailOutcome, error) {
	message := cause.Error()

	if retryable && job.Attempts <= q.cfg.MaxRetries {
		delay := q.cfg.backoff().Delay(job.Attempts)
		ok, err := q.jobs.Requeue(ctx, job.ID, message, false, q.clock.Now().Add(delay))
		if err != nil {
			return "", err
		}
		if !ok {
			return "", q.consistency(ctx, job, "requeue")
		}
		q.transition(models.JobProcessing, models.JobPending, 1)
		q.logger.Warn("job requeued",
			zap.String("job_id", job.ID.String()),
			zap.String("feedback_item_id", job.FeedbackItemID.String()),
			zap.Int("attempts", job.Attempts),
			zap.Duration("retry_in", delay),
			zap.Error(cause),
		)
		return FailRequeued, nil
	}

	ok, err := q.jobs.Fail(ctx, job.ID, message, q.clock.Now())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", q.consistency(ctx, job, "fail")
	}
	q.transition(models.JobProcessing, models.JobFailed, 1)
	q.logger.Error("job failed",
		zap.String("job_id", job.ID.String()),
		zap.String("workspace_id", job.WorkspaceID.String()),
		zap.String("feedback_item_id", job.FeedbackItemID.String()),
		zap.String("job_type", string(job.JobType)),
		zap.Int("attempts", job.Attempts),
		zap.Bool("retryable", retryable),
		zap.Error(cause),
	)
	return FailTerminal, nil
}

// Defer puts a job back without spending an attempt, claimable again after
// delay. Used when the job never reached the enricher, e.g. on a rate limit
// denial.
func (q *Queue) Defer(ctx context.Context, job models.AIAnalysisJob, reason string, delay time.Duration) error {
	ok, err := q.jobs.Requeue(ctx, job.ID, reason, true, q.clock.Now().Add(max(delay, 0)))
	if err != nil {
		return err
	}
	if !ok {
		return q.consistency(ctx, job, "defer")
	}
	q.transition(models.JobProcessing, models.JobPending, 1)
	return nil
}

// ReapStale returns jobs stuck in processing past the visibility timeout.
func (q *Queue) ReapStale(ctx context.Context) (*repository.ReapResult, error) {
	now := q.clock.Now()
	result, err := q.jobs.ReapStale(ctx, now.Add(-q.cfg.VisibilityTimeout), q.cfg.MaxRetries, now, q.cfg.backoff())
	if err != nil {
		return nil, err
	}
	q.transition(models.JobProcessing, models.JobPending, len(result.Requeued))
	q.transition(models.JobProcessing, models.JobFailed, len(result.Failed))
	for _, j := range result.Failed {
		q.logger.Error("stale job exhausted retries",
			zap.String("job_id", j.ID.String()),
			zap.String("feedback_item_id", j.FeedbackItemID.String()),
			zap.Int("attempts", j.Attempts),
		)
	}
	return result, nil
}

// Enqueue adds fresh jobs for an item whose previous jobs are all terminal.
func (q *Queue) Enqueue(ctx context.Context, workspaceID, itemID uuid.UUID, jobTypes []models.JobType) ([]models.AIAnalysisJob, error) {
	return q.jobs.CreateForItem(ctx, workspaceID, itemID, jobTypes, q.clock.Now())
}

func (q *Queue) consistency(ctx context.Context, job models.AIAnalysisJob, op string) error {
	q.metrics.ConsistencyViolations.Inc()

	state := "missing"
	if current, err := q.jobs.GetByID(ctx, job.ID); err == nil && current != nil {
		state = string(current.Status)
	}
	q.logger.Error("job transition from unexpected state",
		zap.String("op", op),
		zap.String("job_id", job.ID.String()),
		zap.String("workspace_id", job.WorkspaceID.String()),
		zap.String("feedback_item_id", job.FeedbackItemID.String()),
		zap.String("current_status", state),
	)
	return fmt.Errorf("%s job %s in status %s: %w", op, job.ID, state, pipeline.ErrConsistency)
}

func (q *Queue) transition(from, to models.JobStatus, n int) {
	if n == 0 {
		return
	}
	q.metrics.QueueTransitions.WithLabelValues(string(from), string(to)).Add(float64(n))
}
