// Package worker runs enrichment jobs claimed from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/clock"
	"github.com/lalith-99/insightops/internal/enrich"
	"github.com/lalith-99/insightops/internal/events"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/observ"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/queue"
	"github.com/lalith-99/insightops/internal/ratelimit"
	"github.com/lalith-99/insightops/internal/repository"
	"github.com/lalith-99/insightops/internal/usage"
	"go.uber.org/zap"
)

// Error recorded on items whose workspace ran out of monthly analyses.
const aiLimitMessage = "ai analysis limit exceeded"

type Config struct {
	Concurrency int
	BatchSize   int
	// JobTimeout bounds one enricher call.
	JobTimeout time.Duration
	// JobType restricts the pool to one job type; nil takes any.
	JobType *models.JobType
	// CleanupTimeout bounds the store writes that settle a job after its
	// context was cancelled.
	CleanupTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Concurrency
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 5 * time.Second
	}
	return c
}

type Deps struct {
	Queue      *queue.Queue
	Feedback   repository.FeedbackRepository
	Workspaces repository.WorkspaceRepository
	Accountant *usage.Accountant
	Enricher   enrich.Enricher
	Limiter    ratelimit.Limiter
	Publisher  events.Publisher
	Clock      clock.Clock
	Metrics    *observ.Metrics
	Logger     *zap.Logger
}

// Pool claims jobs and runs up to Concurrency of them at once. It implements
// suture.Service.
type Pool struct {
	queue      *queue.Queue
	feedback   repository.FeedbackRepository
	workspaces repository.WorkspaceRepository
	accountant *usage.Accountant
	enricher   enrich.Enricher
	limiter    ratelimit.Limiter
	publisher  events.Publisher
	clock      clock.Clock
	metrics    *observ.Metrics
	logger     *zap.Logger
	cfg        Config
}

func NewPool(deps Deps, cfg Config) *Pool {
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.AllowAll{}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Metrics == nil {
		deps.Metrics = observ.Default()
	}
	return &Pool{
		queue:      deps.Queue,
		feedback:   deps.Feedback,
		workspaces: deps.Workspaces,
		accountant: deps.Accountant,
		enricher:   deps.Enricher,
		limiter:    deps.Limiter,
		publisher:  deps.Publisher,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		logger:     deps.Logger.Named("worker"),
		cfg:        cfg.withDefaults(),
	}
}

// Serve runs until ctx is cancelled, then waits for in-flight jobs to settle.
func (p *Pool) Serve(ctx context.Context) error {
	slots := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	p.logger.Info("worker pool started", zap.Int("concurrency", p.cfg.Concurrency), zap.Int("batch_size", p.cfg.BatchSize))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case slots <- struct{}{}:
		}
		free := 1
		for free < p.cfg.BatchSize {
			select {
			case slots <- struct{}{}:
				free++
				continue
			default:
			}
			break
		}

		jobs, err := p.queue.WaitClaim(ctx, p.cfg.JobType, free)
		for i := len(jobs); i < free; i++ {
			<-slots
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("claim jobs failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.queue.Config().PollInterval):
			}
			continue
		}

		for _, job := range jobs {
			wg.Add(1)
			go func(job models.AIAnalysisJob) {
				defer wg.Done()
				defer func() { <-slots }()
				p.Process(ctx, job)
			}(job)
		}
	}
}

// RunOnce claims one batch and processes it synchronously. It reports how
// many jobs were claimed.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	jobs, err := p.queue.Claim(ctx, p.cfg.JobType, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	var wg sync.WaitGroup
	slots := make(chan struct{}, p.cfg.Concurrency)
	for _, job := range jobs {
		wg.Add(1)
		slots <- struct{}{}
		go func(job models.AIAnalysisJob) {
			defer wg.Done()
			defer func() { <-slots }()
			p.Process(ctx, job)
		}(job)
	}
	wg.Wait()
	return len(jobs), nil
}

func (p *Pool) String() string { return "worker-pool" }

// Process runs one claimed job to a settled state: completed, failed, or
// back to pending.
func (p *Pool) Process(ctx context.Context, job models.AIAnalysisJob) {
	log := p.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("workspace_id", job.WorkspaceID.String()),
		zap.String("feedback_item_id", job.FeedbackItemID.String()),
		zap.String("job_type", string(job.JobType)),
		zap.Int("attempts", job.Attempts),
	)

	outcome, err := p.process(ctx, job, log)
	p.metrics.WorkerJobs.WithLabelValues(string(job.JobType), outcome).Inc()
	if err != nil {
		log.Error("job settlement failed", zap.String("outcome", outcome), zap.Error(err))
	}
}

func (p *Pool) process(ctx context.Context, job models.AIAnalysisJob, log *zap.Logger) (string, error) {
	item, err := p.feedback.GetByID(ctx, job.WorkspaceID, job.FeedbackItemID)
	if err != nil {
		return p.fail(ctx, job, fmt.Errorf("load feedback item: %w", err), true, log)
	}
	if item == nil {
		return p.fail(ctx, job, pipeline.Terminal(pipeline.ErrNotFound), false, log)
	}

	decision, err := p.limiter.Allow(ctx, job.WorkspaceID)
	if err != nil {
		log.Warn("rate limiter unavailable, proceeding", zap.Error(err))
	} else if !decision.Allowed {
		cleanup, cancel := p.cleanupContext(ctx)
		defer cancel()
		if err := p.queue.Defer(cleanup, job, "rate limited", decision.RetryAfter); err != nil {
			return "throttled", err
		}
		return "throttled", nil
	}

	if err := p.accountant.CheckAndReserveAIQuota(ctx, job.WorkspaceID); err != nil {
		if errors.Is(err, pipeline.ErrLimitExceeded) {
			return p.limited(ctx, job, err, log)
		}
		return p.fail(ctx, job, fmt.Errorf("reserve ai quota: %w", err), true, log)
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	start := p.clock.Now()
	result, err := p.enricher.Enrich(jobCtx, enrich.Request{
		WorkspaceID:    job.WorkspaceID,
		FeedbackItemID: job.FeedbackItemID,
		JobType:        job.JobType,
		Text:           item.RawContent,
		Tenant:         p.tenant(ctx, job.WorkspaceID, log),
	})
	cancel()
	elapsed := p.clock.Now().Sub(start).Seconds()

	if err != nil {
		p.metrics.EnrichDuration.WithLabelValues(string(job.JobType), "error").Observe(elapsed)
		cleanup, cancel := p.cleanupContext(ctx)
		defer cancel()
		if rerr := p.accountant.ReleaseAIQuota(cleanup, job.WorkspaceID); rerr != nil {
			log.Warn("release ai quota failed", zap.Error(rerr))
		}
		if rerr := p.feedback.RecordError(cleanup, job.WorkspaceID, job.FeedbackItemID, err.Error(), p.clock.Now()); rerr != nil {
			log.Warn("record processing error failed", zap.Error(rerr))
		}
		retryable := pipeline.Retryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		return p.fail(ctx, job, err, retryable, log)
	}
	p.metrics.EnrichDuration.WithLabelValues(string(job.JobType), "ok").Observe(elapsed)
	if result == nil {
		result = &enrich.Result{}
	}

	// The analysis ran; settle against the store even if ctx ends now.
	cleanup, cancelCleanup := p.cleanupContext(ctx)
	defer cancelCleanup()

	owned := result.Restrict(job.JobType)
	now := p.clock.Now()
	if err := p.feedback.ApplyEnrichment(cleanup, job.WorkspaceID, job.FeedbackItemID, owned.Patch(), now); err != nil {
		return p.fail(ctx, job, fmt.Errorf("apply enrichment: %w", err), true, log)
	}
	if err := p.accountant.RecordAIUsage(cleanup, job.WorkspaceID, owned.CostUSD); err != nil {
		log.Warn("record ai usage failed", zap.Error(err))
	}
	if err := p.queue.Complete(cleanup, job, owned.Output()); err != nil {
		return "inconsistent", err
	}

	flipped, err := p.feedback.FinalizeIfDone(cleanup, job.WorkspaceID, job.FeedbackItemID, now)
	if err != nil {
		return "completed", fmt.Errorf("finalize item: %w", err)
	}
	if flipped {
		if err := p.accountant.RecordFeedbackProcessed(cleanup, job.WorkspaceID); err != nil {
			log.Warn("record processed feedback failed", zap.Error(err))
		}
		p.publish(cleanup, events.Event{
			Type:           events.TypeFeedbackProcessed,
			WorkspaceID:    job.WorkspaceID,
			FeedbackItemID: &job.FeedbackItemID,
			JobID:          &job.ID,
			Sentiment:      owned.Sentiment,
			Category:       owned.Category,
			OccurredAt:     now,
		}, log)
	}
	log.Debug("job completed", zap.Bool("item_processed", flipped))
	return "completed", nil
}

// tenant loads the workspace's plan and status for the enricher. A failed
// lookup degrades to an empty context.
func (p *Pool) tenant(ctx context.Context, workspaceID uuid.UUID, log *zap.Logger) enrich.TenantContext {
	var tc enrich.TenantContext
	if p.workspaces == nil {
		return tc
	}
	ws, err := p.workspaces.GetByID(ctx, workspaceID)
	if err != nil {
		log.Warn("load workspace for tenant context failed", zap.Error(err))
		return tc
	}
	if ws != nil {
		tc.SubscriptionStatus = ws.SubscriptionStatus
	}
	plan, err := p.workspaces.Plan(ctx, workspaceID)
	if err != nil {
		log.Warn("load plan for tenant context failed", zap.Error(err))
		return tc
	}
	if plan != nil {
		tc.Plan = plan.Name
	}
	return tc
}

// limited fails the job without retry and leaves the item unprocessed.
func (p *Pool) limited(ctx context.Context, job models.AIAnalysisJob, cause error, log *zap.Logger) (string, error) {
	cleanup, cancel := p.cleanupContext(ctx)
	defer cancel()
	if err := p.feedback.RecordError(cleanup, job.WorkspaceID, job.FeedbackItemID, aiLimitMessage, p.clock.Now()); err != nil {
		log.Warn("record processing error failed", zap.Error(err))
	}
	if _, err := p.fail(ctx, job, cause, false, log); err != nil {
		return "limited", err
	}
	return "limited", nil
}

func (p *Pool) fail(ctx context.Context, job models.AIAnalysisJob, cause error, retryable bool, log *zap.Logger) (string, error) {
	cleanup, cancel := p.cleanupContext(ctx)
	defer cancel()

	outcome, err := p.queue.Fail(cleanup, job, cause, retryable)
	if err != nil {
		return "inconsistent", err
	}
	if outcome == queue.FailRequeued {
		return "requeued", nil
	}

	now := p.clock.Now()
	flipped, err := p.feedback.FinalizeIfDone(cleanup, job.WorkspaceID, job.FeedbackItemID, now)
	if err != nil {
		return "failed", fmt.Errorf("finalize item: %w", err)
	}
	if flipped {
		if err := p.accountant.RecordFeedbackProcessed(cleanup, job.WorkspaceID); err != nil {
			log.Warn("record processed feedback failed", zap.Error(err))
		}
	}
	msg := cause.Error()
	p.publish(cleanup, events.Event{
		Type:           events.TypeFeedbackFailed,
		WorkspaceID:    job.WorkspaceID,
		FeedbackItemID: &job.FeedbackItemID,
		JobID:          &job.ID,
		Error:          &msg,
		OccurredAt:     now,
	}, log)
	return "failed", nil
}

func (p *Pool) publish(ctx context.Context, ev events.Event, log *zap.Logger) {
	if err := p.publisher.Publish(ctx, ev); err != nil {
		log.Warn("publish event failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

func (p *Pool) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CleanupTimeout)
}
