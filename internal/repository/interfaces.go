package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/models"
)

// Every method that coordinates components (dedup, claim, counter
// increment) is a single atomic operation in the backing store. Callers
// never compose read-then-write sequences themselves, since the API and
// worker processes run as independent replicas.
//
// Getters return nil, nil when the row does not exist.

// WorkspaceRepository owns workspaces, their plan limits and their usage
// counters.
type WorkspaceRepository interface {
	CreatePlan(ctx context.Context, plan *models.SubscriptionPlan) (*models.SubscriptionPlan, error)
	Create(ctx context.Context, ws *models.Workspace) (*models.Workspace, error)
	GetByID(ctx context.Context, workspaceID uuid.UUID) (*models.Workspace, error)
	List(ctx context.Context) ([]models.Workspace, error)

	// Plan returns the workspace's plan, or nil when none is attached.
	Plan(ctx context.Context, workspaceID uuid.UUID) (*models.SubscriptionPlan, error)

	// ReserveFeedbackSlot increments current_feedback_count unless the plan
	// cap is reached, in which case it returns a *pipeline.LimitError.
	ReserveFeedbackSlot(ctx context.Context, workspaceID uuid.UUID) error

	// ReserveAIQuota rolls the monthly counter over when now is in a later
	// month than last_reset_date, then increments it unless the plan cap is
	// reached (*pipeline.LimitError). Rollover and increment share one lock.
	ReserveAIQuota(ctx context.Context, workspaceID uuid.UUID, now time.Time) error

	// ReleaseAIQuota returns one reservation. Never drops below zero.
	ReleaseAIQuota(ctx context.Context, workspaceID uuid.UUID) error

	// Delete removes the workspace and every child row in one transaction.
	Delete(ctx context.Context, workspaceID uuid.UUID) error
}

type IntegrationRepository interface {
	Create(ctx context.Context, in *models.Integration) (*models.Integration, error)
	GetByID(ctx context.Context, integrationID uuid.UUID) (*models.Integration, error)
	// RecordSync bumps total_items_synced and stamps last_sync_at.
	RecordSync(ctx context.Context, integrationID uuid.UUID, items int, syncErr *string, now time.Time) error
}

// CreateResult is what CreateWithJobs produced. When Duplicate is set, Item
// is the pre-existing row and Jobs is empty.
type CreateResult struct {
	Item      *models.FeedbackItem
	Jobs      []models.AIAnalysisJob
	Duplicate bool
}

// ListFilter narrows FeedbackRepository.List. Zero values mean "any".
type ListFilter struct {
	Processed *bool
	Before    *time.Time
	Limit     int
}

type FeedbackRepository interface {
	// CreateWithJobs is the ingestion transaction: dedup lookup on the
	// natural key, feedback slot reservation, item insert and one pending
	// job per job type. Either all of it is visible or none of it is.
	CreateWithJobs(ctx context.Context, item *models.FeedbackItem, jobTypes []models.JobType, now time.Time) (*CreateResult, error)

	GetByID(ctx context.Context, workspaceID, itemID uuid.UUID) (*models.FeedbackItem, error)
	FindByNaturalKey(ctx context.Context, workspaceID uuid.UUID, externalID string, source models.SourceType) (*models.FeedbackItem, error)
	List(ctx context.Context, workspaceID uuid.UUID, filter ListFilter) ([]models.FeedbackItem, error)

	// ListProcessedBetween returns processed items created in [from, to)
	// from a single point-in-time read.
	ListProcessedBetween(ctx context.Context, workspaceID uuid.UUID, from, to time.Time) ([]models.FeedbackItem, error)

	// ApplyEnrichment writes the non-nil fields of patch.
	ApplyEnrichment(ctx context.Context, workspaceID, itemID uuid.UUID, patch models.EnrichmentPatch, now time.Time) error
	RecordError(ctx context.Context, workspaceID, itemID uuid.UUID, message string, now time.Time) error

	// FinalizeIfDone flips is_processed when every job of the item is
	// terminal and at least one completed. Returns true only on the call
	// that performed the flip.
	FinalizeIfDone(ctx context.Context, workspaceID, itemID uuid.UUID, now time.Time) (bool, error)

	OverrideCategory(ctx context.Context, workspaceID, itemID uuid.UUID, category string, now time.Time) (*models.FeedbackItem, error)
}

// maxBackoffDoublings bounds the exponent so the delay cannot overflow.
const maxBackoffDoublings = 20

// Backoff spaces out retries of one job: Base after the first attempt,
// doubling per attempt, capped at Max. A zero Base disables the delay and a
// zero Max leaves it uncapped.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay is the wait before the next claim of a job that has been claimed
// attempts times.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base << min(max(attempts-1, 0), maxBackoffDoublings)
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// MaxDelay is the longest Delay can return.
func (b Backoff) MaxDelay() time.Duration {
	return b.Delay(maxBackoffDoublings + 1)
}

// ReapResult lists the jobs a reaper pass moved out of processing.
type ReapResult struct {
	Requeued []models.AIAnalysisJob
	Failed   []models.AIAnalysisJob
}

type JobRepository interface {
	// Claim moves up to limit pending jobs whose available_at has passed,
	// oldest first, to processing,
	// stamping started_at and incrementing attempts. Concurrent callers never
	// receive the same job, and no item gets a second processing job.
	Claim(ctx context.Context, jobType *models.JobType, limit int, now time.Time) ([]models.AIAnalysisJob, error)

	GetByID(ctx context.Context, jobID uuid.UUID) (*models.AIAnalysisJob, error)
	ListByItem(ctx context.Context, itemID uuid.UUID) ([]models.AIAnalysisJob, error)

	// The transitions below only apply to jobs in processing; they report
	// false, nil when the job was in any other state.
	Complete(ctx context.Context, jobID uuid.UUID, output map[string]any, now time.Time) (bool, error)
	Fail(ctx context.Context, jobID uuid.UUID, message string, now time.Time) (bool, error)
	// Requeue puts the job back to pending, claimable from availableAt.
	// refund undoes the attempt counted by Claim.
	Requeue(ctx context.Context, jobID uuid.UUID, message string, refund bool, availableAt time.Time) (bool, error)

	// ReapStale handles jobs processing since before cutoff: back to pending
	// while attempts <= maxRetries, delayed by backoff, failed otherwise.
	ReapStale(ctx context.Context, cutoff time.Time, maxRetries int, now time.Time, backoff Backoff) (*ReapResult, error)

	// CreateForItem adds fresh pending jobs for an item whose jobs are all
	// terminal. Returns pipeline.ErrJobsActive otherwise.
	CreateForItem(ctx context.Context, workspaceID, itemID uuid.UUID, jobTypes []models.JobType, now time.Time) ([]models.AIAnalysisJob, error)
}

type WebhookRepository interface {
	// Record stores an inbound delivery. With a webhook id, a repeat
	// delivery bumps delivery_count on the existing row and reports
	// duplicate=true; the row's processed state is never reset.
	Record(ctx context.Context, ev *models.WebhookEvent) (stored *models.WebhookEvent, duplicate bool, err error)

	GetByID(ctx context.Context, eventID uuid.UUID) (*models.WebhookEvent, error)

	// ClaimPending leases up to limit unprocessed, not permanently failed
	// events of one integration in arrival order. Leased events are hidden
	// from other drainers until leaseUntil.
	ClaimPending(ctx context.Context, integrationID uuid.UUID, limit int, now, leaseUntil time.Time) ([]models.WebhookEvent, error)

	MarkProcessed(ctx context.Context, eventID uuid.UUID, feedbackItemID *uuid.UUID, now time.Time) error

	// MarkFailed increments retry_count and records the error. When
	// permanent is set, or retry_count reaches maxRetries, the event is
	// flagged permanently failed; the returned bool reports that.
	MarkFailed(ctx context.Context, eventID uuid.UUID, message string, maxRetries int, permanent bool) (bool, error)

	// IntegrationsWithPending lists integrations that have drainable events.
	IntegrationsWithPending(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

type UsageRepository interface {
	// Increment upserts the (workspace, day) row.
	Increment(ctx context.Context, workspaceID uuid.UUID, day time.Time, delta models.UsageDelta) error
	List(ctx context.Context, workspaceID uuid.UUID, from, to time.Time) ([]models.UsageTracking, error)
}

type SnapshotRepository interface {
	// Insert stores a new snapshot. Returns pipeline.ErrSnapshotExists when
	// the (workspace, period_start, period_type) slot is taken.
	Insert(ctx context.Context, snap *models.InsightsSnapshot) error
	Get(ctx context.Context, workspaceID uuid.UUID, periodStart time.Time, periodType models.PeriodType) (*models.InsightsSnapshot, error)
	List(ctx context.Context, workspaceID uuid.UUID, periodType *models.PeriodType, limit int) ([]models.InsightsSnapshot, error)
}

// Store bundles one backend's repositories.
type Store struct {
	Workspaces   WorkspaceRepository
	Integrations IntegrationRepository
	Feedback     FeedbackRepository
	Jobs         JobRepository
	Webhooks     WebhookRepository
	Usage        UsageRepository
	Snapshots    SnapshotRepository
}
