// Package repotest holds behavioural tests shared by every repository
// backend. Each backend's test file calls Run with a constructor.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewStore returns an empty (or isolated) backend for one subtest.
type NewStore func(t *testing.T) *repository.Store

var base = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func Run(t *testing.T, newStore NewStore) {
	tests := []struct {
		name string
		fn   func(t *testing.T, st *repository.Store)
	}{
		{"dedup on natural key", testDedup},
		{"no external id never dedups", testNoExternalID},
		{"feedback cap", testFeedbackCap},
		{"feedback cap under concurrency", testFeedbackCapConcurrent},
		{"claim never hands out a job twice", testClaimExclusive},
		{"one processing job per item", testOneProcessingPerItem},
		{"guarded transitions", testGuardedTransitions},
		{"requeue refund", testRequeueRefund},
		{"reap stale", testReapStale},
		{"requeued jobs wait out their backoff", testRequeueBackoff},
		{"ai quota monthly reset", testAIQuotaReset},
		{"finalize if done", testFinalize},
		{"create for item", testCreateForItem},
		{"enrichment patch keeps prior fields", testApplyEnrichment},
		{"webhook record and lease", testWebhookLease},
		{"webhook mark failed", testWebhookMarkFailed},
		{"usage upsert", testUsage},
		{"snapshot uniqueness", testSnapshot},
		{"delete workspace", testDeleteWorkspace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newWorkspace(t *testing.T, st *repository.Store, maxItems, aiLimit int) *models.Workspace {
	t.Helper()
	ctx := context.Background()

	plan, err := st.Workspaces.CreatePlan(ctx, &models.SubscriptionPlan{
		Name:             "plan-" + uuid.NewString()[:8],
		MaxFeedbackItems: maxItems,
		AIAnalysisLimit:  aiLimit,
	})
	require.NoError(t, err)

	ws, err := st.Workspaces.Create(ctx, &models.Workspace{
		Name:               "acme",
		SubscriptionPlanID: &plan.ID,
		LastResetDate:      models.Day(base),
	})
	require.NoError(t, err)
	return ws
}

func feedback(ws *models.Workspace, externalID string) *models.FeedbackItem {
	item := &models.FeedbackItem{
		WorkspaceID: ws.ID,
		SourceType:  models.SourceZendesk,
		RawContent:  "checkout keeps timing out",
	}
	if externalID != "" {
		item.ExternalID = &externalID
	}
	return item
}

func create(t *testing.T, st *repository.Store, ws *models.Workspace, externalID string, jobTypes ...models.JobType) *repository.CreateResult {
	t.Helper()
	return createAt(t, st, ws, externalID, base, jobTypes...)
}

func createAt(t *testing.T, st *repository.Store, ws *models.Workspace, externalID string, now time.Time, jobTypes ...models.JobType) *repository.CreateResult {
	t.Helper()
	if len(jobTypes) == 0 {
		jobTypes = []models.JobType{models.JobComposite}
	}
	res, err := st.Feedback.CreateWithJobs(context.Background(), feedback(ws, externalID), jobTypes, now)
	require.NoError(t, err)
	return res
}

func testDedup(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)

	first := create(t, st, ws, "T-1")
	require.False(t, first.Duplicate)
	require.Len(t, first.Jobs, 1)

	second := create(t, st, ws, "T-1")
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Item.ID, second.Item.ID)
	assert.Empty(t, second.Jobs)

	got, err := st.Workspaces.GetByID(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentFeedbackCount)

	jobs, err := st.Jobs.ListByItem(ctx, first.Item.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func testNoExternalID(t *testing.T, st *repository.Store) {
	ws := newWorkspace(t, st, 0, 0)

	a := create(t, st, ws, "")
	b := create(t, st, ws, "")
	assert.False(t, a.Duplicate)
	assert.False(t, b.Duplicate)
	assert.NotEqual(t, a.Item.ID, b.Item.ID)
}

func testFeedbackCap(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 2, 0)

	create(t, st, ws, "a")
	create(t, st, ws, "b")

	_, err := st.Feedback.CreateWithJobs(ctx, feedback(ws, "c"), []models.JobType{models.JobComposite}, base)
	var limitErr *pipeline.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, pipeline.ResourceFeedbackItems, limitErr.Resource)
	assert.Equal(t, 2, limitErr.Limit)
	assert.ErrorIs(t, err, pipeline.ErrLimitExceeded)

	missing, err := st.Feedback.FindByNaturalKey(ctx, ws.ID, "c", models.SourceZendesk)
	require.NoError(t, err)
	assert.Nil(t, missing)

	got, err := st.Workspaces.GetByID(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentFeedbackCount)

	// Duplicates at the cap are still answered.
	dup := create(t, st, ws, "a")
	assert.True(t, dup.Duplicate)
}

func testFeedbackCapConcurrent(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 5, 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		limited int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Feedback.CreateWithJobs(ctx, feedback(ws, uuid.NewString()), []models.JobType{models.JobComposite}, base)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, pipeline.ErrLimitExceeded):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, created)
	assert.Equal(t, 15, limited)

	got, err := st.Workspaces.GetByID(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.CurrentFeedbackCount)
}

func testClaimExclusive(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)
	for i := 0; i < 12; i++ {
		create(t, st, ws, uuid.NewString())
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uuid.UUID]int)
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := st.Jobs.Claim(ctx, nil, 3, base)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 12)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func testOneProcessingPerItem(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)
	res := create(t, st, ws, "multi", models.JobSentiment, models.JobCategorization)
	require.Len(t, res.Jobs, 2)

	first, err := st.Jobs.Claim(ctx, nil, 10, base)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, models.JobProcessing, first[0].Status)
	assert.Equal(t, 1, first[0].Attempts)
	require.NotNil(t, first[0].StartedAt)

	none, err := st.Jobs.Claim(ctx, nil, 10, base)
	require.NoError(t, err)
	assert.Empty(t, none)

	ok, err := st.Jobs.Complete(ctx, first[0].ID, map[string]any{"ok": true}, base)
	require.NoError(t, err)
	require.True(t, ok)

	second, err := st.Jobs.Claim(ctx, nil, 10, base)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func testGuardedTransitions(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)
	res := create(t, st, ws, "guard")
	jobID := res.Jobs[0].ID

	ok, err := st.Jobs.Complete(ctx, jobID, nil, base)
	require.NoError(t, err)
	assert.False(t, ok, "pending job must not complete")

	claimed, err := st.Jobs.Claim(ctx, nil, 1, base)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ok, err = st.Jobs.Fail(ctx, jobID, "boom", base)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.Jobs.Complete(ctx, jobID, nil, base)
	require.NoError(t, err)
	assert.False(t, ok, "failed job must not complete")

	job, err := st.Jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "boom", *job.ErrorMessage)
}

func testRequeueRefund(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)
	res := create(t, st, ws, "refund")
	jobID := res.Jobs[0].ID

	_, err := st.Jobs.Claim(ctx, nil, 1, base)
	require.NoError(t, err)
	ok, err := st.Jobs.Requeue(ctx, jobID, "rate limited", true, base)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := st.Jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Nil(t, job.StartedAt)

	_, err = st.Jobs.Claim(ctx, nil, 1, base)
	require.NoError(t, err)
	ok, err = st.Jobs.Requeue(ctx, jobID, "transient", false, base)
	require.NoError(t, err)
	require.True(t, ok)

	job, err = st.Jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
}

func testReapStale(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)
	longAgo := base.Add(-time.Hour)
	stale := createAt(t, st, ws, "stale", longAgo)
	exhausted := createAt(t, st, ws, "exhausted", longAgo)

	// Three abandoned attempts for exhausted; stale gets its attempts refunded.
	for i := 0; i < 3; i++ {
		claimed, err := st.Jobs.Claim(ctx, nil, 2, longAgo)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		_, err = st.Jobs.Requeue(ctx, stale.Jobs[0].ID, "", true, longAgo)
		require.NoError(t, err)
		_, err = st.Jobs.ReapStale(ctx, base, 10, longAgo, repository.Backoff{})
		require.NoError(t, err)
	}

	claimed, err := st.Jobs.Claim(ctx, nil, 2, longAgo)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	fresh := create(t, st, ws, "fresh")
	claimedFresh, err := st.Jobs.Claim(ctx, nil, 1, base)
	require.NoError(t, err)
	require.Len(t, claimedFresh, 1)
	require.Equal(t, fresh.Jobs[0].ID, claimedFresh[0].ID)

	result, err := st.Jobs.ReapStale(ctx, base.Add(-time.Minute), 3, base, repository.Backoff{Base: time.Minute})
	require.NoError(t, err)

	requeued := ids(result.Requeued)
	failed := ids(result.Failed)
	assert.Equal(t, []uuid.UUID{stale.Jobs[0].ID}, requeued)
	assert.Equal(t, []uuid.UUID{exhausted.Jobs[0].ID}, failed)

	job, err := st.Jobs.GetByID(ctx, stale.Jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.WithinDuration(t, base.Add(time.Minute), job.AvailableAt, time.Millisecond)

	job, err = st.Jobs.GetByID(ctx, exhausted.Jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 4, job.Attempts)

	job, err = st.Jobs.GetByID(ctx, fresh.Jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, job.Status)
}

func testRequeueBackoff(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)
	res := create(t, st, ws, "backoff")
	jobID := res.Jobs[0].ID

	claimed, err := st.Jobs.Claim(ctx, nil, 1, base)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	ok, err := st.Jobs.Requeue(ctx, jobID, "enricher 503", false, base.Add(30*time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	none, err := st.Jobs.Claim(ctx, nil, 1, base.Add(29*time.Second))
	require.NoError(t, err)
	assert.Empty(t, none, "claimable before its backoff elapsed")

	retryAt := base.Add(30 * time.Second)
	claimed, err = st.Jobs.Claim(ctx, nil, 1, retryAt)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)

	// Reaped on the second attempt: 10s doubled once, capped at 15s.
	reapAt := retryAt.Add(time.Hour)
	result, err := st.Jobs.ReapStale(ctx, reapAt.Add(-time.Minute), 5, reapAt, repository.Backoff{Base: 10 * time.Second, Max: 15 * time.Second})
	require.NoError(t, err)
	require.Len(t, result.Requeued, 1)

	none, err = st.Jobs.Claim(ctx, nil, 1, reapAt.Add(14*time.Second))
	require.NoError(t, err)
	assert.Empty(t, none)

	claimed, err = st.Jobs.Claim(ctx, nil, 1, reapAt.Add(15*time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, jobID, claimed[0].ID)
}

func ids(jobs []models.AIAnalysisJob) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func testAIQuotaReset(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 2)

	require.NoError(t, st.Workspaces.ReserveAIQuota(ctx, ws.ID, base))
	require.NoError(t, st.Workspaces.ReserveAIQuota(ctx, ws.ID, base))

	err := st.Workspaces.ReserveAIQuota(ctx, ws.ID, base.Add(24*time.Hour))
	var limitErr *pipeline.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, pipeline.ResourceAIAnalyses, limitErr.Resource)

	nextMonth := time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, st.Workspaces.ReserveAIQuota(ctx, ws.ID, nextMonth))

	got, err := st.Workspaces.GetByID(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MonthlyAIAnalysisCount)
	assert.True(t, models.Day(nextMonth).Equal(got.LastResetDate.UTC()), "last reset %s", got.LastResetDate)

	// A second call in the same new month does not reset again.
	require.NoError(t, st.Workspaces.ReserveAIQuota(ctx, ws.ID, nextMonth.Add(time.Hour)))
	got, err = st.Workspaces.GetByID(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MonthlyAIAnalysisCount)

	require.NoError(t, st.Workspaces.ReleaseAIQuota(ctx, ws.ID))
	require.NoError(t, st.Workspaces.ReleaseAIQuota(ctx, ws.ID))
	require.NoError(t, st.Workspaces.ReleaseAIQuota(ctx, ws.ID))
	got, err = st.Workspaces.GetByID(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.MonthlyAIAnalysisCount)

	err = st.Workspaces.ReserveAIQuota(ctx, uuid.New(), base)
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}

func testFinalize(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)
	res := create(t, st, ws, "final", models.JobSentiment, models.JobSummary)

	done, err := st.Feedback.FinalizeIfDone(ctx, ws.ID, res.Item.ID, base)
	require.NoError(t, err)
	assert.False(t, done, "pending jobs remain")

	first, err := st.Jobs.Claim(ctx, nil, 5, base)
	require.NoError(t, err)
	require.Len(t, first, 1)
	_, err = st.Jobs.Fail(ctx, first[0].ID, "bad", base)
	require.NoError(t, err)

	done, err = st.Feedback.FinalizeIfDone(ctx, ws.ID, res.Item.ID, base)
	require.NoError(t, err)
	assert.False(t, done, "one job still pending")

	second, err := st.Jobs.Claim(ctx, nil, 5, base)
	require.NoError(t, err)
	require.Len(t, second, 1)
	_, err = st.Jobs.Complete(ctx, second[0].ID, nil, base)
	require.NoError(t, err)

	done, err = st.Feedback.FinalizeIfDone(ctx, ws.ID, res.Item.ID, base)
	require.NoError(t, err)
	assert.True(t, done)

	again, err := st.Feedback.FinalizeIfDone(ctx, ws.ID, res.Item.ID, base)
	require.NoError(t, err)
	assert.False(t, again, "only the first call flips")

	item, err := st.Feedback.GetByID(ctx, ws.ID, res.Item.ID)
	require.NoError(t, err)
	assert.True(t, item.IsProcessed)
	assert.NotNil(t, item.ProcessedAt)
}

func testCreateForItem(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)
	res := create(t, st, ws, "again")

	_, err := st.Jobs.CreateForItem(ctx, ws.ID, res.Item.ID, []models.JobType{models.JobComposite}, base)
	assert.ErrorIs(t, err, pipeline.ErrJobsActive)

	claimed, err := st.Jobs.Claim(ctx, nil, 1, base)
	require.NoError(t, err)
	_, err = st.Jobs.Fail(ctx, claimed[0].ID, "bad", base)
	require.NoError(t, err)

	jobs, err := st.Jobs.CreateForItem(ctx, ws.ID, res.Item.ID, []models.JobType{models.JobComposite}, base)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobPending, jobs[0].Status)

	_, err = st.Jobs.CreateForItem(ctx, ws.ID, uuid.New(), []models.JobType{models.JobComposite}, base)
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}

func testApplyEnrichment(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)
	res := create(t, st, ws, "patch")

	sentiment := models.SentimentNegative
	score := -0.8
	require.NoError(t, st.Feedback.ApplyEnrichment(ctx, ws.ID, res.Item.ID, models.EnrichmentPatch{
		Sentiment:      &sentiment,
		SentimentScore: &score,
		Keywords:       []string{"checkout"},
	}, base))

	category := "bug"
	priority := 7
	require.NoError(t, st.Feedback.ApplyEnrichment(ctx, ws.ID, res.Item.ID, models.EnrichmentPatch{
		PrimaryCategory: &category,
		PriorityScore:   &priority,
	}, base))

	item, err := st.Feedback.GetByID(ctx, ws.ID, res.Item.ID)
	require.NoError(t, err)
	require.NotNil(t, item.Sentiment)
	assert.Equal(t, models.SentimentNegative, *item.Sentiment)
	assert.Equal(t, []string{"checkout"}, item.Keywords)
	require.NotNil(t, item.PrimaryCategory)
	assert.Equal(t, "bug", *item.PrimaryCategory)
	assert.Equal(t, 7, item.PriorityScore)

	overridden, err := st.Feedback.OverrideCategory(ctx, ws.ID, res.Item.ID, "billing", base)
	require.NoError(t, err)
	assert.Equal(t, "billing", overridden.EffectiveCategory())
	assert.True(t, overridden.ReviewedByUser)
	assert.False(t, overridden.IsProcessed)
}

func newIntegration(t *testing.T, st *repository.Store, ws *models.Workspace) *models.Integration {
	t.Helper()
	in, err := st.Integrations.Create(context.Background(), &models.Integration{
		WorkspaceID: ws.ID,
		Type:        models.SourceZendesk,
		Name:        "support",
		IsActive:    true,
	})
	require.NoError(t, err)
	return in
}

func testWebhookLease(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)
	in := newIntegration(t, st, ws)

	record := func(webhookID string, at time.Time) *models.WebhookEvent {
		ev := &models.WebhookEvent{
			WorkspaceID:   ws.ID,
			IntegrationID: in.ID,
			EventType:     "ticket.created",
			Payload:       map[string]any{"id": webhookID},
			ReceivedAt:    at,
		}
		if webhookID != "" {
			ev.WebhookID = &webhookID
		}
		stored, dup, err := st.Webhooks.Record(ctx, ev)
		require.NoError(t, err)
		require.False(t, dup)
		return stored
	}

	first := record("w-1", base)
	second := record("w-2", base.Add(time.Second))
	third := record("", base.Add(2*time.Second))

	again, dup, err := st.Webhooks.Record(ctx, &models.WebhookEvent{
		WorkspaceID:   ws.ID,
		IntegrationID: in.ID,
		WebhookID:     first.WebhookID,
		EventType:     "ticket.created",
		Payload:       map[string]any{},
		ReceivedAt:    base.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 2, again.DeliveryCount)

	pending, err := st.Webhooks.IntegrationsWithPending(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{in.ID}, pending)

	batch, err := st.Webhooks.ClaimPending(ctx, in.ID, 2, base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, first.ID, batch[0].ID)
	assert.Equal(t, second.ID, batch[1].ID)

	// A live lease blocks other drainers of the same integration.
	blocked, err := st.Webhooks.ClaimPending(ctx, in.ID, 5, base, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, blocked)

	require.NoError(t, st.Webhooks.MarkProcessed(ctx, first.ID, nil, base))
	require.NoError(t, st.Webhooks.MarkProcessed(ctx, second.ID, nil, base))

	rest, err := st.Webhooks.ClaimPending(ctx, in.ID, 5, base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, third.ID, rest[0].ID)

	// An expired lease is reclaimable.
	reclaimed, err := st.Webhooks.ClaimPending(ctx, in.ID, 5, base.Add(2*time.Minute), base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	// Replayed delivery of a processed event stays processed.
	_, dup, err = st.Webhooks.Record(ctx, &models.WebhookEvent{
		WorkspaceID:   ws.ID,
		IntegrationID: in.ID,
		WebhookID:     first.WebhookID,
		EventType:     "ticket.created",
		Payload:       map[string]any{},
	})
	require.NoError(t, err)
	assert.True(t, dup)
	stored, err := st.Webhooks.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, 3, stored.DeliveryCount)
}

func testWebhookMarkFailed(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)
	in := newIntegration(t, st, ws)

	stored, _, err := st.Webhooks.Record(ctx, &models.WebhookEvent{
		WorkspaceID:   ws.ID,
		IntegrationID: in.ID,
		EventType:     "ticket.created",
		Payload:       map[string]any{},
		ReceivedAt:    base,
	})
	require.NoError(t, err)

	permanent, err := st.Webhooks.MarkFailed(ctx, stored.ID, "limit", 2, false)
	require.NoError(t, err)
	assert.False(t, permanent)

	permanent, err = st.Webhooks.MarkFailed(ctx, stored.ID, "limit", 2, false)
	require.NoError(t, err)
	assert.True(t, permanent)

	batch, err := st.Webhooks.ClaimPending(ctx, in.ID, 5, base, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, batch)

	other, _, err := st.Webhooks.Record(ctx, &models.WebhookEvent{
		WorkspaceID:   ws.ID,
		IntegrationID: in.ID,
		EventType:     "ticket.created",
		Payload:       map[string]any{},
		ReceivedAt:    base,
	})
	require.NoError(t, err)
	permanent, err = st.Webhooks.MarkFailed(ctx, other.ID, "bad payload", 5, true)
	require.NoError(t, err)
	assert.True(t, permanent)

	got, err := st.Webhooks.GetByID(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.ProcessingError)
	assert.Equal(t, "bad payload", *got.ProcessingError)
}

func testUsage(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)

	require.NoError(t, st.Usage.Increment(ctx, ws.ID, base, models.UsageDelta{FeedbackItemsProcessed: 1}))
	require.NoError(t, st.Usage.Increment(ctx, ws.ID, base.Add(time.Hour), models.UsageDelta{AIAnalysesRun: 1, AICostUSD: 0.25}))
	require.NoError(t, st.Usage.Increment(ctx, ws.ID, base.Add(48*time.Hour), models.UsageDelta{AIAnalysesRun: 1}))

	rows, err := st.Usage.List(ctx, ws.ID, base, base)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].FeedbackItemsProcessed)
	assert.Equal(t, 1, rows[0].AIAnalysesRun)
	assert.InDelta(t, 0.25, rows[0].AICostUSD, 0.0001)

	all, err := st.Usage.List(ctx, ws.ID, base, base.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testSnapshot(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)

	start := models.Day(base)
	snap := &models.InsightsSnapshot{
		WorkspaceID:        ws.ID,
		PeriodStart:        start,
		PeriodEnd:          start.AddDate(0, 0, 1),
		PeriodType:         models.PeriodDaily,
		TotalFeedbackCount: 3,
		SentimentBreakdown: map[string]int{"positive": 2, "negative": 1},
		CategoryBreakdown:  []models.CategoryCount{{Category: "bug", Count: 3}},
		TopIssues:          []models.TopIssue{{Category: "bug", Keyword: "checkout", Count: 2}},
		GeneratedAt:        base,
	}
	require.NoError(t, st.Snapshots.Insert(ctx, snap))
	assert.NotEqual(t, uuid.Nil, snap.ID)

	dup := *snap
	assert.ErrorIs(t, st.Snapshots.Insert(ctx, &dup), pipeline.ErrSnapshotExists)

	got, err := st.Snapshots.Get(ctx, ws.ID, start, models.PeriodDaily)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.TotalFeedbackCount)
	assert.Equal(t, 2, got.SentimentBreakdown["positive"])

	weekly := models.PeriodWeekly
	list, err := st.Snapshots.List(ctx, ws.ID, &weekly, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = st.Snapshots.List(ctx, ws.ID, nil, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testDeleteWorkspace(t *testing.T, st *repository.Store) {
	ctx := context.Background()
	ws := newWorkspace(t, st, 0, 0)
	res := create(t, st, ws, "gone")
	require.NoError(t, st.Usage.Increment(ctx, ws.ID, base, models.UsageDelta{FeedbackItemsProcessed: 1}))

	require.NoError(t, st.Workspaces.Delete(ctx, ws.ID))

	got, err := st.Workspaces.GetByID(ctx, ws.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	item, err := st.Feedback.GetByID(ctx, ws.ID, res.Item.ID)
	require.NoError(t, err)
	assert.Nil(t, item)

	job, err := st.Jobs.GetByID(ctx, res.Jobs[0].ID)
	require.NoError(t, err)
	assert.Nil(t, job)
}
