package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/clock"
	"github.com/lalith-99/insightops/internal/enrich"
	"github.com/lalith-99/insightops/internal/events"
	"github.com/lalith-99/insightops/internal/ingest"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/observ"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/queue"
	"github.com/lalith-99/insightops/internal/ratelimit"
	"github.com/lalith-99/insightops/internal/repository"
	"github.com/lalith-99/insightops/internal/repository/memory"
	"github.com/lalith-99/insightops/internal/usage"
	"github.com/lalith-99/insightops/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type enricherFunc func(ctx context.Context, req enrich.Request) (*enrich.Result, error)

func (f enricherFunc) Enrich(ctx context.Context, req enrich.Request) (*enrich.Result, error) {
	return f(ctx, req)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, uuid.UUID) (*ratelimit.Result, error) {
	return &ratelimit.Result{Allowed: false, RetryAfter: time.Second}, nil
}

type harness struct {
	t        *testing.T
	store    *repository.Store
	clock    *clock.FakeClock
	metrics  *observ.Metrics
	gate     *ingest.Gate
	queue    *queue.Queue
	bus      *events.LocalBus
	account  *usage.Accountant
	ws       *models.Workspace
	jobTypes []models.JobType
}

type options struct {
	aiLimit  int
	jobTypes []models.JobType
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	clk := clock.NewFakeClock(time.Date(2026, time.June, 10, 9, 0, 0, 0, time.UTC))

	plan, err := store.Workspaces.CreatePlan(ctx, &models.SubscriptionPlan{Name: "team", AIAnalysisLimit: opts.aiLimit})
	require.NoError(t, err)
	ws, err := store.Workspaces.Create(ctx, &models.Workspace{Name: "acme", SubscriptionPlanID: &plan.ID, LastResetDate: clk.Now()})
	require.NoError(t, err)

	metrics := observ.NewMetrics(prometheus.NewRegistry())
	logger := zap.NewNop()
	return &harness{
		t:        t,
		store:    store,
		clock:    clk,
		metrics:  metrics,
		gate:     ingest.NewGate(store, ingest.GateConfig{JobTypes: opts.jobTypes}, clk, metrics, logger),
		queue:    queue.New(store.Jobs, queue.Config{MaxRetries: 3, PollInterval: 5 * time.Millisecond}, clk, metrics, logger),
		bus:      events.NewLocalBus(),
		account:  usage.NewAccountant(store.Workspaces, store.Usage, clk, metrics, logger),
		ws:       ws,
		jobTypes: opts.jobTypes,
	}
}

func (h *harness) pool(e enrich.Enricher, limiter ratelimit.Limiter) *worker.Pool {
	return h.poolN(e, limiter, 1)
}

func (h *harness) poolN(e enrich.Enricher, limiter ratelimit.Limiter, concurrency int) *worker.Pool {
	return worker.NewPool(worker.Deps{
		Queue:      h.queue,
		Feedback:   h.store.Feedback,
		Workspaces: h.store.Workspaces,
		Accountant: h.account,
		Enricher:   e,
		Limiter:    limiter,
		Publisher:  h.bus,
		Clock:      h.clock,
		Metrics:    h.metrics,
		Logger:     zap.NewNop(),
	}, worker.Config{Concurrency: concurrency, BatchSize: 10, JobTimeout: time.Second})
}

func (h *harness) submit(content string) *ingest.Outcome {
	h.t.Helper()
	out, err := h.gate.Submit(context.Background(), ingest.Submission{
		WorkspaceID: h.ws.ID,
		SourceType:  models.SourceWebhook,
		RawContent:  content,
	})
	require.NoError(h.t, err)
	return out
}

func (h *harness) item(id uuid.UUID) *models.FeedbackItem {
	h.t.Helper()
	item, err := h.store.Feedback.GetByID(context.Background(), h.ws.ID, id)
	require.NoError(h.t, err)
	require.NotNil(h.t, item)
	return item
}

func (h *harness) job(id uuid.UUID) *models.AIAnalysisJob {
	h.t.Helper()
	job, err := h.store.Jobs.GetByID(context.Background(), id)
	require.NoError(h.t, err)
	require.NotNil(h.t, job)
	return job
}

func (h *harness) workspace() *models.Workspace {
	h.t.Helper()
	ws, err := h.store.Workspaces.GetByID(context.Background(), h.ws.ID)
	require.NoError(h.t, err)
	return ws
}

func (h *harness) usageToday() models.UsageTracking {
	h.t.Helper()
	rows, err := h.account.Usage(context.Background(), h.ws.ID, h.clock.Now(), h.clock.Now())
	require.NoError(h.t, err)
	if len(rows) == 0 {
		return models.UsageTracking{}
	}
	require.Len(h.t, rows, 1)
	return rows[0]
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{})
	sub, cancel, err := h.bus.Subscribe(ctx, h.ws.ID)
	require.NoError(t, err)
	defer cancel()

	out := h.submit("The app crashes every time I export, totally broken")
	assert.False(t, h.item(out.Item.ID).IsProcessed)

	lexicon := enricherFunc(func(ctx context.Context, req enrich.Request) (*enrich.Result, error) {
		res, err := enrich.Lexicon{}.Enrich(ctx, req)
		if res != nil {
			res.CostUSD = 0.002
		}
		return res, err
	})
	n, err := h.pool(lexicon, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item := h.item(out.Item.ID)
	assert.True(t, item.IsProcessed)
	require.NotNil(t, item.ProcessedAt)
	require.NotNil(t, item.Sentiment)
	assert.Equal(t, models.SentimentNegative, *item.Sentiment)
	require.NotNil(t, item.PrimaryCategory)
	assert.Equal(t, "bug", *item.PrimaryCategory)
	assert.NotEmpty(t, item.Keywords)
	assert.Equal(t, 5, item.PriorityScore)
	assert.Nil(t, item.ProcessingError)

	job := h.job(out.Jobs[0].ID)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, "negative", job.OutputData["sentiment"])

	assert.Equal(t, 1, h.workspace().MonthlyAIAnalysisCount)
	row := h.usageToday()
	assert.Equal(t, 1, row.FeedbackItemsProcessed)
	assert.Equal(t, 1, row.AIAnalysesRun)
	assert.InDelta(t, 0.002, row.AICostUSD, 1e-9)

	select {
	case ev := <-sub:
		assert.Equal(t, events.TypeFeedbackProcessed, ev.Type)
		assert.Equal(t, out.Item.ID, *ev.FeedbackItemID)
	case <-time.After(time.Second):
		t.Fatal("no processed event")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WorkerJobs.WithLabelValues("composite", "completed")))
}

func TestEnricherReceivesTenantContext(t *testing.T) {
	h := newHarness(t, options{})
	h.submit("Billing page times out")

	var got enrich.Request
	capture := enricherFunc(func(ctx context.Context, req enrich.Request) (*enrich.Result, error) {
		got = req
		return &enrich.Result{}, nil
	})
	_, err := h.pool(capture, nil).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, h.ws.ID, got.WorkspaceID)
	assert.Equal(t, "Billing page times out", got.Text)
	assert.Equal(t, "team", got.Tenant.Plan)
	assert.Equal(t, h.workspace().SubscriptionStatus, got.Tenant.SubscriptionStatus)
}

func TestMultiJobPlanFinalizesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{jobTypes: []models.JobType{models.JobSentiment, models.JobCategorization, models.JobSummary}})
	out := h.submit("Love the new dashboard, it is fast and easy")
	require.Len(t, out.Jobs, 3)

	p := h.pool(enrich.Lexicon{}, nil)
	// One processing job per item, so each pass completes one job.
	for i := 0; i < 3; i++ {
		n, err := p.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		assert.Equal(t, i == 2, h.item(out.Item.ID).IsProcessed, "after job %d", i+1)
	}

	item := h.item(out.Item.ID)
	assert.Equal(t, models.SentimentPositive, *item.Sentiment)
	assert.Equal(t, "praise", *item.PrimaryCategory)
	assert.NotNil(t, item.AISummary)

	row := h.usageToday()
	assert.Equal(t, 1, row.FeedbackItemsProcessed)
	assert.Equal(t, 3, row.AIAnalysesRun)
	assert.Equal(t, 3, h.workspace().MonthlyAIAnalysisCount)
}

func TestTransientFailureRetriesAndReleasesQuota(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{aiLimit: 10})
	out := h.submit("Export is slow")

	var calls atomic.Int32
	flaky := enricherFunc(func(ctx context.Context, req enrich.Request) (*enrich.Result, error) {
		if calls.Add(1) == 1 {
			return nil, pipeline.Transient(errors.New("enricher returned 503"))
		}
		return enrich.Lexicon{}.Enrich(ctx, req)
	})
	p := h.pool(flaky, nil)

	_, err := p.RunOnce(ctx)
	require.NoError(t, err)
	job := h.job(out.Jobs[0].ID)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Zero(t, h.workspace().MonthlyAIAnalysisCount, "failed call hands its reservation back")
	item := h.item(out.Item.ID)
	require.NotNil(t, item.ProcessingError)
	assert.Contains(t, *item.ProcessingError, "503")

	_, err = p.RunOnce(ctx)
	require.NoError(t, err)
	item = h.item(out.Item.ID)
	assert.True(t, item.IsProcessed)
	assert.Nil(t, item.ProcessingError)
	assert.Equal(t, 2, h.job(out.Jobs[0].ID).Attempts)
	assert.Equal(t, 1, h.workspace().MonthlyAIAnalysisCount)
}

func TestRetriesExhaust(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{})
	out := h.submit("anything")

	down := enricherFunc(func(context.Context, enrich.Request) (*enrich.Result, error) {
		return nil, pipeline.Transient(errors.New("connection refused"))
	})
	p := h.pool(down, nil)
	for i := 0; i < 4; i++ {
		_, err := p.RunOnce(ctx)
		require.NoError(t, err)
	}

	job := h.job(out.Jobs[0].ID)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 4, job.Attempts)
	item := h.item(out.Item.ID)
	assert.False(t, item.IsProcessed)
	require.NotNil(t, item.ProcessingError)

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAILimitFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{aiLimit: 1})
	first := h.submit("first one is fine")
	second := h.submit("second one hits the cap")

	var calls atomic.Int32
	counting := enricherFunc(func(ctx context.Context, req enrich.Request) (*enrich.Result, error) {
		calls.Add(1)
		return enrich.Lexicon{}.Enrich(ctx, req)
	})
	_, err := h.pool(counting, nil).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, h.item(first.Item.ID).IsProcessed)

	blocked := h.item(second.Item.ID)
	assert.False(t, blocked.IsProcessed)
	require.NotNil(t, blocked.ProcessingError)
	assert.Equal(t, "ai analysis limit exceeded", *blocked.ProcessingError)
	assert.Equal(t, models.JobFailed, h.job(second.Jobs[0].ID).Status)
	assert.Equal(t, 1, h.workspace().MonthlyAIAnalysisCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WorkerJobs.WithLabelValues("composite", "limited")))
}

func TestAILimitResetsNextMonth(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{aiLimit: 1})
	h.submit("one")
	_, err := h.pool(enrich.Lexicon{}, nil).RunOnce(ctx)
	require.NoError(t, err)

	h.clock.Set(time.Date(2026, time.July, 1, 0, 5, 0, 0, time.UTC))
	out := h.submit("two")
	_, err = h.pool(enrich.Lexicon{}, nil).RunOnce(ctx)
	require.NoError(t, err)

	assert.True(t, h.item(out.Item.ID).IsProcessed)
	ws := h.workspace()
	assert.Equal(t, 1, ws.MonthlyAIAnalysisCount)
	assert.Equal(t, time.July, ws.LastResetDate.Month())
}

func TestRateLimitDenialRequeuesWithoutSpendingAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{})
	out := h.submit("hello")

	called := false
	e := enricherFunc(func(context.Context, enrich.Request) (*enrich.Result, error) {
		called = true
		return &enrich.Result{}, nil
	})
	_, err := h.pool(e, denyAll{}).RunOnce(ctx)
	require.NoError(t, err)

	assert.False(t, called)
	job := h.job(out.Jobs[0].ID)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Zero(t, job.Attempts)
	assert.Zero(t, h.workspace().MonthlyAIAnalysisCount)
}

func TestPartialCompletionStillProcesses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{jobTypes: []models.JobType{models.JobSentiment, models.JobSummary}})
	out := h.submit("Where is the invoice")

	e := enricherFunc(func(ctx context.Context, req enrich.Request) (*enrich.Result, error) {
		if req.JobType == models.JobSummary {
			return nil, pipeline.Terminal(errors.New("enricher returned 422"))
		}
		return enrich.Lexicon{}.Enrich(ctx, req)
	})
	p := h.pool(e, nil)
	for i := 0; i < 2; i++ {
		_, err := p.RunOnce(ctx)
		require.NoError(t, err)
	}

	item := h.item(out.Item.ID)
	assert.True(t, item.IsProcessed)
	assert.NotNil(t, item.Sentiment)
	assert.Nil(t, item.AISummary)
	assert.Equal(t, 1, h.usageToday().FeedbackItemsProcessed)
}

func TestEnrichmentNeverClearsPriorFields(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{jobTypes: []models.JobType{models.JobCategorization, models.JobSentiment}})
	out := h.submit("Please add dark mode")

	category, stale := "feature_request", "general"
	sentiment := models.SentimentNeutral
	e := enricherFunc(func(_ context.Context, req enrich.Request) (*enrich.Result, error) {
		// Each job keeps only the fields it owns.
		if req.JobType == models.JobCategorization {
			return &enrich.Result{Category: &category, Categories: []string{category}}, nil
		}
		return &enrich.Result{Sentiment: &sentiment, Category: &stale}, nil
	})
	p := h.pool(e, nil)
	for i := 0; i < 2; i++ {
		_, err := p.RunOnce(ctx)
		require.NoError(t, err)
	}

	item := h.item(out.Item.ID)
	require.NotNil(t, item.PrimaryCategory)
	assert.Equal(t, category, *item.PrimaryCategory)
	require.NotNil(t, item.Sentiment)
	assert.Equal(t, sentiment, *item.Sentiment)
}

func TestServeProcessesAndStopsCleanly(t *testing.T) {
	h := newHarness(t, options{})
	ids := make([]uuid.UUID, 0, 8)
	for _, text := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		ids = append(ids, h.submit("feedback "+text).Item.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.poolN(enrich.Lexicon{}, nil, 3).Serve(ctx) }()

	assert.Eventually(t, func() bool {
		for _, id := range ids {
			if !h.item(id).IsProcessed {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, len(ids), h.usageToday().FeedbackItemsProcessed)
}

func TestShutdownRequeuesInFlightJob(t *testing.T) {
	h := newHarness(t, options{aiLimit: 5})
	out := h.submit("in flight")

	started := make(chan struct{})
	var once sync.Once
	blocking := enricherFunc(func(ctx context.Context, _ enrich.Request) (*enrich.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	p := worker.NewPool(worker.Deps{
		Queue: h.queue, Feedback: h.store.Feedback, Accountant: h.account,
		Enricher: blocking, Clock: h.clock, Metrics: h.metrics, Logger: zap.NewNop(),
	}, worker.Config{Concurrency: 1, JobTimeout: time.Minute})
	go func() { done <- p.Serve(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	job := h.job(out.Jobs[0].ID)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Zero(t, h.workspace().MonthlyAIAnalysisCount)
}
