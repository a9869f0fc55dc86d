package snapshot_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/clock"
	"github.com/lalith-99/insightops/internal/events"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/observ"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/repository"
	"github.com/lalith-99/insightops/internal/repository/memory"
	"github.com/lalith-99/insightops/internal/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	june9  = time.Date(2026, time.June, 9, 0, 0, 0, 0, time.UTC)
	june10 = time.Date(2026, time.June, 10, 0, 0, 0, 0, time.UTC)
	june11 = time.Date(2026, time.June, 11, 0, 0, 0, 0, time.UTC)
)

func newWorkspace(t *testing.T, store *repository.Store) uuid.UUID {
	t.Helper()
	ws, err := store.Workspaces.Create(context.Background(), &models.Workspace{Name: "acme"})
	require.NoError(t, err)
	return ws.ID
}

// seed stores one item created at "at"; processed items run through a job
// to completion with the given enrichment.
func seed(t *testing.T, store *repository.Store, ws uuid.UUID, at time.Time, processed bool, sentiment, category string, keywords ...string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	res, err := store.Feedback.CreateWithJobs(ctx, &models.FeedbackItem{
		WorkspaceID: ws,
		SourceType:  models.SourceCSV,
		RawContent:  "feedback",
	}, []models.JobType{models.JobComposite}, at)
	require.NoError(t, err)
	if !processed {
		return res.Item.ID
	}

	jobs, err := store.Jobs.Claim(ctx, nil, 100, at)
	require.NoError(t, err)
	var jobID uuid.UUID
	for _, j := range jobs {
		if j.FeedbackItemID == res.Item.ID {
			jobID = j.ID
		}
	}
	require.NotEqual(t, uuid.Nil, jobID)
	require.NoError(t, store.Feedback.ApplyEnrichment(ctx, ws, res.Item.ID, models.EnrichmentPatch{
		Sentiment:       &sentiment,
		PrimaryCategory: &category,
		Keywords:        keywords,
	}, at))
	ok, err := store.Jobs.Complete(ctx, jobID, nil, at)
	require.NoError(t, err)
	require.True(t, ok)
	flipped, err := store.Feedback.FinalizeIfDone(ctx, ws, res.Item.ID, at)
	require.NoError(t, err)
	require.True(t, flipped)
	return res.Item.ID
}

func TestPeriodBounds(t *testing.T) {
	// 2026-06-10 is a Wednesday.
	at := time.Date(2026, time.June, 10, 15, 30, 0, 0, time.UTC)
	cases := []struct {
		pt         models.PeriodType
		start, end time.Time
	}{
		{models.PeriodDaily, june10, june11},
		{models.PeriodWeekly, time.Date(2026, time.June, 8, 0, 0, 0, 0, time.UTC), time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)},
		{models.PeriodMonthly, time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(string(tc.pt), func(t *testing.T) {
			start, end, err := snapshot.PeriodBounds(tc.pt, at)
			require.NoError(t, err)
			assert.Equal(t, tc.start, start)
			assert.Equal(t, tc.end, end)
		})
	}

	sunday := time.Date(2026, time.June, 14, 23, 0, 0, 0, time.UTC)
	start, _, err := snapshot.PeriodBounds(models.PeriodWeekly, sunday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.June, 8, 0, 0, 0, 0, time.UTC), start)

	start, end, err := snapshot.LastComplete(models.PeriodMonthly, at)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC), end)

	_, _, err = snapshot.PeriodBounds("yearly", at)
	assert.Error(t, err)
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ws := newWorkspace(t, store)
	other := newWorkspace(t, store)

	seed(t, store, ws, june9.Add(time.Hour), true, models.SentimentPositive, "praise", "dashboard")
	seed(t, store, ws, june9.Add(2*time.Hour), true, models.SentimentNegative, "bug", "export")

	seed(t, store, ws, june10.Add(time.Hour), true, models.SentimentNegative, "bug", "export", "csv")
	seed(t, store, ws, june10.Add(2*time.Hour), true, models.SentimentNegative, "bug", "export")
	overridden := seed(t, store, ws, june10.Add(3*time.Hour), true, models.SentimentNegative, "bug", "export", "slow")
	seed(t, store, ws, june10.Add(4*time.Hour), true, models.SentimentPositive, "praise", "dashboard")
	seed(t, store, ws, june10.Add(5*time.Hour), false, "", "")
	seed(t, store, other, june10.Add(time.Hour), true, models.SentimentNegative, "bug", "export")
	seed(t, store, ws, june11, true, models.SentimentNeutral, "general")

	_, err := store.Feedback.OverrideCategory(ctx, ws, overridden, "performance", june10)
	require.NoError(t, err)

	bus := events.NewLocalBus()
	sub, cancel, err := bus.Subscribe(ctx, ws)
	require.NoError(t, err)
	defer cancel()

	metrics := observ.NewMetrics(prometheus.NewRegistry())
	clk := clock.NewFakeClock(june11.Add(time.Hour))
	agg := snapshot.NewAggregator(store, bus, 3, clk, metrics, zap.NewNop())

	snap, err := agg.Generate(ctx, ws, june10, june11, models.PeriodDaily)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, snap.ID)
	assert.Equal(t, 4, snap.TotalFeedbackCount)
	assert.Equal(t, map[string]int{"positive": 1, "neutral": 0, "negative": 3}, snap.SentimentBreakdown)
	assert.Equal(t, []models.CategoryCount{
		{Category: "bug", Count: 2},
		{Category: "performance", Count: 1},
		{Category: "praise", Count: 1},
	}, snap.CategoryBreakdown)
	assert.Equal(t, []models.TopIssue{
		{Category: "bug", Keyword: "export", Count: 2},
		{Category: "bug", Keyword: "csv", Count: 1},
		{Category: "performance", Keyword: "export", Count: 1},
	}, snap.TopIssues)

	require.NotNil(t, snap.VolumeChange)
	assert.InDelta(t, 100.0, *snap.VolumeChange, 1e-9)
	require.NotNil(t, snap.SentimentChange)
	assert.InDelta(t, -50.0, *snap.SentimentChange, 1e-9)
	assert.Equal(t, clk.Now(), snap.GeneratedAt)

	stored, err := store.Snapshots.Get(ctx, ws, june10, models.PeriodDaily)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, snap.ID, stored.ID)

	select {
	case ev := <-sub:
		assert.Equal(t, events.TypeSnapshotGenerated, ev.Type)
		require.NotNil(t, ev.SnapshotID)
		assert.Equal(t, snap.ID, *ev.SnapshotID)
	case <-time.After(time.Second):
		t.Fatal("no snapshot event")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SnapshotGenerations.WithLabelValues("daily", "ok")))
}

func TestGenerateWithoutPreviousPeriod(t *testing.T) {
	store := memory.NewStore()
	ws := newWorkspace(t, store)
	seed(t, store, ws, june10.Add(time.Hour), true, models.SentimentNeutral, "")

	agg := snapshot.NewAggregator(store, nil, 0, clock.NewFakeClock(june11), nil, zap.NewNop())
	snap, err := agg.Generate(context.Background(), ws, june10, june11, models.PeriodDaily)
	require.NoError(t, err)
	assert.Nil(t, snap.VolumeChange)
	assert.Nil(t, snap.SentimentChange)
	assert.Equal(t, []models.CategoryCount{{Category: "uncategorized", Count: 1}}, snap.CategoryBreakdown)
	assert.Empty(t, snap.TopIssues)
}

func TestGenerateRejectsExistingPeriod(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ws := newWorkspace(t, store)
	metrics := observ.NewMetrics(prometheus.NewRegistry())
	agg := snapshot.NewAggregator(store, nil, 0, clock.NewFakeClock(june11), metrics, zap.NewNop())

	first, err := agg.Generate(ctx, ws, june10, june11, models.PeriodDaily)
	require.NoError(t, err)
	assert.Zero(t, first.TotalFeedbackCount)

	seed(t, store, ws, june10.Add(time.Hour), true, models.SentimentPositive, "praise")
	_, err = agg.Generate(ctx, ws, june10, june11, models.PeriodDaily)
	assert.ErrorIs(t, err, pipeline.ErrSnapshotExists)

	stored, err := store.Snapshots.Get(ctx, ws, june10, models.PeriodDaily)
	require.NoError(t, err)
	assert.Zero(t, stored.TotalFeedbackCount, "the first snapshot is kept")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SnapshotGenerations.WithLabelValues("daily", "exists")))
}

func TestGenerateValidates(t *testing.T) {
	store := memory.NewStore()
	ws := newWorkspace(t, store)
	agg := snapshot.NewAggregator(store, nil, 0, nil, nil, zap.NewNop())

	_, err := agg.Generate(context.Background(), ws, june11, june10, models.PeriodDaily)
	assert.ErrorIs(t, err, pipeline.ErrValidation)
	_, err = agg.Generate(context.Background(), ws, june10, june11, "hourly")
	assert.ErrorIs(t, err, pipeline.ErrValidation)
	_, err = agg.Generate(context.Background(), ws, june10.Add(12*time.Hour), june11, models.PeriodDaily)
	assert.ErrorIs(t, err, pipeline.ErrValidation)
	_, err = agg.Generate(context.Background(), ws, june10, june11.Add(time.Hour), models.PeriodDaily)
	assert.ErrorIs(t, err, pipeline.ErrValidation)
	_, err = agg.Generate(context.Background(), ws, june10, june11, models.PeriodWeekly)
	assert.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestGenerateComparesAgainstPreviousCalendarMonth(t *testing.T) {
	store := memory.NewStore()
	ws := newWorkspace(t, store)
	jan30 := time.Date(2026, time.January, 30, 9, 0, 0, 0, time.UTC)
	seed(t, store, ws, jan30, true, models.SentimentPositive, "praise")
	seed(t, store, ws, jan30.Add(time.Hour), true, models.SentimentPositive, "praise")
	seed(t, store, ws, time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC), true, models.SentimentNegative, "bug")
	seed(t, store, ws, time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC), true, models.SentimentNegative, "bug")

	march := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	april := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	agg := snapshot.NewAggregator(store, nil, 0, clock.NewFakeClock(april), nil, zap.NewNop())
	snap, err := agg.Generate(context.Background(), ws, march, april, models.PeriodMonthly)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TotalFeedbackCount)
	require.NotNil(t, snap.VolumeChange)
	assert.InDelta(t, 0.0, *snap.VolumeChange, 1e-9, "February alone is the previous period")
	require.NotNil(t, snap.SentimentChange)
	assert.InDelta(t, 0.0, *snap.SentimentChange, 1e-9)
}

type failingFeedback struct {
	repository.FeedbackRepository
}

func (failingFeedback) ListProcessedBetween(context.Context, uuid.UUID, time.Time, time.Time) ([]models.FeedbackItem, error) {
	return nil, errors.New("connection reset")
}

func TestGenerateReadErrorPersistsNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ws := newWorkspace(t, store)
	broken := *store
	broken.Feedback = failingFeedback{store.Feedback}

	agg := snapshot.NewAggregator(&broken, nil, 0, nil, nil, zap.NewNop())
	_, err := agg.Generate(ctx, ws, june10, june11, models.PeriodDaily)
	require.Error(t, err)

	stored, err := store.Snapshots.Get(ctx, ws, june10, models.PeriodDaily)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

type heldLock struct{}

func (heldLock) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, nil
}

func (heldLock) Release(context.Context, string, string) error { return nil }

func TestSchedulerRunOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	a := newWorkspace(t, store)
	b := newWorkspace(t, store)
	seed(t, store, a, june9.Add(time.Hour), true, models.SentimentPositive, "praise")

	clk := clock.NewFakeClock(june10.Add(6 * time.Hour))
	agg := snapshot.NewAggregator(store, nil, 0, clk, nil, zap.NewNop())
	sched := snapshot.NewScheduler(agg, store, nil, time.Hour, clk, zap.NewNop())

	report, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Generated)

	daily, err := store.Snapshots.Get(ctx, a, june9, models.PeriodDaily)
	require.NoError(t, err)
	require.NotNil(t, daily)
	assert.Equal(t, 1, daily.TotalFeedbackCount)

	monthly, err := store.Snapshots.Get(ctx, b, time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC), models.PeriodMonthly)
	require.NoError(t, err)
	assert.NotNil(t, monthly)

	report, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Generated)
	assert.Equal(t, 6, report.Skipped)
}

func TestSchedulerSkipsWhenLockHeld(t *testing.T) {
	store := memory.NewStore()
	newWorkspace(t, store)
	agg := snapshot.NewAggregator(store, nil, 0, nil, nil, zap.NewNop())
	sched := snapshot.NewScheduler(agg, store, heldLock{}, time.Hour, nil, zap.NewNop())

	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestSchedulerServeStops(t *testing.T) {
	store := memory.NewStore()
	ws := newWorkspace(t, store)
	clk := clock.NewFakeClock(june10)
	agg := snapshot.NewAggregator(store, nil, 0, clk, nil, zap.NewNop())
	sched := snapshot.NewScheduler(agg, store, nil, 10*time.Millisecond, clk, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Serve(ctx) }()

	assert.Eventually(t, func() bool {
		snap, err := store.Snapshots.Get(context.Background(), ws, june9, models.PeriodDaily)
		return err == nil && snap != nil
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
