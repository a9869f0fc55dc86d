package usage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lalith-99/insightops/internal/clock"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/observ"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/repository"
	"github.com/lalith-99/insightops/internal/repository/memory"
	"github.com/lalith-99/insightops/internal/usage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store   *repository.Store
	clock   *clock.FakeClock
	metrics *observ.Metrics
	acct    *usage.Accountant
	ws      *models.Workspace
}

func setup(t *testing.T, maxItems, aiLimit int, now time.Time) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	clk := clock.NewFakeClock(now)
	metrics := observ.NewMetrics(prometheus.NewRegistry())

	plan, err := store.Workspaces.CreatePlan(ctx, &models.SubscriptionPlan{
		Name:             "starter",
		MaxFeedbackItems: maxItems,
		AIAnalysisLimit:  aiLimit,
	})
	require.NoError(t, err)
	ws, err := store.Workspaces.Create(ctx, &models.Workspace{
		Name:               "acme",
		SubscriptionPlanID: &plan.ID,
		LastResetDate:      now,
	})
	require.NoError(t, err)

	return &fixture{
		store:   store,
		clock:   clk,
		metrics: metrics,
		acct:    usage.NewAccountant(store.Workspaces, store.Usage, clk, metrics, zap.NewNop()),
		ws:      ws,
	}
}

func TestAIQuotaResetsOnceWhenMonthCrossed(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 0, 3, time.Date(2026, time.January, 30, 10, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.acct.CheckAndReserveAIQuota(ctx, f.ws.ID))
	}
	err := f.acct.CheckAndReserveAIQuota(ctx, f.ws.ID)
	require.ErrorIs(t, err, pipeline.ErrLimitExceeded)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LimitRejections.WithLabelValues(pipeline.ResourceAIAnalyses)))

	f.clock.Set(time.Date(2026, time.February, 1, 0, 5, 0, 0, time.UTC))

	// Concurrent first calls of the month reset exactly once.
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.acct.CheckAndReserveAIQuota(ctx, f.ws.ID)
		}()
	}
	wg.Wait()
	close(errs)

	ok, limited := 0, 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(t, err, pipeline.ErrLimitExceeded)
			limited++
		}
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, 2, limited)

	ws, err := f.store.Workspaces.GetByID(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, ws.MonthlyAIAnalysisCount)
	assert.Equal(t, time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC), ws.LastResetDate)
}

func TestReleaseAIQuotaNeverNegative(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 0, 1, time.Date(2026, time.May, 3, 0, 0, 0, 0, time.UTC))

	require.NoError(t, f.acct.CheckAndReserveAIQuota(ctx, f.ws.ID))
	require.NoError(t, f.acct.ReleaseAIQuota(ctx, f.ws.ID))
	require.NoError(t, f.acct.ReleaseAIQuota(ctx, f.ws.ID))

	ws, err := f.store.Workspaces.GetByID(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, ws.MonthlyAIAnalysisCount)

	// The released slot is usable again.
	require.NoError(t, f.acct.CheckAndReserveAIQuota(ctx, f.ws.ID))
}

func TestFeedbackSlotCap(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 1, 0, time.Date(2026, time.May, 3, 0, 0, 0, 0, time.UTC))

	require.NoError(t, f.acct.CheckAndReserveFeedbackSlot(ctx, f.ws.ID))
	err := f.acct.CheckAndReserveFeedbackSlot(ctx, f.ws.ID)
	var limitErr *pipeline.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 1, limitErr.Used)
	assert.Equal(t, 1, limitErr.Limit)
}

func TestUnlimitedPlan(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 0, 0, time.Date(2026, time.May, 3, 0, 0, 0, 0, time.UTC))

	for i := 0; i < 50; i++ {
		require.NoError(t, f.acct.CheckAndReserveFeedbackSlot(ctx, f.ws.ID))
		require.NoError(t, f.acct.CheckAndReserveAIQuota(ctx, f.ws.ID))
	}
}

func TestRecordUsageDaily(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2026, time.May, 3, 9, 0, 0, 0, time.UTC)
	f := setup(t, 0, 0, day)

	require.NoError(t, f.acct.RecordFeedbackProcessed(ctx, f.ws.ID))
	require.NoError(t, f.acct.RecordAIUsage(ctx, f.ws.ID, 0.002))
	require.NoError(t, f.acct.RecordAIUsage(ctx, f.ws.ID, 0.003))
	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.acct.RecordFeedbackProcessed(ctx, f.ws.ID))

	rows, err := f.acct.Usage(ctx, f.ws.ID, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].FeedbackItemsProcessed)
	assert.Equal(t, 2, rows[0].AIAnalysesRun)
	assert.InDelta(t, 0.005, rows[0].AICostUSD, 1e-9)
	assert.Equal(t, 1, rows[1].FeedbackItemsProcessed)

	_, err = f.acct.Usage(ctx, f.ws.ID, day, day.Add(-time.Hour))
	assert.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestMissingWorkspace(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 0, 0, time.Date(2026, time.May, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, f.store.Workspaces.Delete(ctx, f.ws.ID))

	assert.ErrorIs(t, f.acct.CheckAndReserveAIQuota(ctx, f.ws.ID), pipeline.ErrNotFound)
	assert.ErrorIs(t, f.acct.CheckAndReserveFeedbackSlot(ctx, f.ws.ID), pipeline.ErrNotFound)
}
