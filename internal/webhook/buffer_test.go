package webhook_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/clock"
	"github.com/lalith-99/insightops/internal/ingest"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/observ"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/repository"
	"github.com/lalith-99/insightops/internal/repository/memory"
	"github.com/lalith-99/insightops/internal/webhook"
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
	buffer  *webhook.Buffer
	ws      *models.Workspace
	in      *models.Integration
}

func setup(t *testing.T, maxItems int, sourceType models.SourceType, secret string) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	plan, err := store.Workspaces.CreatePlan(ctx, &models.SubscriptionPlan{Name: "starter", MaxFeedbackItems: maxItems})
	require.NoError(t, err)
	ws, err := store.Workspaces.Create(ctx, &models.Workspace{Name: "acme", SubscriptionPlanID: &plan.ID})
	require.NoError(t, err)
	in, err := store.Integrations.Create(ctx, &models.Integration{
		WorkspaceID:   ws.ID,
		Type:          sourceType,
		Name:          "support",
		WebhookSecret: secret,
		IsActive:      true,
	})
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, time.May, 4, 10, 0, 0, 0, time.UTC))
	metrics := observ.NewMetrics(prometheus.NewRegistry())
	gate := ingest.NewGate(store, ingest.GateConfig{}, clk, metrics, zap.NewNop())
	buffer := webhook.NewBuffer(store, gate, nil, webhook.Config{MaxRetries: 3, LeaseDuration: time.Minute}, clk, metrics, zap.NewNop())
	return &fixture{store: store, clock: clk, metrics: metrics, buffer: buffer, ws: ws, in: in}
}

func (f *fixture) receive(t *testing.T, webhookID, body string) *webhook.ReceiveResult {
	t.Helper()
	res, err := f.buffer.Receive(context.Background(), webhook.ReceiveRequest{
		IntegrationID: f.in.ID,
		WebhookID:     webhookID,
		Body:          []byte(body),
	})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return res
}

const ticketCreated = `{"type":"ticket.created","ticket":{"id":%s,"subject":"Export broken","description":"The CSV export spins forever","url":"https://acme.zendesk.com/tickets/1","requester":{"email":"ada@example.com","name":"Ada"}}}`

func ticket(id string) string {
	return fmt.Sprintf(ticketCreated, id)
}

func TestReceiveDeduplicatesDeliveries(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 0, models.SourceZendesk, "")

	first := f.receive(t, "dlv-1", ticket("101"))
	assert.False(t, first.Duplicate)
	assert.Equal(t, "ticket.created", first.Event.EventType)

	second := f.receive(t, "dlv-1", ticket("101"))
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.Equal(t, 2, second.Event.DeliveryCount)

	report, err := f.buffer.Drain(ctx, f.in.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Processed)

	// A redelivery after processing never resets the event.
	third := f.receive(t, "dlv-1", ticket("101"))
	assert.True(t, third.Duplicate)
	assert.True(t, third.Event.Processed)

	items, err := f.store.Feedback.List(ctx, f.ws.ID, repository.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebhookEvents.WithLabelValues("received")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.WebhookEvents.WithLabelValues("duplicate")))
}

func TestReceiveWithoutDeliveryIDStoresEachDelivery(t *testing.T) {
	f := setup(t, 0, models.SourceZendesk, "")

	a := f.receive(t, "", ticket("7"))
	b := f.receive(t, "", ticket("7"))
	assert.NotEqual(t, a.Event.ID, b.Event.ID)

	// Both drain; the second resolves to the same item by natural key.
	report, err := f.buffer.Drain(context.Background(), f.in.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Duplicates)
}

func TestReceiveRejects(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 0, models.SourceWebhook, "s3cret")
	body := []byte(`{"content":"hello"}`)

	_, err := f.buffer.Receive(ctx, webhook.ReceiveRequest{IntegrationID: uuid.New(), Body: body})
	assert.ErrorIs(t, err, pipeline.ErrUnknownIntegration)

	_, err = f.buffer.Receive(ctx, webhook.ReceiveRequest{IntegrationID: f.in.ID, Body: body})
	assert.ErrorIs(t, err, webhook.ErrInvalidSignature)

	_, err = f.buffer.Receive(ctx, webhook.ReceiveRequest{IntegrationID: f.in.ID, Body: body, Signature: webhook.Sign("other", body)})
	assert.ErrorIs(t, err, webhook.ErrInvalidSignature)

	res, err := f.buffer.Receive(ctx, webhook.ReceiveRequest{IntegrationID: f.in.ID, Body: body, Signature: webhook.Sign("s3cret", body)})
	require.NoError(t, err)
	assert.False(t, res.Event.Processed)
}

func TestUndecodableBodyIsRecordedThenFailed(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 0, models.SourceZendesk, "")

	res := f.receive(t, "dlv-raw", `ticket=101&status=open`)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "unknown", res.Event.EventType)
	assert.Equal(t, "ticket=101&status=open", res.Event.Payload["_raw"])
	again := f.receive(t, "dlv-raw", `ticket=101&status=open`)
	assert.True(t, again.Duplicate)

	good := f.receive(t, "dlv-2", ticket("303"))

	report, err := f.buffer.Drain(ctx, f.in.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Claimed)
	assert.Equal(t, 1, report.PermanentlyFailed)
	assert.Equal(t, 1, report.Processed, "a bad body does not hold back later events")

	ev, err := f.store.Webhooks.GetByID(ctx, res.Event.ID)
	require.NoError(t, err)
	assert.True(t, ev.PermanentlyFailed)
	assert.False(t, ev.Processed)
	require.NotNil(t, ev.ProcessingError)
	assert.Contains(t, *ev.ProcessingError, "invalid webhook payload")

	ev, err = f.store.Webhooks.GetByID(ctx, good.Event.ID)
	require.NoError(t, err)
	assert.True(t, ev.Processed)
}

func TestDrainCreatesFeedback(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 0, models.SourceZendesk, "")
	res := f.receive(t, "dlv-1", ticket(`"202"`))

	report, err := f.buffer.Drain(ctx, f.in.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)

	ev, err := f.store.Webhooks.GetByID(ctx, res.Event.ID)
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	require.NotNil(t, ev.FeedbackItemID)
	require.NotNil(t, ev.ProcessedAt)

	item, err := f.store.Feedback.GetByID(ctx, f.ws.ID, *ev.FeedbackItemID)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, models.SourceZendesk, item.SourceType)
	require.NotNil(t, item.ExternalID)
	assert.Equal(t, "ticket:202", *item.ExternalID)
	assert.Equal(t, "Export broken\n\nThe CSV export spins forever", item.RawContent)
	require.NotNil(t, item.IntegrationID)
	assert.Equal(t, f.in.ID, *item.IntegrationID)

	in, err := f.store.Integrations.GetByID(ctx, f.in.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, in.TotalItemsSynced)
	assert.NotNil(t, in.LastSyncAt)
}

func TestDrainIgnoredAndMalformedEvents(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 0, models.SourceZendesk, "")

	ignored := f.receive(t, "a", `{"type":"ticket.solved","ticket":{"id":1}}`)
	malformed := f.receive(t, "b", `{"type":"ticket.created","ticket":{"subject":"no id"}}`)

	report, err := f.buffer.Drain(ctx, f.in.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Ignored)
	assert.Equal(t, 1, report.PermanentlyFailed)

	ev, err := f.store.Webhooks.GetByID(ctx, ignored.Event.ID)
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.Nil(t, ev.FeedbackItemID)

	ev, err = f.store.Webhooks.GetByID(ctx, malformed.Event.ID)
	require.NoError(t, err)
	assert.False(t, ev.Processed)
	assert.True(t, ev.PermanentlyFailed)
	assert.Equal(t, 1, ev.RetryCount)
	require.NotNil(t, ev.ProcessingError)
}

func TestDrainLimitIsRetryableUntilExhausted(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 1, models.SourceZendesk, "")

	f.receive(t, "a", ticket("1"))
	blocked := f.receive(t, "b", ticket("2"))
	later := f.receive(t, "c", ticket("3"))

	report, err := f.buffer.Drain(ctx, f.in.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.PermanentlyFailed)

	ev, err := f.store.Webhooks.GetByID(ctx, later.Event.ID)
	require.NoError(t, err)
	assert.False(t, ev.Processed, "later events wait behind the failed one")
	assert.Zero(t, ev.RetryCount)

	for i := 2; i <= 3; i++ {
		f.clock.Advance(2 * time.Minute)
		_, err := f.buffer.Drain(ctx, f.in.ID, 10)
		require.NoError(t, err)
	}

	ev, err = f.store.Webhooks.GetByID(ctx, blocked.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, ev.RetryCount)
	assert.True(t, ev.PermanentlyFailed)
	require.NotNil(t, ev.ProcessingError)
	assert.Contains(t, *ev.ProcessingError, "limit exceeded")
}

func TestDrainHoldsLease(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 0, models.SourceZendesk, "")
	f.receive(t, "a", ticket("1"))

	now := f.clock.Now()
	leased, err := f.store.Webhooks.ClaimPending(ctx, f.in.ID, 10, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, leased, 1)

	report, err := f.buffer.Drain(ctx, f.in.ID, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)

	f.clock.Advance(2 * time.Minute)
	report, err = f.buffer.Drain(ctx, f.in.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
}

type recordingGate struct {
	mu   sync.Mutex
	seen []string
}

func (g *recordingGate) Submit(_ context.Context, sub ingest.Submission) (*ingest.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = append(g.seen, *sub.ExternalID)
	return &ingest.Outcome{Status: ingest.StatusCreated, Item: &models.FeedbackItem{ID: uuid.New()}}, nil
}

func TestDrainAllPreservesArrivalOrder(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 0, models.SourceZendesk, "")
	gate := &recordingGate{}
	buffer := webhook.NewBuffer(f.store, gate, nil, webhook.Config{BatchSize: 2}, f.clock, f.metrics, zap.NewNop())

	for _, id := range []string{"5", "3", "9", "1"} {
		f.receive(t, "", ticket(id))
	}

	for i := 0; i < 3; i++ {
		_, err := buffer.DrainAll(ctx, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"ticket:5", "ticket:3", "ticket:9", "ticket:1"}, gate.seen)
}
