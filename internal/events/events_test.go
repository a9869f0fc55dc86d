package events_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/events"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return events.Event{}
	}
}

func exercise(t *testing.T, bus events.Bus) {
	ctx := context.Background()
	ws, other := uuid.New(), uuid.New()
	itemID := uuid.New()

	ch, cancel, err := bus.Subscribe(ctx, ws)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, events.Event{Type: events.TypeFeedbackFailed, WorkspaceID: other}))
	require.NoError(t, bus.Publish(ctx, events.Event{Type: events.TypeFeedbackProcessed, WorkspaceID: ws, FeedbackItemID: &itemID}))

	ev := receive(t, ch)
	assert.Equal(t, events.TypeFeedbackProcessed, ev.Type, "other workspaces are not delivered")
	require.NotNil(t, ev.FeedbackItemID)
	assert.Equal(t, itemID, *ev.FeedbackItemID)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLocalBus(t *testing.T) {
	exercise(t, events.NewLocalBus())
}

func TestLocalBusCancelWithContext(t *testing.T) {
	bus := events.NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, stop, err := bus.Subscribe(ctx, uuid.New())
	require.NoError(t, err)

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	stop()
}

func TestRedisBus(t *testing.T) {
	addr := os.Getenv("INSIGHTOPS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("INSIGHTOPS_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	exercise(t, events.NewRedisBus(client, zap.NewNop()))
}
