package enrich_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/enrich"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/observ"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLexicon(t *testing.T) {
	cases := []struct {
		text      string
		sentiment string
		category  string
	}{
		{"The app crashes every time I open settings, totally broken", models.SentimentNegative, "bug"},
		{"Love the new dashboard, it is fast and easy", models.SentimentPositive, "praise"},
		{"Please add dark mode support", models.SentimentNeutral, "feature_request"},
		{"Where is the invoice for March", models.SentimentNeutral, "billing"},
		{"ok", models.SentimentNeutral, "general"},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			res, err := enrich.Lexicon{}.Enrich(context.Background(), enrich.Request{Text: tc.text})
			require.NoError(t, err)
			assert.Equal(t, tc.sentiment, *res.Sentiment)
			assert.Equal(t, tc.category, *res.Category)
			assert.NotNil(t, res.Summary)
			assert.Zero(t, res.CostUSD)
		})
	}
}

func TestLexiconIsDeterministic(t *testing.T) {
	req := enrich.Request{Text: "Export is slow and slow again. Please add CSV export filters."}
	a, err := enrich.Lexicon{}.Enrich(context.Background(), req)
	require.NoError(t, err)
	b, err := enrich.Lexicon{}.Enrich(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, []string{"export", "slow", "again", "add", "csv"}, a.Keywords)
	assert.Equal(t, "Export is slow and slow again.", *a.Summary)
}

func TestRestrict(t *testing.T) {
	res, err := enrich.Lexicon{}.Enrich(context.Background(), enrich.Request{Text: "broken export"})
	require.NoError(t, err)

	sentiment := res.Restrict(models.JobSentiment)
	assert.NotNil(t, sentiment.Sentiment)
	assert.Nil(t, sentiment.Category)
	assert.Nil(t, sentiment.Summary)

	categorization := res.Restrict(models.JobCategorization)
	assert.Nil(t, categorization.Sentiment)
	assert.NotNil(t, categorization.Category)

	assert.Equal(t, *res, res.Restrict(models.JobComposite))
}

func TestHTTPClient(t *testing.T) {
	var gotAuth string
	var gotReq enrich.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReq)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sentiment":"Negative","sentiment_score":-0.8,"primary_category":"bug","keywords":["export"],"cost_usd":0.0012}`))
	}))
	defer srv.Close()

	client, err := enrich.NewHTTPClient(enrich.HTTPClientOptions{URL: srv.URL, Token: "tok"})
	require.NoError(t, err)

	itemID := uuid.New()
	res, err := client.Enrich(context.Background(), enrich.Request{
		FeedbackItemID: itemID,
		JobType:        models.JobComposite,
		Text:           "export broken",
		Tenant:         enrich.TenantContext{Plan: "enterprise", SubscriptionStatus: "active"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, itemID, gotReq.FeedbackItemID)
	assert.Equal(t, enrich.TenantContext{Plan: "enterprise", SubscriptionStatus: "active"}, gotReq.Tenant)
	assert.Equal(t, "negative", *res.Sentiment)
	assert.Equal(t, "bug", *res.Category)
	assert.Nil(t, res.Summary, "fields not returned stay nil")
	assert.InDelta(t, 0.0012, res.CostUSD, 1e-9)
}

func TestHTTPClientErrorClasses(t *testing.T) {
	cases := map[int]error{
		http.StatusTooManyRequests:     pipeline.ErrTransient,
		http.StatusBadGateway:          pipeline.ErrTransient,
		http.StatusServiceUnavailable:  pipeline.ErrTransient,
		http.StatusBadRequest:          pipeline.ErrTerminal,
		http.StatusUnprocessableEntity: pipeline.ErrTerminal,
	}
	for status, want := range cases {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			client, err := enrich.NewHTTPClient(enrich.HTTPClientOptions{URL: srv.URL})
			require.NoError(t, err)
			_, err = client.Enrich(context.Background(), enrich.Request{Text: "x"})
			assert.ErrorIs(t, err, want)
			assert.Equal(t, want == pipeline.ErrTransient, pipeline.Retryable(err))
		})
	}
}

func TestHTTPClientTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	client, err := enrich.NewHTTPClient(enrich.HTTPClientOptions{URL: srv.URL})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = client.Enrich(ctx, enrich.Request{Text: "x"})
	assert.ErrorIs(t, err, pipeline.ErrTransient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type scripted struct {
	calls atomic.Int32
	err   error
}

func (s *scripted) Enrich(context.Context, enrich.Request) (*enrich.Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &enrich.Result{}, nil
}

func TestBreakerTripsOnTransientFailures(t *testing.T) {
	metrics := observ.NewMetrics(prometheus.NewRegistry())
	next := &scripted{err: pipeline.Transient(errors.New("503"))}
	b := enrich.NewBreaker(next, enrich.BreakerConfig{Name: "test", ConsecutiveFailures: 3, Timeout: time.Hour}, metrics, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := b.Enrich(context.Background(), enrich.Request{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(metrics.BreakerState.WithLabelValues("test")))

	_, err := b.Enrich(context.Background(), enrich.Request{})
	assert.ErrorIs(t, err, pipeline.ErrTransient)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), next.calls.Load(), "open circuit short-circuits")
}

func TestBreakerIgnoresTerminalFailures(t *testing.T) {
	next := &scripted{err: pipeline.Terminal(errors.New("400"))}
	b := enrich.NewBreaker(next, enrich.BreakerConfig{ConsecutiveFailures: 2}, observ.NewMetrics(prometheus.NewRegistry()), zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := b.Enrich(context.Background(), enrich.Request{})
		assert.ErrorIs(t, err, pipeline.ErrTerminal)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}
