// Package snapshot rolls processed feedback into immutable per-period
// insight snapshots.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/clock"
	"github.com/lalith-99/insightops/internal/events"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/observ"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultTopIssues = 10
	uncategorized    = "uncategorized"
)

type Aggregator struct {
	feedback  repository.FeedbackRepository
	snapshots repository.SnapshotRepository
	publisher events.Publisher
	topIssues int
	clock     clock.Clock
	metrics   *observ.Metrics
	logger    *zap.Logger
}

func NewAggregator(store *repository.Store, publisher events.Publisher, topIssues int, clk clock.Clock, metrics *observ.Metrics, logger *zap.Logger) *Aggregator {
	if topIssues <= 0 {
		topIssues = defaultTopIssues
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if metrics == nil {
		metrics = observ.Default()
	}
	return &Aggregator{
		feedback:  store.Feedback,
		snapshots: store.Snapshots,
		publisher: publisher,
		topIssues: topIssues,
		clock:     clk,
		metrics:   metrics,
		logger:    logger.Named("snapshot"),
	}
}

// Generate aggregates the processed items created in [start, end) and
// stores the result. The bounds must be exactly one period of type pt, as
// returned by PeriodBounds. A period that already has a snapshot is rejected with
// pipeline.ErrSnapshotExists. Nothing is stored when any read fails.
func (a *Aggregator) Generate(ctx context.Context, workspaceID uuid.UUID, start, end time.Time, pt models.PeriodType) (*models.InsightsSnapshot, error) {
	snap, err := a.generate(ctx, workspaceID, start.UTC(), end.UTC(), pt)
	outcome := "ok"
	switch {
	case errors.Is(err, pipeline.ErrSnapshotExists):
		outcome = "exists"
	case err != nil:
		outcome = observ.ClassifyError(err)
	}
	a.metrics.SnapshotGenerations.WithLabelValues(string(pt), outcome).Inc()
	return snap, err
}

func (a *Aggregator) generate(ctx context.Context, workspaceID uuid.UUID, start, end time.Time, pt models.PeriodType) (*models.InsightsSnapshot, error) {
	if _, err := models.ParsePeriodType(string(pt)); err != nil {
		return nil, pipeline.Invalid("period_type", err.Error())
	}
	if !end.After(start) {
		return nil, pipeline.Invalid("period_end", "must be after period_start")
	}
	wantStart, wantEnd, err := PeriodBounds(pt, start)
	if err != nil {
		return nil, pipeline.Invalid("period_type", err.Error())
	}
	if !start.Equal(wantStart) {
		return nil, pipeline.Invalid("period_start", fmt.Sprintf("must be the start of a %s period", pt))
	}
	if !end.Equal(wantEnd) {
		return nil, pipeline.Invalid("period_end", fmt.Sprintf("must be the end of the %s period starting at period_start", pt))
	}
	// The previous period is the calendar period before start, so a March
	// snapshot compares against all of February.
	prevStart, _, err := PeriodBounds(pt, start.Add(-time.Nanosecond))
	if err != nil {
		return nil, pipeline.Invalid("period_type", err.Error())
	}

	began := a.clock.Now()
	// One read over both periods gives a single point-in-time view.
	items, err := a.feedback.ListProcessedBetween(ctx, workspaceID, prevStart, end)
	if err != nil {
		return nil, fmt.Errorf("read periods: %w", err)
	}
	var current, previous []models.FeedbackItem
	for _, it := range items {
		if it.CreatedAt.Before(start) {
			previous = append(previous, it)
		} else {
			current = append(current, it)
		}
	}

	cur := summarize(current, a.topIssues)
	snap := &models.InsightsSnapshot{
		WorkspaceID:        workspaceID,
		PeriodStart:        start,
		PeriodEnd:          end,
		PeriodType:         pt,
		TotalFeedbackCount: len(current),
		SentimentBreakdown: cur.sentiment,
		CategoryBreakdown:  cur.categories,
		TopIssues:          cur.issues,
	}
	if len(previous) > 0 {
		prev := summarize(previous, 0)
		volume := float64(len(current)-len(previous)) / float64(len(previous)) * 100
		net := cur.netSentiment() - prev.netSentiment()
		snap.VolumeChange = &volume
		snap.SentimentChange = &net
	}

	now := a.clock.Now()
	elapsed := now.Sub(began)
	snap.GenerationTimeMS = int(elapsed.Milliseconds())
	snap.GeneratedAt = now
	a.metrics.SnapshotDuration.Observe(elapsed.Seconds())

	if err := a.snapshots.Insert(ctx, snap); err != nil {
		if errors.Is(err, pipeline.ErrSnapshotExists) {
			return nil, err
		}
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}

	a.logger.Info("snapshot generated",
		zap.String("workspace_id", workspaceID.String()),
		zap.String("period_type", string(pt)),
		zap.Time("period_start", start),
		zap.Int("items", len(current)),
	)
	id := snap.ID
	if err := a.publisher.Publish(ctx, events.Event{
		Type:        events.TypeSnapshotGenerated,
		WorkspaceID: workspaceID,
		SnapshotID:  &id,
		OccurredAt:  now,
	}); err != nil {
		a.logger.Warn("publish snapshot event failed", zap.Error(err))
	}
	return snap, nil
}

type summary struct {
	total      int
	sentiment  map[string]int
	categories []models.CategoryCount
	issues     []models.TopIssue
}

// netSentiment is the positive share minus the negative share, in
// percentage points.
func (s summary) netSentiment() float64 {
	if s.total == 0 {
		return 0
	}
	return float64(s.sentiment[models.SentimentPositive]-s.sentiment[models.SentimentNegative]) / float64(s.total) * 100
}

func summarize(items []models.FeedbackItem, topN int) summary {
	s := summary{
		total: len(items),
		sentiment: map[string]int{
			models.SentimentPositive: 0,
			models.SentimentNeutral:  0,
			models.SentimentNegative: 0,
		},
	}
	categories := make(map[string]int)
	type issueKey struct{ category, keyword string }
	issues := make(map[issueKey]int)

	for i := range items {
		item := &items[i]
		if item.Sentiment != nil {
			s.sentiment[*item.Sentiment]++
		}
		category := item.EffectiveCategory()
		if category == "" {
			category = uncategorized
		}
		categories[category]++

		seen := make(map[string]bool, len(item.Keywords))
		for _, kw := range item.Keywords {
			if kw == "" || seen[kw] {
				continue
			}
			seen[kw] = true
			issues[issueKey{category, kw}]++
		}
	}

	s.categories = make([]models.CategoryCount, 0, len(categories))
	for c, n := range categories {
		s.categories = append(s.categories, models.CategoryCount{Category: c, Count: n})
	}
	sort.Slice(s.categories, func(i, j int) bool {
		if s.categories[i].Count != s.categories[j].Count {
			return s.categories[i].Count > s.categories[j].Count
		}
		return s.categories[i].Category < s.categories[j].Category
	})

	s.issues = make([]models.TopIssue, 0, len(issues))
	if topN <= 0 {
		return s
	}
	for k, n := range issues {
		s.issues = append(s.issues, models.TopIssue{Category: k.category, Keyword: k.keyword, Count: n})
	}
	sort.Slice(s.issues, func(i, j int) bool {
		a, b := s.issues[i], s.issues[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Keyword < b.Keyword
	})
	if len(s.issues) > topN {
		s.issues = s.issues[:topN]
	}
	return s
}
