// Package memory is an in-process backend for the repository interfaces.
// One mutex guards all state, so every repository call is atomic with
// respect to every other, matching the transactional guarantees of the
// Postgres backend for a single process.
package memory

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/repository"
)

type naturalKey struct {
	workspaceID uuid.UUID
	externalID  string
	source      models.SourceType
}

type deliveryKey struct {
	integrationID uuid.UUID
	webhookID     string
}

type usageKey struct {
	workspaceID uuid.UUID
	day         time.Time
}

type snapshotKey struct {
	workspaceID uuid.UUID
	periodStart time.Time
	periodType  models.PeriodType
}

type jobRow struct {
	job models.AIAnalysisJob
	seq int64
}

type webhookRow struct {
	event       models.WebhookEvent
	lockedUntil *time.Time
	seq         int64
}

type state struct {
	mu  sync.Mutex
	seq int64

	plans        map[uuid.UUID]models.SubscriptionPlan
	workspaces   map[uuid.UUID]*models.Workspace
	integrations map[uuid.UUID]*models.Integration
	feedback     map[uuid.UUID]*models.FeedbackItem
	naturalKeys  map[naturalKey]uuid.UUID
	jobs         map[uuid.UUID]*jobRow
	webhooks     map[uuid.UUID]*webhookRow
	deliveries   map[deliveryKey]uuid.UUID
	usage        map[usageKey]*models.UsageTracking
	snapshots    map[snapshotKey]*models.InsightsSnapshot
}

func newState() *state {
	return &state{
		plans:        make(map[uuid.UUID]models.SubscriptionPlan),
		workspaces:   make(map[uuid.UUID]*models.Workspace),
		integrations: make(map[uuid.UUID]*models.Integration),
		feedback:     make(map[uuid.UUID]*models.FeedbackItem),
		naturalKeys:  make(map[naturalKey]uuid.UUID),
		jobs:         make(map[uuid.UUID]*jobRow),
		webhooks:     make(map[uuid.UUID]*webhookRow),
		deliveries:   make(map[deliveryKey]uuid.UUID),
		usage:        make(map[usageKey]*models.UsageTracking),
		snapshots:    make(map[snapshotKey]*models.InsightsSnapshot),
	}
}

func (s *state) nextSeq() int64 {
	s.seq++
	return s.seq
}

// NewStore returns a fresh, empty in-memory backend.
func NewStore() *repository.Store {
	st := newState()
	return &repository.Store{
		Workspaces:   &WorkspaceStore{st},
		Integrations: &IntegrationStore{st},
		Feedback:     &FeedbackStore{st},
		Jobs:         &JobStore{st},
		Webhooks:     &WebhookStore{st},
		Usage:        &UsageStore{st},
		Snapshots:    &SnapshotStore{st},
	}
}

// Values handed out are copies; callers never alias stored state.

func cloneFeedback(f *models.FeedbackItem) *models.FeedbackItem {
	c := *f
	c.SourceMetadata = maps.Clone(f.SourceMetadata)
	c.Categories = slices.Clone(f.Categories)
	c.Keywords = slices.Clone(f.Keywords)
	return &c
}

func cloneJob(j *models.AIAnalysisJob) models.AIAnalysisJob {
	c := *j
	c.InputData = maps.Clone(j.InputData)
	c.OutputData = maps.Clone(j.OutputData)
	return c
}

func cloneWebhook(ev *models.WebhookEvent) models.WebhookEvent {
	c := *ev
	c.Payload = maps.Clone(ev.Payload)
	return c
}

func cloneSnapshot(s *models.InsightsSnapshot) models.InsightsSnapshot {
	c := *s
	c.SentimentBreakdown = maps.Clone(s.SentimentBreakdown)
	c.CategoryBreakdown = slices.Clone(s.CategoryBreakdown)
	c.TopIssues = slices.Clone(s.TopIssues)
	return c
}

func ptr[T any](v T) *T {
	return &v
}
