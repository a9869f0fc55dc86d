package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/pipeline"
)

type IntegrationStore struct {
	*state
}

func (s *IntegrationStore) Create(_ context.Context, in *models.Integration) (*models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workspaces[in.WorkspaceID]; !ok {
		return nil, fmt.Errorf("insert integration: workspace %s not found", in.WorkspaceID)
	}
	created := *in
	created.ID = uuid.New()
	if created.SyncStatus == "" {
		created.SyncStatus = "pending"
	}
	created.CreatedAt = time.Now().UTC()
	s.integrations[created.ID] = &created

	out := created
	return &out, nil
}

func (s *IntegrationStore) GetByID(_ context.Context, integrationID uuid.UUID) (*models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.integrations[integrationID]
	if !ok {
		return nil, nil
	}
	out := *in
	return &out, nil
}

func (s *IntegrationStore) RecordSync(_ context.Context, integrationID uuid.UUID, items int, syncErr *string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.integrations[integrationID]
	if !ok {
		return nil
	}
	in.TotalItemsSynced += items
	in.LastSyncAt = ptr(now)
	in.LastErrorMessage = syncErr
	if syncErr == nil {
		in.SyncStatus = "completed"
	} else {
		in.SyncStatus = "error"
	}
	return nil
}

type UsageStore struct {
	*state
}

func (s *UsageStore) Increment(_ context.Context, workspaceID uuid.UUID, day time.Time, delta models.UsageDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey{workspaceID, models.Day(day)}
	row, ok := s.usage[key]
	if !ok {
		row = &models.UsageTracking{
			ID:          uuid.New(),
			WorkspaceID: workspaceID,
			Date:        key.day,
			CreatedAt:   time.Now().UTC(),
		}
		s.usage[key] = row
	}
	row.FeedbackItemsProcessed += delta.FeedbackItemsProcessed
	row.AIAnalysesRun += delta.AIAnalysesRun
	row.AICostUSD += delta.AICostUSD
	return nil
}

func (s *UsageStore) List(_ context.Context, workspaceID uuid.UUID, from, to time.Time) ([]models.UsageTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, to = models.Day(from), models.Day(to)
	out := make([]models.UsageTracking, 0)
	for key, row := range s.usage {
		if key.workspaceID != workspaceID || key.day.Before(from) || key.day.After(to) {
			continue
		}
		out = append(out, *row)
	}
	slices.SortFunc(out, func(a, b models.UsageTracking) int {
		return a.Date.Compare(b.Date)
	})
	return out, nil
}

type SnapshotStore struct {
	*state
}

func (s *SnapshotStore) Insert(_ context.Context, snap *models.InsightsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapshotKey{snap.WorkspaceID, models.Day(snap.PeriodStart), snap.PeriodType}
	if _, ok := s.snapshots[key]; ok {
		return pipeline.ErrSnapshotExists
	}
	snap.ID = uuid.New()
	stored := cloneSnapshot(snap)
	s.snapshots[key] = &stored
	return nil
}

func (s *SnapshotStore) Get(_ context.Context, workspaceID uuid.UUID, periodStart time.Time, periodType models.PeriodType) (*models.InsightsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[snapshotKey{workspaceID, models.Day(periodStart), periodType}]
	if !ok {
		return nil, nil
	}
	out := cloneSnapshot(snap)
	return &out, nil
}

func (s *SnapshotStore) List(_ context.Context, workspaceID uuid.UUID, periodType *models.PeriodType, limit int) ([]models.InsightsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = defaultListLimit
	}
	out := make([]models.InsightsSnapshot, 0)
	for key, snap := range s.snapshots {
		if key.workspaceID != workspaceID || (periodType != nil && key.periodType != *periodType) {
			continue
		}
		out = append(out, cloneSnapshot(snap))
	}
	slices.SortFunc(out, func(a, b models.InsightsSnapshot) int {
		return b.PeriodStart.Compare(a.PeriodStart)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
