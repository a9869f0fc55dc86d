package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/repository"
)

const defaultListLimit = 50

type FeedbackStore struct {
	*state
}

func (s *FeedbackStore) CreateWithJobs(_ context.Context, item *models.FeedbackItem, jobTypes []models.JobType, now time.Time) (*repository.CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key *naturalKey
	if item.ExternalID != nil {
		key = &naturalKey{item.WorkspaceID, *item.ExternalID, item.SourceType}
		if id, ok := s.naturalKeys[*key]; ok {
			return &repository.CreateResult{Item: cloneFeedback(s.feedback[id]), Duplicate: true}, nil
		}
	}

	if err := s.reserveFeedbackSlotLocked(item.WorkspaceID); err != nil {
		return nil, fmt.Errorf("create feedback: %w", err)
	}

	f := cloneFeedback(item)
	f.ID = uuid.New()
	if f.SourceMetadata == nil {
		f.SourceMetadata = map[string]any{}
	}
	f.IsProcessed = false
	f.ProcessedAt = nil
	f.CreatedAt = now
	f.UpdatedAt = now
	s.feedback[f.ID] = f
	if key != nil {
		s.naturalKeys[*key] = f.ID
	}

	return &repository.CreateResult{
		Item: cloneFeedback(f),
		Jobs: s.insertJobsLocked(f, jobTypes, now),
	}, nil
}

func (s *state) insertJobsLocked(item *models.FeedbackItem, jobTypes []models.JobType, now time.Time) []models.AIAnalysisJob {
	jobs := make([]models.AIAnalysisJob, 0, len(jobTypes))
	for _, jt := range jobTypes {
		row := &jobRow{
			job: models.AIAnalysisJob{
				ID:             uuid.New(),
				WorkspaceID:    item.WorkspaceID,
				FeedbackItemID: item.ID,
				JobType:        jt,
				Status:         models.JobPending,
				InputData:      map[string]any{"source_type": string(item.SourceType)},
				AvailableAt:    now,
				CreatedAt:      now,
			},
			seq: s.nextSeq(),
		}
		s.jobs[row.job.ID] = row
		jobs = append(jobs, cloneJob(&row.job))
	}
	return jobs
}

func (s *FeedbackStore) GetByID(_ context.Context, workspaceID, itemID uuid.UUID) (*models.FeedbackItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.feedback[itemID]
	if !ok || f.WorkspaceID != workspaceID {
		return nil, nil
	}
	return cloneFeedback(f), nil
}

func (s *FeedbackStore) FindByNaturalKey(_ context.Context, workspaceID uuid.UUID, externalID string, source models.SourceType) (*models.FeedbackItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.naturalKeys[naturalKey{workspaceID, externalID, source}]
	if !ok {
		return nil, nil
	}
	return cloneFeedback(s.feedback[id]), nil
}

func (s *FeedbackStore) List(_ context.Context, workspaceID uuid.UUID, filter repository.ListFilter) ([]models.FeedbackItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.FeedbackItem, 0)
	for _, f := range s.feedback {
		if f.WorkspaceID != workspaceID {
			continue
		}
		if filter.Processed != nil && f.IsProcessed != *filter.Processed {
			continue
		}
		if filter.Before != nil && !f.CreatedAt.Before(*filter.Before) {
			continue
		}
		out = append(out, *cloneFeedback(f))
	}
	slices.SortFunc(out, func(a, b models.FeedbackItem) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return compareUUID(b.ID, a.ID)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FeedbackStore) ListProcessedBetween(_ context.Context, workspaceID uuid.UUID, from, to time.Time) ([]models.FeedbackItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.FeedbackItem, 0)
	for _, f := range s.feedback {
		if f.WorkspaceID != workspaceID || !f.IsProcessed {
			continue
		}
		if f.CreatedAt.Before(from) || !f.CreatedAt.Before(to) {
			continue
		}
		out = append(out, *cloneFeedback(f))
	}
	slices.SortFunc(out, func(a, b models.FeedbackItem) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareUUID(a.ID, b.ID)
	})
	return out, nil
}

func (s *FeedbackStore) ApplyEnrichment(_ context.Context, workspaceID, itemID uuid.UUID, patch models.EnrichmentPatch, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.feedback[itemID]
	if !ok || f.WorkspaceID != workspaceID {
		return fmt.Errorf("apply enrichment: feedback %s not found", itemID)
	}
	if patch.Sentiment != nil {
		f.Sentiment = ptr(*patch.Sentiment)
	}
	if patch.SentimentScore != nil {
		f.SentimentScore = ptr(*patch.SentimentScore)
	}
	if patch.ConfidenceScore != nil {
		f.ConfidenceScore = ptr(*patch.ConfidenceScore)
	}
	if patch.PrimaryCategory != nil {
		f.PrimaryCategory = ptr(*patch.PrimaryCategory)
	}
	if patch.Categories != nil {
		f.Categories = slices.Clone(patch.Categories)
	}
	if patch.AISummary != nil {
		f.AISummary = ptr(*patch.AISummary)
	}
	if patch.PriorityScore != nil {
		f.PriorityScore = *patch.PriorityScore
	}
	if patch.Keywords != nil {
		f.Keywords = slices.Clone(patch.Keywords)
	}
	f.ProcessingError = nil
	f.UpdatedAt = now
	return nil
}

func (s *FeedbackStore) RecordError(_ context.Context, workspaceID, itemID uuid.UUID, message string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.feedback[itemID]; ok && f.WorkspaceID == workspaceID {
		f.ProcessingError = ptr(message)
		f.UpdatedAt = now
	}
	return nil
}

func (s *FeedbackStore) FinalizeIfDone(_ context.Context, workspaceID, itemID uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.feedback[itemID]
	if !ok || f.WorkspaceID != workspaceID || f.IsProcessed {
		return false, nil
	}

	completed := false
	for _, row := range s.jobs {
		if row.job.FeedbackItemID != itemID {
			continue
		}
		if !row.job.Status.Terminal() {
			return false, nil
		}
		if row.job.Status == models.JobCompleted {
			completed = true
		}
	}
	if !completed {
		return false, nil
	}

	f.IsProcessed = true
	f.ProcessedAt = ptr(now)
	f.UpdatedAt = now
	return true, nil
}

func (s *FeedbackStore) OverrideCategory(_ context.Context, workspaceID, itemID uuid.UUID, category string, now time.Time) (*models.FeedbackItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.feedback[itemID]
	if !ok || f.WorkspaceID != workspaceID {
		return nil, nil
	}
	f.UserCategoryOverride = ptr(category)
	f.ReviewedByUser = true
	f.UpdatedAt = now
	return cloneFeedback(f), nil
}

func compareUUID(a, b uuid.UUID) int {
	return slices.Compare(a[:], b[:])
}
