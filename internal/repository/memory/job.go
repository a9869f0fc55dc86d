package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/repository"
)

const reapMessage = "visibility timeout exceeded"

type JobStore struct {
	*state
}

func (s *state) sortedJobsLocked(keep func(*models.AIAnalysisJob) bool) []*jobRow {
	rows := make([]*jobRow, 0)
	for _, row := range s.jobs {
		if keep(&row.job) {
			rows = append(rows, row)
		}
	}
	slices.SortFunc(rows, func(a, b *jobRow) int {
		if c := a.job.CreatedAt.Compare(b.job.CreatedAt); c != 0 {
			return c
		}
		return int(a.seq - b.seq)
	})
	return rows
}

func (s *JobStore) Claim(_ context.Context, jobType *models.JobType, limit int, now time.Time) ([]models.AIAnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}

	busy := make(map[uuid.UUID]bool)
	for _, row := range s.jobs {
		if row.job.Status == models.JobProcessing {
			busy[row.job.FeedbackItemID] = true
		}
	}

	pending := s.sortedJobsLocked(func(j *models.AIAnalysisJob) bool {
		return j.Status == models.JobPending && !j.AvailableAt.After(now) &&
			(jobType == nil || j.JobType == *jobType)
	})

	claimed := make([]models.AIAnalysisJob, 0, limit)
	for _, row := range pending {
		if len(claimed) == limit {
			break
		}
		if busy[row.job.FeedbackItemID] {
			continue
		}
		busy[row.job.FeedbackItemID] = true
		row.job.Status = models.JobProcessing
		row.job.StartedAt = ptr(now)
		row.job.Attempts++
		claimed = append(claimed, cloneJob(&row.job))
	}
	return claimed, nil
}

func (s *JobStore) GetByID(_ context.Context, jobID uuid.UUID) (*models.AIAnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	j := cloneJob(&row.job)
	return &j, nil
}

func (s *JobStore) ListByItem(_ context.Context, itemID uuid.UUID) ([]models.AIAnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.sortedJobsLocked(func(j *models.AIAnalysisJob) bool {
		return j.FeedbackItemID == itemID
	})
	out := make([]models.AIAnalysisJob, 0, len(rows))
	for _, row := range rows {
		out = append(out, cloneJob(&row.job))
	}
	return out, nil
}

// transition applies fn to a processing job. Jobs in any other state are
// left alone.
func (s *JobStore) transition(jobID uuid.UUID, fn func(j *models.AIAnalysisJob)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[jobID]
	if !ok || row.job.Status != models.JobProcessing {
		return false
	}
	fn(&row.job)
	return true
}

func (s *JobStore) Complete(_ context.Context, jobID uuid.UUID, output map[string]any, now time.Time) (bool, error) {
	return s.transition(jobID, func(j *models.AIAnalysisJob) {
		j.Status = models.JobCompleted
		j.OutputData = output
		j.ErrorMessage = nil
		j.CompletedAt = ptr(now)
	}), nil
}

func (s *JobStore) Fail(_ context.Context, jobID uuid.UUID, message string, now time.Time) (bool, error) {
	return s.transition(jobID, func(j *models.AIAnalysisJob) {
		j.Status = models.JobFailed
		j.ErrorMessage = ptr(message)
		j.CompletedAt = ptr(now)
	}), nil
}

func (s *JobStore) Requeue(_ context.Context, jobID uuid.UUID, message string, refund bool, availableAt time.Time) (bool, error) {
	return s.transition(jobID, func(j *models.AIAnalysisJob) {
		j.Status = models.JobPending
		j.ErrorMessage = ptr(message)
		j.StartedAt = nil
		j.AvailableAt = availableAt
		if refund && j.Attempts > 0 {
			j.Attempts--
		}
	}), nil
}

func (s *JobStore) ReapStale(_ context.Context, cutoff time.Time, maxRetries int, now time.Time, backoff repository.Backoff) (*repository.ReapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := s.sortedJobsLocked(func(j *models.AIAnalysisJob) bool {
		return j.Status == models.JobProcessing && j.StartedAt != nil && j.StartedAt.Before(cutoff)
	})

	result := &repository.ReapResult{}
	for _, row := range stale {
		j := &row.job
		j.ErrorMessage = ptr(reapMessage)
		if j.Attempts > maxRetries {
			j.Status = models.JobFailed
			j.CompletedAt = ptr(now)
			result.Failed = append(result.Failed, cloneJob(j))
			continue
		}
		j.Status = models.JobPending
		j.StartedAt = nil
		j.AvailableAt = now.Add(backoff.Delay(j.Attempts))
		result.Requeued = append(result.Requeued, cloneJob(j))
	}
	return result, nil
}

func (s *JobStore) CreateForItem(_ context.Context, workspaceID, itemID uuid.UUID, jobTypes []models.JobType, now time.Time) ([]models.AIAnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.feedback[itemID]
	if !ok || f.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("create jobs: feedback %s: %w", itemID, pipeline.ErrNotFound)
	}
	for _, row := range s.jobs {
		if row.job.FeedbackItemID == itemID && !row.job.Status.Terminal() {
			return nil, fmt.Errorf("create jobs: %w", pipeline.ErrJobsActive)
		}
	}
	return s.insertJobsLocked(f, jobTypes, now), nil
}
