package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/repository"
)

type JobStore struct {
	pool *pgxpool.Pool
}

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

const jobColumns = `id, workspace_id, feedback_item_id, job_type, status, attempts, input_data,
	output_data, error_message, started_at, completed_at, available_at, created_at`

const reapMessage = "visibility timeout exceeded"

// maxBackoffDoublings matches the exponent bound in repository.Backoff.
const maxBackoffDoublings = 20

func scanJob(row pgx.Row) (*models.AIAnalysisJob, error) {
	var (
		j       models.AIAnalysisJob
		jobType string
		status  string
	)
	err := row.Scan(
		&j.ID,
		&j.WorkspaceID,
		&j.FeedbackItemID,
		&jobType,
		&status,
		&j.Attempts,
		&j.InputData,
		&j.OutputData,
		&j.ErrorMessage,
		&j.StartedAt,
		&j.CompletedAt,
		&j.AvailableAt,
		&j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.JobType = models.JobType(jobType)
	j.Status = models.JobStatus(status)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]models.AIAnalysisJob, error) {
	defer rows.Close()

	jobs := make([]models.AIAnalysisJob, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func sortByCreated(jobs []models.AIAnalysisJob) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID.String() < jobs[b].ID.String()
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}

func insertJobs(ctx context.Context, q querier, item *models.FeedbackItem, jobTypes []models.JobType, now time.Time) ([]models.AIAnalysisJob, error) {
	query := `
		INSERT INTO ai_analysis_jobs (workspace_id, feedback_item_id, job_type, status, attempts, input_data, available_at, created_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5, $5)
		RETURNING ` + jobColumns

	jobs := make([]models.AIAnalysisJob, 0, len(jobTypes))
	for _, jt := range jobTypes {
		input := map[string]any{"source_type": string(item.SourceType)}
		j, err := scanJob(q.QueryRow(ctx, query, item.WorkspaceID, item.ID, string(jt), input, now))
		if err != nil {
			return nil, fmt.Errorf("insert %s job: %w", jt, err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

// Claim locks candidate jobs together with their feedback rows using SKIP
// LOCKED, so two claimers never see the same item. Sibling jobs of one item
// can still land in a single batch; only the oldest is taken.
//
// Selection and update are two statements in one transaction rather than a
// single UPDATE ... RETURNING: the per-item dedup has to happen between them,
// and the row locks taken by the SELECT keep other claimers off the chosen
// rows until commit. Jobs still inside their retry backoff are skipped by the
// available_at filter, which idx_jobs_pending covers.
func (s *JobStore) Claim(ctx context.Context, jobType *models.JobType, limit int, now time.Time) ([]models.AIAnalysisJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	var typeFilter *string
	if jobType != nil {
		t := string(*jobType)
		typeFilter = &t
	}

	candidates := `
		SELECT j.id, j.feedback_item_id
		FROM ai_analysis_jobs j
		JOIN feedback_items f ON f.id = j.feedback_item_id
		WHERE j.status = 'pending'
		  AND j.available_at <= $3
		  AND ($1::text IS NULL OR j.job_type = $1)
		  AND NOT EXISTS (
			SELECT 1 FROM ai_analysis_jobs p
			WHERE p.feedback_item_id = j.feedback_item_id AND p.status = 'processing')
		ORDER BY j.created_at, j.id
		LIMIT $2
		FOR UPDATE OF j, f SKIP LOCKED`

	claim := `
		UPDATE ai_analysis_jobs
		SET status = 'processing', started_at = $2, attempts = attempts + 1
		WHERE id = ANY($1) AND status = 'pending'
		RETURNING ` + jobColumns

	var claimed []models.AIAnalysisJob
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, candidates, typeFilter, limit, now)
		if err != nil {
			return err
		}
		seen := make(map[uuid.UUID]bool)
		ids := make([]uuid.UUID, 0, limit)
		for rows.Next() {
			var jobID, itemID uuid.UUID
			if err := rows.Scan(&jobID, &itemID); err != nil {
				rows.Close()
				return err
			}
			if seen[itemID] {
				continue
			}
			seen[itemID] = true
			ids = append(ids, jobID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		updated, err := tx.Query(ctx, claim, ids, now)
		if err != nil {
			return err
		}
		claimed, err = collectJobs(updated)
		return err
	})
	if err != nil {
		// A sibling committed to processing between our snapshot and update.
		// Nothing was claimed; the next poll retries.
		if isUniqueViolation(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	sortByCreated(claimed)
	return claimed, nil
}

func (s *JobStore) GetByID(ctx context.Context, jobID uuid.UUID) (*models.AIAnalysisJob, error) {
	query := `SELECT ` + jobColumns + ` FROM ai_analysis_jobs WHERE id = $1`

	j, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *JobStore) ListByItem(ctx context.Context, itemID uuid.UUID) ([]models.AIAnalysisJob, error) {
	query := `SELECT ` + jobColumns + ` FROM ai_analysis_jobs WHERE feedback_item_id = $1 ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *JobStore) Complete(ctx context.Context, jobID uuid.UUID, output map[string]any, now time.Time) (bool, error) {
	query := `
		UPDATE ai_analysis_jobs
		SET status = 'completed', output_data = $2, error_message = NULL, completed_at = $3
		WHERE id = $1 AND status = 'processing'`

	tag, err := s.pool.Exec(ctx, query, jobID, output, now)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *JobStore) Fail(ctx context.Context, jobID uuid.UUID, message string, now time.Time) (bool, error) {
	query := `
		UPDATE ai_analysis_jobs
		SET status = 'failed', error_message = $2, completed_at = $3
		WHERE id = $1 AND status = 'processing'`

	tag, err := s.pool.Exec(ctx, query, jobID, message, now)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *JobStore) Requeue(ctx context.Context, jobID uuid.UUID, message string, refund bool, availableAt time.Time) (bool, error) {
	query := `
		UPDATE ai_analysis_jobs
		SET status = 'pending',
		    error_message = $2,
		    started_at = NULL,
		    available_at = $4,
		    attempts = CASE WHEN $3 THEN GREATEST(attempts - 1, 0) ELSE attempts END
		WHERE id = $1 AND status = 'processing'`

	tag, err := s.pool.Exec(ctx, query, jobID, message, refund, availableAt)
	if err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReapStale computes each requeued job's backoff in SQL so one statement
// handles the whole batch. The delay mirrors repository.Backoff.Delay: base
// doubled per attempt beyond the first, capped. SKIP LOCKED lets a reaper on
// another replica run concurrently without blocking on the same rows.
func (s *JobStore) ReapStale(ctx context.Context, cutoff time.Time, maxRetries int, now time.Time, backoff repository.Backoff) (*repository.ReapResult, error) {
	query := `
		UPDATE ai_analysis_jobs
		SET status = CASE WHEN attempts > $2 THEN 'failed' ELSE 'pending' END,
		    error_message = $4,
		    started_at = CASE WHEN attempts > $2 THEN started_at ELSE NULL END,
		    completed_at = CASE WHEN attempts > $2 THEN $3 ELSE completed_at END,
		    available_at = CASE WHEN attempts > $2 THEN available_at
		        ELSE $3::timestamptz + make_interval(secs => LEAST(
		            $5::float8 * power(2, LEAST(GREATEST(attempts - 1, 0), $7::int)),
		            $6::float8))
		        END
		WHERE id IN (
			SELECT id FROM ai_analysis_jobs
			WHERE status = 'processing' AND started_at < $1
			FOR UPDATE SKIP LOCKED)
		RETURNING ` + jobColumns

	rows, err := s.pool.Query(ctx, query, cutoff, maxRetries, now, reapMessage,
		backoff.Base.Seconds(), backoff.MaxDelay().Seconds(), maxBackoffDoublings)
	if err != nil {
		return nil, fmt.Errorf("reap stale jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	result := &repository.ReapResult{}
	for _, j := range jobs {
		if j.Status == models.JobFailed {
			result.Failed = append(result.Failed, j)
		} else {
			result.Requeued = append(result.Requeued, j)
		}
	}
	return result, nil
}

func (s *JobStore) CreateForItem(ctx context.Context, workspaceID, itemID uuid.UUID, jobTypes []models.JobType, now time.Time) ([]models.AIAnalysisJob, error) {
	var jobs []models.AIAnalysisJob

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		item, err := scanFeedback(tx.QueryRow(ctx,
			`SELECT `+feedbackColumns+` FROM feedback_items WHERE id = $1 AND workspace_id = $2 FOR UPDATE`,
			itemID, workspaceID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("feedback %s: %w", itemID, pipeline.ErrNotFound)
			}
			return err
		}

		var active bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM ai_analysis_jobs
				WHERE feedback_item_id = $1 AND status IN ('pending', 'processing'))`,
			itemID).Scan(&active)
		if err != nil {
			return err
		}
		if active {
			return pipeline.ErrJobsActive
		}

		jobs, err = insertJobs(ctx, tx, item, jobTypes, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create jobs: %w", err)
	}
	return jobs, nil
}
