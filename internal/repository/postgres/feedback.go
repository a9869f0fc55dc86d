package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/repository"
)

type FeedbackStore struct {
	pool *pgxpool.Pool
}

func NewFeedbackStore(pool *pgxpool.Pool) *FeedbackStore {
	return &FeedbackStore{pool: pool}
}

const feedbackColumns = `id, workspace_id, integration_id, source_type, external_id, source_url,
	customer_email, customer_name, raw_content, source_metadata, sentiment, sentiment_score,
	confidence_score, primary_category, categories, ai_summary, priority_score, keywords,
	is_processed, processing_error, reviewed_by_user, user_category_override, processed_at,
	created_at, updated_at`

const defaultListLimit = 50

// errLostDedupRace marks an insert that hit the natural-key constraint after
// the lookup missed; a concurrent ingest got there first.
var errLostDedupRace = errors.New("lost dedup race")

func scanFeedback(row pgx.Row) (*models.FeedbackItem, error) {
	var (
		f          models.FeedbackItem
		sourceType string
	)
	err := row.Scan(
		&f.ID,
		&f.WorkspaceID,
		&f.IntegrationID,
		&sourceType,
		&f.ExternalID,
		&f.SourceURL,
		&f.CustomerEmail,
		&f.CustomerName,
		&f.RawContent,
		&f.SourceMetadata,
		&f.Sentiment,
		&f.SentimentScore,
		&f.ConfidenceScore,
		&f.PrimaryCategory,
		&f.Categories,
		&f.AISummary,
		&f.PriorityScore,
		&f.Keywords,
		&f.IsProcessed,
		&f.ProcessingError,
		&f.ReviewedByUser,
		&f.UserCategoryOverride,
		&f.ProcessedAt,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.SourceType = models.SourceType(sourceType)
	return &f, nil
}

func collectFeedback(rows pgx.Rows) ([]models.FeedbackItem, error) {
	defer rows.Close()

	items := make([]models.FeedbackItem, 0)
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		items = append(items, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}
	return items, nil
}

func (s *FeedbackStore) CreateWithJobs(ctx context.Context, item *models.FeedbackItem, jobTypes []models.JobType, now time.Time) (*repository.CreateResult, error) {
	var result *repository.CreateResult

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if item.ExternalID != nil {
			existing, err := findByNaturalKey(ctx, tx, item.WorkspaceID, *item.ExternalID, item.SourceType)
			if err != nil {
				return err
			}
			if existing != nil {
				result = &repository.CreateResult{Item: existing, Duplicate: true}
				return nil
			}
		}

		if err := reserveFeedbackSlot(ctx, tx, item.WorkspaceID); err != nil {
			return err
		}

		created, err := insertFeedback(ctx, tx, item, now)
		if err != nil {
			return err
		}

		jobs, err := insertJobs(ctx, tx, created, jobTypes, now)
		if err != nil {
			return err
		}
		result = &repository.CreateResult{Item: created, Jobs: jobs}
		return nil
	})

	if errors.Is(err, errLostDedupRace) {
		existing, findErr := s.FindByNaturalKey(ctx, item.WorkspaceID, *item.ExternalID, item.SourceType)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, fmt.Errorf("create feedback: natural key conflict without a visible row")
		}
		return &repository.CreateResult{Item: existing, Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create feedback: %w", err)
	}
	return result, nil
}

func insertFeedback(ctx context.Context, q querier, item *models.FeedbackItem, now time.Time) (*models.FeedbackItem, error) {
	query := `
		INSERT INTO feedback_items (
			workspace_id, integration_id, source_type, external_id, source_url,
			customer_email, customer_name, raw_content, source_metadata,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT ON CONSTRAINT uq_feedback_unique DO NOTHING
		RETURNING ` + feedbackColumns

	metadata := item.SourceMetadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	created, err := scanFeedback(q.QueryRow(ctx, query,
		item.WorkspaceID,
		item.IntegrationID,
		string(item.SourceType),
		item.ExternalID,
		item.SourceURL,
		item.CustomerEmail,
		item.CustomerName,
		item.RawContent,
		metadata,
		now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return nil, errLostDedupRace
		}
		return nil, fmt.Errorf("insert feedback: %w", err)
	}
	return created, nil
}

func (s *FeedbackStore) GetByID(ctx context.Context, workspaceID, itemID uuid.UUID) (*models.FeedbackItem, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback_items WHERE id = $1 AND workspace_id = $2`

	f, err := scanFeedback(s.pool.QueryRow(ctx, query, itemID, workspaceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get feedback: %w", err)
	}
	return f, nil
}

func (s *FeedbackStore) FindByNaturalKey(ctx context.Context, workspaceID uuid.UUID, externalID string, source models.SourceType) (*models.FeedbackItem, error) {
	f, err := findByNaturalKey(ctx, s.pool, workspaceID, externalID, source)
	if err != nil {
		return nil, fmt.Errorf("find feedback: %w", err)
	}
	return f, nil
}

func findByNaturalKey(ctx context.Context, q querier, workspaceID uuid.UUID, externalID string, source models.SourceType) (*models.FeedbackItem, error) {
	query := `
		SELECT ` + feedbackColumns + `
		FROM feedback_items
		WHERE workspace_id = $1 AND external_id = $2 AND source_type = $3`

	f, err := scanFeedback(q.QueryRow(ctx, query, workspaceID, externalID, string(source)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

func (s *FeedbackStore) List(ctx context.Context, workspaceID uuid.UUID, filter repository.ListFilter) ([]models.FeedbackItem, error) {
	conds := []string{"workspace_id = $1"}
	args := []any{workspaceID}

	if filter.Processed != nil {
		args = append(args, *filter.Processed)
		conds = append(conds, fmt.Sprintf("is_processed = $%d", len(args)))
	}
	if filter.Before != nil {
		args = append(args, *filter.Before)
		conds = append(conds, fmt.Sprintf("created_at < $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s
		FROM feedback_items
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, feedbackColumns, strings.Join(conds, " AND "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	return collectFeedback(rows)
}

func (s *FeedbackStore) ListProcessedBetween(ctx context.Context, workspaceID uuid.UUID, from, to time.Time) ([]models.FeedbackItem, error) {
	query := `
		SELECT ` + feedbackColumns + `
		FROM feedback_items
		WHERE workspace_id = $1
		  AND is_processed = true
		  AND created_at >= $2
		  AND created_at < $3
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, workspaceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list processed feedback: %w", err)
	}
	return collectFeedback(rows)
}

func (s *FeedbackStore) ApplyEnrichment(ctx context.Context, workspaceID, itemID uuid.UUID, patch models.EnrichmentPatch, now time.Time) error {
	query := `
		UPDATE feedback_items
		SET sentiment        = COALESCE($3, sentiment),
		    sentiment_score  = COALESCE($4, sentiment_score),
		    confidence_score = COALESCE($5, confidence_score),
		    primary_category = COALESCE($6, primary_category),
		    categories       = COALESCE($7::text[], categories),
		    ai_summary       = COALESCE($8, ai_summary),
		    priority_score   = COALESCE($9::int, priority_score),
		    keywords         = COALESCE($10::text[], keywords),
		    processing_error = NULL,
		    updated_at       = $11
		WHERE id = $1 AND workspace_id = $2`

	tag, err := s.pool.Exec(ctx, query,
		itemID,
		workspaceID,
		patch.Sentiment,
		patch.SentimentScore,
		patch.ConfidenceScore,
		patch.PrimaryCategory,
		patch.Categories,
		patch.AISummary,
		patch.PriorityScore,
		patch.Keywords,
		now,
	)
	if err != nil {
		return fmt.Errorf("apply enrichment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("apply enrichment: feedback %s not found", itemID)
	}
	return nil
}

func (s *FeedbackStore) RecordError(ctx context.Context, workspaceID, itemID uuid.UUID, message string, now time.Time) error {
	query := `
		UPDATE feedback_items
		SET processing_error = $3, updated_at = $4
		WHERE id = $1 AND workspace_id = $2`

	if _, err := s.pool.Exec(ctx, query, itemID, workspaceID, message, now); err != nil {
		return fmt.Errorf("record processing error: %w", err)
	}
	return nil
}

// FinalizeIfDone relies on the row lock taken by UPDATE plus the
// is_processed = false recheck, so of two workers finishing sibling jobs at
// once exactly one flips the flag.
func (s *FeedbackStore) FinalizeIfDone(ctx context.Context, workspaceID, itemID uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE feedback_items f
		SET is_processed = true, processed_at = $3, updated_at = $3
		WHERE f.id = $1
		  AND f.workspace_id = $2
		  AND f.is_processed = false
		  AND NOT EXISTS (
			SELECT 1 FROM ai_analysis_jobs j
			WHERE j.feedback_item_id = f.id AND j.status IN ('pending', 'processing'))
		  AND EXISTS (
			SELECT 1 FROM ai_analysis_jobs j
			WHERE j.feedback_item_id = f.id AND j.status = 'completed')`

	tag, err := s.pool.Exec(ctx, query, itemID, workspaceID, now)
	if err != nil {
		return false, fmt.Errorf("finalize feedback: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *FeedbackStore) OverrideCategory(ctx context.Context, workspaceID, itemID uuid.UUID, category string, now time.Time) (*models.FeedbackItem, error) {
	query := `
		UPDATE feedback_items
		SET user_category_override = $3, reviewed_by_user = true, updated_at = $4
		WHERE id = $1 AND workspace_id = $2
		RETURNING ` + feedbackColumns

	f, err := scanFeedback(s.pool.QueryRow(ctx, query, itemID, workspaceID, category, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("override category: %w", err)
	}
	return f, nil
}
