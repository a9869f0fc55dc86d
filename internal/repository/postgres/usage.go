package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/insightops/internal/models"
)

type UsageStore struct {
	pool *pgxpool.Pool
}

func NewUsageStore(pool *pgxpool.Pool) *UsageStore {
	return &UsageStore{pool: pool}
}

func (s *UsageStore) Increment(ctx context.Context, workspaceID uuid.UUID, day time.Time, delta models.UsageDelta) error {
	query := `
		INSERT INTO usage_tracking (workspace_id, date, feedback_items_processed, ai_analyses_run, ai_cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT ON CONSTRAINT uq_usage_workspace_date DO UPDATE
		SET feedback_items_processed = usage_tracking.feedback_items_processed + EXCLUDED.feedback_items_processed,
		    ai_analyses_run          = usage_tracking.ai_analyses_run + EXCLUDED.ai_analyses_run,
		    ai_cost_usd              = usage_tracking.ai_cost_usd + EXCLUDED.ai_cost_usd`

	_, err := s.pool.Exec(ctx, query,
		workspaceID,
		models.Day(day),
		delta.FeedbackItemsProcessed,
		delta.AIAnalysesRun,
		delta.AICostUSD,
	)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

func (s *UsageStore) List(ctx context.Context, workspaceID uuid.UUID, from, to time.Time) ([]models.UsageTracking, error) {
	query := `
		SELECT id, workspace_id, date, feedback_items_processed, ai_analyses_run, ai_cost_usd, created_at
		FROM usage_tracking
		WHERE workspace_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date`

	rows, err := s.pool.Query(ctx, query, workspaceID, models.Day(from), models.Day(to))
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	usage := make([]models.UsageTracking, 0)
	for rows.Next() {
		var u models.UsageTracking
		if err := rows.Scan(&u.ID, &u.WorkspaceID, &u.Date, &u.FeedbackItemsProcessed, &u.AIAnalysesRun, &u.AICostUSD, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		usage = append(usage, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage: %w", err)
	}
	return usage, nil
}
