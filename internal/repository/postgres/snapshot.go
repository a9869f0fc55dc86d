package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/pipeline"
)

type SnapshotStore struct {
	pool *pgxpool.Pool
}

func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const snapshotColumns = `id, workspace_id, period_start, period_end, period_type, total_feedback_count,
	sentiment_breakdown, category_breakdown, top_issues, sentiment_change, volume_change,
	COALESCE(generation_time_ms, 0), generated_at`

func scanSnapshot(row pgx.Row) (*models.InsightsSnapshot, error) {
	var (
		snap       models.InsightsSnapshot
		periodType string
	)
	err := row.Scan(
		&snap.ID,
		&snap.WorkspaceID,
		&snap.PeriodStart,
		&snap.PeriodEnd,
		&periodType,
		&snap.TotalFeedbackCount,
		&snap.SentimentBreakdown,
		&snap.CategoryBreakdown,
		&snap.TopIssues,
		&snap.SentimentChange,
		&snap.VolumeChange,
		&snap.GenerationTimeMS,
		&snap.GeneratedAt,
	)
	if err != nil {
		return nil, err
	}
	snap.PeriodType = models.PeriodType(periodType)
	return &snap, nil
}

func (s *SnapshotStore) Insert(ctx context.Context, snap *models.InsightsSnapshot) error {
	query := `
		INSERT INTO insights_snapshots (
			workspace_id, period_start, period_end, period_type, total_feedback_count,
			sentiment_breakdown, category_breakdown, top_issues, sentiment_change,
			volume_change, generation_time_ms, generated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT ON CONSTRAINT uq_insight_period DO NOTHING
		RETURNING id`

	err := s.pool.QueryRow(ctx, query,
		snap.WorkspaceID,
		snap.PeriodStart,
		snap.PeriodEnd,
		string(snap.PeriodType),
		snap.TotalFeedbackCount,
		snap.SentimentBreakdown,
		snap.CategoryBreakdown,
		snap.TopIssues,
		snap.SentimentChange,
		snap.VolumeChange,
		snap.GenerationTimeMS,
		snap.GeneratedAt,
	).Scan(&snap.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.ErrSnapshotExists
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Get(ctx context.Context, workspaceID uuid.UUID, periodStart time.Time, periodType models.PeriodType) (*models.InsightsSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM insights_snapshots
		WHERE workspace_id = $1 AND period_start = $2 AND period_type = $3`

	snap, err := scanSnapshot(s.pool.QueryRow(ctx, query, workspaceID, models.Day(periodStart), string(periodType)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

func (s *SnapshotStore) List(ctx context.Context, workspaceID uuid.UUID, periodType *models.PeriodType, limit int) ([]models.InsightsSnapshot, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var typeFilter *string
	if periodType != nil {
		t := string(*periodType)
		typeFilter = &t
	}

	query := `
		SELECT ` + snapshotColumns + `
		FROM insights_snapshots
		WHERE workspace_id = $1 AND ($2::text IS NULL OR period_type = $2)
		ORDER BY period_start DESC
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, workspaceID, typeFilter, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := make([]models.InsightsSnapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}
