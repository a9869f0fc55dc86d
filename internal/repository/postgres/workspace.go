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

type WorkspaceStore struct {
	pool *pgxpool.Pool
}

func NewWorkspaceStore(pool *pgxpool.Pool) *WorkspaceStore {
	return &WorkspaceStore{pool: pool}
}

const workspaceColumns = `id, name, COALESCE(slug, ''), subscription_plan_id, subscription_status,
	current_feedback_count, monthly_ai_analysis_count, last_reset_date, created_at, updated_at`

func scanWorkspace(row pgx.Row) (*models.Workspace, error) {
	var w models.Workspace
	err := row.Scan(
		&w.ID,
		&w.Name,
		&w.Slug,
		&w.SubscriptionPlanID,
		&w.SubscriptionStatus,
		&w.CurrentFeedbackCount,
		&w.MonthlyAIAnalysisCount,
		&w.LastResetDate,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *WorkspaceStore) CreatePlan(ctx context.Context, plan *models.SubscriptionPlan) (*models.SubscriptionPlan, error) {
	query := `
		INSERT INTO subscription_plans (name, max_feedback_items, max_integrations, ai_analysis_limit, features, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, name, max_feedback_items, max_integrations, ai_analysis_limit, features, created_at`

	features := plan.Features
	if features == nil {
		features = []string{}
	}
	var p models.SubscriptionPlan
	err := s.pool.QueryRow(ctx, query, plan.Name, plan.MaxFeedbackItems, plan.MaxIntegrations, plan.AIAnalysisLimit, features).Scan(
		&p.ID,
		&p.Name,
		&p.MaxFeedbackItems,
		&p.MaxIntegrations,
		&p.AIAnalysisLimit,
		&p.Features,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert plan: %w", err)
	}
	return &p, nil
}

func (s *WorkspaceStore) Create(ctx context.Context, ws *models.Workspace) (*models.Workspace, error) {
	query := `
		INSERT INTO workspaces (name, slug, subscription_plan_id, subscription_status, last_reset_date, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, now(), now())
		RETURNING ` + workspaceColumns

	status := ws.SubscriptionStatus
	if status == "" {
		status = "free"
	}
	resetDate := ws.LastResetDate
	if resetDate.IsZero() {
		resetDate = models.Day(time.Now())
	}
	w, err := scanWorkspace(s.pool.QueryRow(ctx, query, ws.Name, ws.Slug, ws.SubscriptionPlanID, status, resetDate))
	if err != nil {
		return nil, fmt.Errorf("insert workspace: %w", err)
	}
	return w, nil
}

func (s *WorkspaceStore) GetByID(ctx context.Context, workspaceID uuid.UUID) (*models.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE id = $1`

	w, err := scanWorkspace(s.pool.QueryRow(ctx, query, workspaceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return w, nil
}

func (s *WorkspaceStore) List(ctx context.Context) ([]models.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	workspaces := make([]models.Workspace, 0)
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		workspaces = append(workspaces, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return workspaces, nil
}

func (s *WorkspaceStore) Plan(ctx context.Context, workspaceID uuid.UUID) (*models.SubscriptionPlan, error) {
	query := `
		SELECT p.id, p.name, p.max_feedback_items, p.max_integrations, p.ai_analysis_limit, p.features, p.created_at
		FROM workspaces w
		JOIN subscription_plans p ON p.id = w.subscription_plan_id
		WHERE w.id = $1`

	var p models.SubscriptionPlan
	err := s.pool.QueryRow(ctx, query, workspaceID).Scan(
		&p.ID,
		&p.Name,
		&p.MaxFeedbackItems,
		&p.MaxIntegrations,
		&p.AIAnalysisLimit,
		&p.Features,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &p, nil
}

// Limit subqueries resolve to 0 (uncapped) when no plan is attached.
const (
	feedbackLimitExpr = `COALESCE((SELECT p.max_feedback_items FROM subscription_plans p WHERE p.id = w.subscription_plan_id), 0)`
	aiLimitExpr       = `COALESCE((SELECT p.ai_analysis_limit FROM subscription_plans p WHERE p.id = w.subscription_plan_id), 0)`
	monthCrossedExpr  = `date_trunc('month', w.last_reset_date) < date_trunc('month', $2::date)`
)

func (s *WorkspaceStore) ReserveFeedbackSlot(ctx context.Context, workspaceID uuid.UUID) error {
	return reserveFeedbackSlot(ctx, s.pool, workspaceID)
}

// reserveFeedbackSlot is a conditional increment: the row lock taken by
// UPDATE serializes concurrent reservations for the same workspace, and the
// WHERE clause is re-evaluated against the committed count.
func reserveFeedbackSlot(ctx context.Context, q querier, workspaceID uuid.UUID) error {
	query := `
		UPDATE workspaces w
		SET current_feedback_count = w.current_feedback_count + 1,
		    updated_at = now()
		WHERE w.id = $1
		  AND (` + feedbackLimitExpr + ` <= 0 OR w.current_feedback_count < ` + feedbackLimitExpr + `)`

	tag, err := q.Exec(ctx, query, workspaceID)
	if err != nil {
		return fmt.Errorf("reserve feedback slot: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return limitOrMissing(ctx, q, workspaceID, pipeline.ResourceFeedbackItems,
		`SELECT w.current_feedback_count, `+feedbackLimitExpr+` FROM workspaces w WHERE w.id = $1`)
}

func (s *WorkspaceStore) ReserveAIQuota(ctx context.Context, workspaceID uuid.UUID, now time.Time) error {
	query := `
		UPDATE workspaces w
		SET monthly_ai_analysis_count = CASE WHEN ` + monthCrossedExpr + ` THEN 1 ELSE w.monthly_ai_analysis_count + 1 END,
		    last_reset_date = CASE WHEN ` + monthCrossedExpr + ` THEN $2::date ELSE w.last_reset_date END,
		    updated_at = now()
		WHERE w.id = $1
		  AND (` + aiLimitExpr + ` <= 0
		       OR ` + monthCrossedExpr + `
		       OR w.monthly_ai_analysis_count < ` + aiLimitExpr + `)`

	tag, err := s.pool.Exec(ctx, query, workspaceID, models.Day(now))
	if err != nil {
		return fmt.Errorf("reserve ai quota: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return limitOrMissing(ctx, s.pool, workspaceID, pipeline.ResourceAIAnalyses,
		`SELECT w.monthly_ai_analysis_count, `+aiLimitExpr+` FROM workspaces w WHERE w.id = $1`)
}

func (s *WorkspaceStore) ReleaseAIQuota(ctx context.Context, workspaceID uuid.UUID) error {
	query := `
		UPDATE workspaces
		SET monthly_ai_analysis_count = GREATEST(monthly_ai_analysis_count - 1, 0),
		    updated_at = now()
		WHERE id = $1`

	if _, err := s.pool.Exec(ctx, query, workspaceID); err != nil {
		return fmt.Errorf("release ai quota: %w", err)
	}
	return nil
}

func limitOrMissing(ctx context.Context, q querier, workspaceID uuid.UUID, resource, query string) error {
	var used, limit int
	err := q.QueryRow(ctx, query, workspaceID).Scan(&used, &limit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("workspace %s: %w", workspaceID, pipeline.ErrNotFound)
		}
		return fmt.Errorf("read %s usage: %w", resource, err)
	}
	return &pipeline.LimitError{Resource: resource, Limit: limit, Used: used}
}

// Delete removes children explicitly, leaves first, then the workspace.
func (s *WorkspaceStore) Delete(ctx context.Context, workspaceID uuid.UUID) error {
	statements := []string{
		`DELETE FROM webhook_events WHERE workspace_id = $1`,
		`DELETE FROM ai_analysis_jobs WHERE workspace_id = $1`,
		`DELETE FROM usage_tracking WHERE workspace_id = $1`,
		`DELETE FROM insights_snapshots WHERE workspace_id = $1`,
		`DELETE FROM feedback_items WHERE workspace_id = $1`,
		`DELETE FROM integrations WHERE workspace_id = $1`,
		`DELETE FROM workspaces WHERE id = $1`,
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt, workspaceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}
