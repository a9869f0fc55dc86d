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
)

type IntegrationStore struct {
	pool *pgxpool.Pool
}

func NewIntegrationStore(pool *pgxpool.Pool) *IntegrationStore {
	return &IntegrationStore{pool: pool}
}

const integrationColumns = `id, workspace_id, type, COALESCE(name, ''), webhook_secret, is_active,
	sync_status, total_items_synced, last_sync_at, last_error_message, created_at`

func scanIntegration(row pgx.Row) (*models.Integration, error) {
	var (
		in         models.Integration
		sourceType string
	)
	err := row.Scan(
		&in.ID,
		&in.WorkspaceID,
		&sourceType,
		&in.Name,
		&in.WebhookSecret,
		&in.IsActive,
		&in.SyncStatus,
		&in.TotalItemsSynced,
		&in.LastSyncAt,
		&in.LastErrorMessage,
		&in.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	in.Type = models.SourceType(sourceType)
	return &in, nil
}

func (s *IntegrationStore) Create(ctx context.Context, in *models.Integration) (*models.Integration, error) {
	query := `
		INSERT INTO integrations (workspace_id, type, name, webhook_secret, is_active, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, now())
		RETURNING ` + integrationColumns

	created, err := scanIntegration(s.pool.QueryRow(ctx, query,
		in.WorkspaceID, string(in.Type), in.Name, in.WebhookSecret, in.IsActive))
	if err != nil {
		return nil, fmt.Errorf("insert integration: %w", err)
	}
	return created, nil
}

func (s *IntegrationStore) GetByID(ctx context.Context, integrationID uuid.UUID) (*models.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE id = $1`

	in, err := scanIntegration(s.pool.QueryRow(ctx, query, integrationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get integration: %w", err)
	}
	return in, nil
}

func (s *IntegrationStore) RecordSync(ctx context.Context, integrationID uuid.UUID, items int, syncErr *string, now time.Time) error {
	query := `
		UPDATE integrations
		SET total_items_synced = total_items_synced + $2,
		    sync_status = CASE WHEN $3::text IS NULL THEN 'completed' ELSE 'error' END,
		    last_error_message = $3,
		    last_sync_at = $4
		WHERE id = $1`

	if _, err := s.pool.Exec(ctx, query, integrationID, items, syncErr, now); err != nil {
		return fmt.Errorf("record sync: %w", err)
	}
	return nil
}
