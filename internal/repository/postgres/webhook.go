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
)

type WebhookStore struct {
	pool *pgxpool.Pool
}

func NewWebhookStore(pool *pgxpool.Pool) *WebhookStore {
	return &WebhookStore{pool: pool}
}

const webhookColumns = `id, workspace_id, integration_id, webhook_id, event_type, payload, processed,
	permanently_failed, processing_error, retry_count, delivery_count, feedback_item_id,
	received_at, processed_at`

func webhookDest(ev *models.WebhookEvent) []any {
	return []any{
		&ev.ID,
		&ev.WorkspaceID,
		&ev.IntegrationID,
		&ev.WebhookID,
		&ev.EventType,
		&ev.Payload,
		&ev.Processed,
		&ev.PermanentlyFailed,
		&ev.ProcessingError,
		&ev.RetryCount,
		&ev.DeliveryCount,
		&ev.FeedbackItemID,
		&ev.ReceivedAt,
		&ev.ProcessedAt,
	}
}

func scanWebhook(row pgx.Row) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	if err := row.Scan(webhookDest(&ev)...); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Record uses xmax to tell a fresh insert (xmax = 0) from an upsert that hit
// an existing delivery.
func (s *WebhookStore) Record(ctx context.Context, ev *models.WebhookEvent) (*models.WebhookEvent, bool, error) {
	query := `
		INSERT INTO webhook_events (workspace_id, integration_id, webhook_id, event_type, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT ON CONSTRAINT uq_webhook_delivery
		DO UPDATE SET delivery_count = webhook_events.delivery_count + 1
		RETURNING ` + webhookColumns + `, NOT (xmax = 0) AS duplicate`

	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	var (
		stored    models.WebhookEvent
		duplicate bool
	)
	dest := append(webhookDest(&stored), &duplicate)
	err := s.pool.QueryRow(ctx, query,
		ev.WorkspaceID, ev.IntegrationID, ev.WebhookID, ev.EventType, payload, receivedAt,
	).Scan(dest...)
	if err != nil {
		return nil, false, fmt.Errorf("record webhook: %w", err)
	}
	return &stored, duplicate, nil
}

func (s *WebhookStore) GetByID(ctx context.Context, eventID uuid.UUID) (*models.WebhookEvent, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_events WHERE id = $1`

	ev, err := scanWebhook(s.pool.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return ev, nil
}

// ClaimPending serializes drainers of one integration on a transaction
// advisory lock and refuses to lease while another lease is live, which keeps
// events of an integration flowing through one drainer in arrival order.
func (s *WebhookStore) ClaimPending(ctx context.Context, integrationID uuid.UUID, limit int, now, leaseUntil time.Time) ([]models.WebhookEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	// Why an advisory lock and a NOT EXISTS guard?
	//   - SKIP LOCKED alone lets two drainers lease different rows of the
	//     same integration, and the later event could commit first.
	//   - The xact lock makes concurrent ClaimPending calls for one
	//     integration queue up. The guard then sees the winner's live lease
	//     and returns nothing, so only one drainer holds that integration.
	//   - An expired lease (locked_until < now) counts as free, so a crashed
	//     drainer only delays its events by the lease length.
	lease := `
		UPDATE webhook_events
		SET locked_until = $4
		WHERE id IN (
			SELECT e.id FROM webhook_events e
			WHERE e.integration_id = $1
			  AND e.processed = false
			  AND e.permanently_failed = false
			  AND (e.locked_until IS NULL OR e.locked_until < $3)
			  AND NOT EXISTS (
				SELECT 1 FROM webhook_events l
				WHERE l.integration_id = $1
				  AND l.processed = false
				  AND l.permanently_failed = false
				  AND l.locked_until >= $3)
			ORDER BY e.received_at, e.id
			LIMIT $2
			FOR UPDATE SKIP LOCKED)
		RETURNING ` + webhookColumns

	var events []models.WebhookEvent
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, integrationID.String()); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, lease, integrationID, limit, now, leaseUntil)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			ev, err := scanWebhook(rows)
			if err != nil {
				return err
			}
			events = append(events, *ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("claim webhooks: %w", err)
	}

	sort.SliceStable(events, func(a, b int) bool {
		if events[a].ReceivedAt.Equal(events[b].ReceivedAt) {
			return events[a].ID.String() < events[b].ID.String()
		}
		return events[a].ReceivedAt.Before(events[b].ReceivedAt)
	})
	return events, nil
}

func (s *WebhookStore) MarkProcessed(ctx context.Context, eventID uuid.UUID, feedbackItemID *uuid.UUID, now time.Time) error {
	query := `
		UPDATE webhook_events
		SET processed = true,
		    feedback_item_id = $2,
		    processing_error = NULL,
		    locked_until = NULL,
		    processed_at = $3
		WHERE id = $1`

	if _, err := s.pool.Exec(ctx, query, eventID, feedbackItemID, now); err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	return nil
}

func (s *WebhookStore) MarkFailed(ctx context.Context, eventID uuid.UUID, message string, maxRetries int, permanent bool) (bool, error) {
	query := `
		UPDATE webhook_events
		SET retry_count = retry_count + 1,
		    processing_error = $2,
		    locked_until = NULL,
		    permanently_failed = ($4 OR retry_count + 1 >= $3)
		WHERE id = $1
		RETURNING permanently_failed`

	var failed bool
	if err := s.pool.QueryRow(ctx, query, eventID, message, maxRetries, permanent).Scan(&failed); err != nil {
		return false, fmt.Errorf("mark webhook failed: %w", err)
	}
	return failed, nil
}

func (s *WebhookStore) IntegrationsWithPending(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT integration_id
		FROM webhook_events
		WHERE processed = false
		  AND permanently_failed = false
		  AND (locked_until IS NULL OR locked_until < $1)`

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list pending integrations: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan integration id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending integrations: %w", err)
	}
	return ids, nil
}
