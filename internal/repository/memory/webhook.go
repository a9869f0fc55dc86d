package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/models"
)

type WebhookStore struct {
	*state
}

func (row *webhookRow) drainable(now time.Time) bool {
	return !row.event.Processed && !row.event.PermanentlyFailed &&
		(row.lockedUntil == nil || row.lockedUntil.Before(now))
}

func (row *webhookRow) leased(now time.Time) bool {
	return !row.event.Processed && !row.event.PermanentlyFailed &&
		row.lockedUntil != nil && !row.lockedUntil.Before(now)
}

func (s *WebhookStore) Record(_ context.Context, ev *models.WebhookEvent) (*models.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.WebhookID != nil {
		key := deliveryKey{ev.IntegrationID, *ev.WebhookID}
		if id, ok := s.deliveries[key]; ok {
			row := s.webhooks[id]
			row.event.DeliveryCount++
			out := cloneWebhook(&row.event)
			return &out, true, nil
		}
	}

	stored := cloneWebhook(ev)
	stored.ID = uuid.New()
	if stored.Payload == nil {
		stored.Payload = map[string]any{}
	}
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = time.Now().UTC()
	}
	stored.Processed = false
	stored.PermanentlyFailed = false
	stored.RetryCount = 0
	stored.DeliveryCount = 1
	s.webhooks[stored.ID] = &webhookRow{event: stored, seq: s.nextSeq()}
	if ev.WebhookID != nil {
		s.deliveries[deliveryKey{ev.IntegrationID, *ev.WebhookID}] = stored.ID
	}

	out := cloneWebhook(&stored)
	return &out, false, nil
}

func (s *WebhookStore) GetByID(_ context.Context, eventID uuid.UUID) (*models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.webhooks[eventID]
	if !ok {
		return nil, nil
	}
	out := cloneWebhook(&row.event)
	return &out, nil
}

func (s *WebhookStore) ClaimPending(_ context.Context, integrationID uuid.UUID, limit int, now, leaseUntil time.Time) ([]models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}

	candidates := make([]*webhookRow, 0)
	for _, row := range s.webhooks {
		if row.event.IntegrationID != integrationID {
			continue
		}
		if row.leased(now) {
			return nil, nil
		}
		if row.drainable(now) {
			candidates = append(candidates, row)
		}
	}
	slices.SortFunc(candidates, func(a, b *webhookRow) int {
		if c := a.event.ReceivedAt.Compare(b.event.ReceivedAt); c != 0 {
			return c
		}
		return int(a.seq - b.seq)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]models.WebhookEvent, 0, len(candidates))
	for _, row := range candidates {
		row.lockedUntil = ptr(leaseUntil)
		out = append(out, cloneWebhook(&row.event))
	}
	return out, nil
}

func (s *WebhookStore) MarkProcessed(_ context.Context, eventID uuid.UUID, feedbackItemID *uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.webhooks[eventID]
	if !ok {
		return fmt.Errorf("mark webhook processed: event %s not found", eventID)
	}
	row.event.Processed = true
	row.event.FeedbackItemID = feedbackItemID
	row.event.ProcessingError = nil
	row.event.ProcessedAt = ptr(now)
	row.lockedUntil = nil
	return nil
}

func (s *WebhookStore) MarkFailed(_ context.Context, eventID uuid.UUID, message string, maxRetries int, permanent bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.webhooks[eventID]
	if !ok {
		return false, fmt.Errorf("mark webhook failed: event %s not found", eventID)
	}
	row.event.RetryCount++
	row.event.ProcessingError = ptr(message)
	row.event.PermanentlyFailed = permanent || row.event.RetryCount >= maxRetries
	row.lockedUntil = nil
	return row.event.PermanentlyFailed, nil
}

func (s *WebhookStore) IntegrationsWithPending(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]bool)
	ids := make([]uuid.UUID, 0)
	for _, row := range s.webhooks {
		id := row.event.IntegrationID
		if row.drainable(now) && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, compareUUID)
	return ids, nil
}
