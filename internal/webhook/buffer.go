// Package webhook stores inbound provider deliveries durably and drains them
// through the ingestion gate.
//
// Receive never calls the gate: a delivery is acknowledged once its raw
// payload is recorded. Drain replays recorded events in arrival order per
// integration, holding a lease so that two drainers never handle the same
// integration at once.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/clock"
	"github.com/lalith-99/insightops/internal/ingest"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/observ"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/repository"
	"go.uber.org/zap"
)

// Submitter is the part of ingest.Gate the buffer needs.
type Submitter interface {
	Submit(ctx context.Context, sub ingest.Submission) (*ingest.Outcome, error)
}

type Config struct {
	// MaxRetries is how many failed drains an event survives before it is
	// flagged permanently failed.
	MaxRetries int
	// LeaseDuration hides claimed events from other drainers. Events left
	// unhandled after a retryable failure wait out the rest of the lease.
	LeaseDuration time.Duration
	BatchSize     int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	return c
}

type ReceiveRequest struct {
	IntegrationID uuid.UUID
	// WebhookID is the provider delivery id. When empty the adapter may
	// derive one from the payload; without any, each delivery is distinct.
	WebhookID string
	EventType string
	Body      []byte
	Signature string
}

type ReceiveResult struct {
	Event     *models.WebhookEvent
	Duplicate bool
}

// DrainReport counts what one Drain pass did.
type DrainReport struct {
	Claimed           int
	Processed         int
	Duplicates        int
	Ignored           int
	Failed            int
	PermanentlyFailed int
}

func (r *DrainReport) add(o DrainReport) {
	r.Claimed += o.Claimed
	r.Processed += o.Processed
	r.Duplicates += o.Duplicates
	r.Ignored += o.Ignored
	r.Failed += o.Failed
	r.PermanentlyFailed += o.PermanentlyFailed
}

type Buffer struct {
	integrations repository.IntegrationRepository
	webhooks     repository.WebhookRepository
	gate         Submitter
	registry     *Registry
	cfg          Config
	clock        clock.Clock
	metrics      *observ.Metrics
	logger       *zap.Logger
}

func NewBuffer(store *repository.Store, gate Submitter, registry *Registry, cfg Config, clk clock.Clock, metrics *observ.Metrics, logger *zap.Logger) *Buffer {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if metrics == nil {
		metrics = observ.Default()
	}
	return &Buffer{
		integrations: store.Integrations,
		webhooks:     store.Webhooks,
		gate:         gate,
		registry:     registry,
		cfg:          cfg.withDefaults(),
		clock:        clk,
		metrics:      metrics,
		logger:       logger.Named("webhook"),
	}
}

func (b *Buffer) Config() Config {
	return b.cfg
}

// Receive verifies and records one delivery. Inactive integrations are
// treated as unknown. A body that is not a JSON object is still recorded,
// with its raw text, and fails when drained.
func (b *Buffer) Receive(ctx context.Context, req ReceiveRequest) (*ReceiveResult, error) {
	in, err := b.integrations.GetByID(ctx, req.IntegrationID)
	if err != nil {
		return nil, err
	}
	if in == nil || !in.IsActive {
		return nil, pipeline.ErrUnknownIntegration
	}
	if err := VerifySignature(in.WebhookSecret, req.Body, req.Signature); err != nil {
		b.metrics.WebhookEvents.WithLabelValues("rejected").Inc()
		b.logger.Warn("webhook signature mismatch", zap.String("integration_id", in.ID.String()))
		return nil, err
	}
	adapter := b.registry.For(in.Type)
	eventType := req.EventType
	webhookID := req.WebhookID
	payload, err := decodeObject(req.Body)
	if err != nil {
		// Acknowledged like any other delivery so the provider stops
		// retrying; Drain fails it permanently.
		b.logger.Warn("webhook body is not a JSON object",
			zap.String("integration_id", in.ID.String()),
			zap.Error(err),
		)
		payload = rawPayload(req.Body, err)
	} else {
		if eventType == "" {
			eventType = adapter.EventType(payload)
		}
		if webhookID == "" {
			webhookID = adapter.DeliveryID(payload)
		}
	}
	if eventType == "" {
		eventType = "unknown"
	}

	stored, duplicate, err := b.webhooks.Record(ctx, &models.WebhookEvent{
		WorkspaceID:   in.WorkspaceID,
		IntegrationID: in.ID,
		WebhookID:     optional(webhookID),
		EventType:     eventType,
		Payload:       payload,
		ReceivedAt:    b.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("record webhook event: %w", err)
	}

	outcome := "received"
	if duplicate {
		outcome = "duplicate"
	}
	b.metrics.WebhookEvents.WithLabelValues(outcome).Inc()
	return &ReceiveResult{Event: stored, Duplicate: duplicate}, nil
}

// Drain handles up to batchSize pending events of one integration, oldest
// first. It stops at the first retryable failure so that later events are
// not submitted ahead of it.
func (b *Buffer) Drain(ctx context.Context, integrationID uuid.UUID, batchSize int) (*DrainReport, error) {
	if batchSize <= 0 {
		batchSize = b.cfg.BatchSize
	}
	in, err := b.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, pipeline.ErrUnknownIntegration
	}

	now := b.clock.Now()
	events, err := b.webhooks.ClaimPending(ctx, integrationID, batchSize, now, now.Add(b.cfg.LeaseDuration))
	if err != nil {
		return nil, err
	}

	report := &DrainReport{Claimed: len(events)}
	if len(events) == 0 {
		return report, nil
	}

	adapter := b.registry.For(in.Type)
	var lastErr error
	for i := range events {
		if ctx.Err() != nil {
			break
		}
		ev := &events[i]
		stop, err := b.handle(ctx, in, adapter, ev, report)
		if err != nil {
			lastErr = err
		}
		if stop {
			break
		}
	}

	var syncErr *string
	if lastErr != nil {
		syncErr = optional(lastErr.Error())
	}
	if err := b.integrations.RecordSync(ctx, in.ID, report.Processed, syncErr, b.clock.Now()); err != nil {
		b.logger.Warn("record integration sync failed", zap.String("integration_id", in.ID.String()), zap.Error(err))
	}
	return report, nil
}

// handle processes one event. stop reports that the rest of the batch must
// wait.
func (b *Buffer) handle(ctx context.Context, in *models.Integration, adapter Adapter, ev *models.WebhookEvent, report *DrainReport) (stop bool, err error) {
	if err := undecodable(ev.Payload); err != nil {
		if ferr := b.fail(ctx, ev, err, true, report); ferr != nil {
			return true, ferr
		}
		return false, err
	}
	sub, err := adapter.Parse(ev.EventType, ev.Payload)
	if errors.Is(err, ErrEventIgnored) {
		if err := b.webhooks.MarkProcessed(ctx, ev.ID, nil, b.clock.Now()); err != nil {
			return true, err
		}
		report.Ignored++
		b.metrics.WebhookEvents.WithLabelValues("ignored").Inc()
		return false, nil
	}
	if err != nil {
		if ferr := b.fail(ctx, ev, err, true, report); ferr != nil {
			return true, ferr
		}
		return false, err
	}

	sub.WorkspaceID = in.WorkspaceID
	sub.IntegrationID = &in.ID
	sub.SourceType = adapter.Provider()

	out, err := b.gate.Submit(ctx, *sub)
	if err != nil {
		if ctx.Err() != nil {
			return true, err
		}
		permanent := errors.Is(err, pipeline.ErrValidation)
		if ferr := b.fail(ctx, ev, err, permanent, report); ferr != nil {
			return true, ferr
		}
		return !permanent, err
	}

	if err := b.webhooks.MarkProcessed(ctx, ev.ID, &out.Item.ID, b.clock.Now()); err != nil {
		return true, err
	}
	report.Processed++
	if out.Status == ingest.StatusDuplicate {
		report.Duplicates++
	}
	b.metrics.WebhookEvents.WithLabelValues("processed").Inc()
	return false, nil
}

func (b *Buffer) fail(ctx context.Context, ev *models.WebhookEvent, cause error, permanent bool, report *DrainReport) error {
	dead, err := b.webhooks.MarkFailed(ctx, ev.ID, cause.Error(), b.cfg.MaxRetries, permanent)
	if err != nil {
		return err
	}
	report.Failed++
	fields := []zap.Field{
		zap.String("event_id", ev.ID.String()),
		zap.String("integration_id", ev.IntegrationID.String()),
		zap.String("event_type", ev.EventType),
		zap.Int("retry_count", ev.RetryCount+1),
		zap.Error(cause),
	}
	if dead {
		report.PermanentlyFailed++
		b.metrics.WebhookEvents.WithLabelValues("permanently_failed").Inc()
		b.logger.Error("webhook event permanently failed", fields...)
		return nil
	}
	b.metrics.WebhookEvents.WithLabelValues("failed").Inc()
	b.logger.Warn("webhook event failed", fields...)
	return nil
}

// DrainAll drains every integration that has pending events.
func (b *Buffer) DrainAll(ctx context.Context, batchSize int) (*DrainReport, error) {
	ids, err := b.webhooks.IntegrationsWithPending(ctx, b.clock.Now())
	if err != nil {
		return nil, err
	}

	total := &DrainReport{}
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report, err := b.Drain(ctx, id, batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("drain integration %s: %w", id, err))
			continue
		}
		total.add(*report)
	}
	return total, errors.Join(errs...)
}
