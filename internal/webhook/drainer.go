package webhook

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Drainer runs DrainAll on a ticker. It implements suture.Service.
type Drainer struct {
	buffer   *Buffer
	interval time.Duration
	logger   *zap.Logger
}

func NewDrainer(buffer *Buffer, interval time.Duration, logger *zap.Logger) *Drainer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Drainer{buffer: buffer, interval: interval, logger: logger.Named("webhook.drainer")}
}

func (d *Drainer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Drainer) RunOnce(ctx context.Context) {
	report, err := d.buffer.DrainAll(ctx, d.buffer.cfg.BatchSize)
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("webhook drain pass failed", zap.Error(err))
	}
	if report != nil && report.Claimed > 0 {
		d.logger.Info("webhook drain pass",
			zap.Int("claimed", report.Claimed),
			zap.Int("processed", report.Processed),
			zap.Int("duplicates", report.Duplicates),
			zap.Int("ignored", report.Ignored),
			zap.Int("failed", report.Failed),
			zap.Int("permanently_failed", report.PermanentlyFailed),
		)
	}
}

func (d *Drainer) String() string { return "webhook-drainer" }
