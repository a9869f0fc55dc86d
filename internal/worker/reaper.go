package worker

import (
	"context"
	"time"

	"github.com/lalith-99/insightops/internal/queue"
	"go.uber.org/zap"
)

// Reaper returns jobs abandoned by crashed workers to the queue. It
// implements suture.Service.
type Reaper struct {
	queue    *queue.Queue
	interval time.Duration
	logger   *zap.Logger
}

func NewReaper(q *queue.Queue, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{queue: q, interval: interval, logger: logger.Named("worker.reaper")}
}

func (r *Reaper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reaper) RunOnce(ctx context.Context) {
	result, err := r.queue.ReapStale(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("reap stale jobs failed", zap.Error(err))
		}
		return
	}
	if n := len(result.Requeued) + len(result.Failed); n > 0 {
		r.logger.Info("reaped stale jobs",
			zap.Int("requeued", len(result.Requeued)),
			zap.Int("failed", len(result.Failed)),
		)
	}
}

func (r *Reaper) String() string { return "job-reaper" }
