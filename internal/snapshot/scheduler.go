package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lalith-99/insightops/internal/clock"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/ratelimit"
	"github.com/lalith-99/insightops/internal/repository"
	"go.uber.org/zap"
)

const schedulerLockKey = "insightops:lock:snapshot-scheduler"

var scheduledPeriods = []models.PeriodType{models.PeriodDaily, models.PeriodWeekly, models.PeriodMonthly}

// Scheduler generates the last complete daily, weekly and monthly snapshot
// of every workspace on a ticker. It implements suture.Service.
//
// The lock elects one replica per tick. Without it, replicas race on the
// unique period constraint and every loser gets ErrSnapshotExists.
type Scheduler struct {
	aggregator *Aggregator
	workspaces repository.WorkspaceRepository
	snapshots  repository.SnapshotRepository
	locker     ratelimit.Locker
	interval   time.Duration
	clock      clock.Clock
	logger     *zap.Logger
}

// SchedulerReport counts one pass.
type SchedulerReport struct {
	Generated int
	Skipped   int
	Failed    int
}

func NewScheduler(aggregator *Aggregator, store *repository.Store, locker ratelimit.Locker, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Scheduler {
	if locker == nil {
		locker = ratelimit.NopLocker{}
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		aggregator: aggregator,
		workspaces: store.Workspaces,
		snapshots:  store.Snapshots,
		locker:     locker,
		interval:   interval,
		clock:      clk,
		logger:     logger.Named("snapshot.scheduler"),
	}
}

func (s *Scheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		report, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("snapshot pass failed", zap.Error(err))
		}
		if report != nil && report.Generated+report.Failed > 0 {
			s.logger.Info("snapshot pass",
				zap.Int("generated", report.Generated),
				zap.Int("skipped", report.Skipped),
				zap.Int("failed", report.Failed),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce returns a nil report when another replica holds the lock.
func (s *Scheduler) RunOnce(ctx context.Context) (*SchedulerReport, error) {
	token, ok, err := s.locker.TryLock(ctx, schedulerLockKey, s.interval)
	if err != nil {
		s.logger.Warn("scheduler lock unavailable, running unguarded", zap.Error(err))
	} else if !ok {
		return nil, nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), schedulerLockKey, token); err != nil {
			s.logger.Warn("release scheduler lock failed", zap.Error(err))
		}
	}()

	workspaces, err := s.workspaces.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}

	report := &SchedulerReport{}
	now := s.clock.Now()
	var errs []error
	for _, ws := range workspaces {
		for _, pt := range scheduledPeriods {
			if ctx.Err() != nil {
				return report, errors.Join(append(errs, ctx.Err())...)
			}
			start, end, err := LastComplete(pt, now)
			if err != nil {
				return report, err
			}
			existing, err := s.snapshots.Get(ctx, ws.ID, start, pt)
			if err != nil {
				report.Failed++
				errs = append(errs, fmt.Errorf("workspace %s %s: %w", ws.ID, pt, err))
				continue
			}
			if existing != nil {
				report.Skipped++
				continue
			}
			if _, err := s.aggregator.Generate(ctx, ws.ID, start, end, pt); err != nil {
				if errors.Is(err, pipeline.ErrSnapshotExists) {
					report.Skipped++
					continue
				}
				report.Failed++
				errs = append(errs, fmt.Errorf("workspace %s %s: %w", ws.ID, pt, err))
				continue
			}
			report.Generated++
		}
	}
	return report, errors.Join(errs...)
}

func (s *Scheduler) String() string { return "snapshot-scheduler" }
