package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/lalith-99/insightops/internal/pipeline"
	"go.uber.org/zap"
)

// RowResult is the outcome of one submission in a batch. Exactly one of
// Outcome and Err is set.
type RowResult struct {
	Index   int
	Outcome *Outcome
	Err     error
	// Skipped rows were never attempted because an earlier row hit the plan
	// cap.
	Skipped bool
}

type BatchReport struct {
	Rows       []RowResult
	Created    int
	Duplicates int
	Failed     int
	Skipped    int
	// LimitReached is set when the batch stopped on the feedback cap.
	LimitReached bool
}

// SubmitBatch submits rows in order. Invalid rows are reported and do not
// stop the batch; the first LimitExceeded stops creation and every later row
// is reported as skipped.
func (g *Gate) SubmitBatch(ctx context.Context, subs []Submission) (*BatchReport, error) {
	report := &BatchReport{Rows: make([]RowResult, 0, len(subs))}

	var limitErr error
	for i, sub := range subs {
		if limitErr != nil {
			report.Rows = append(report.Rows, RowResult{Index: i, Err: limitErr, Skipped: true})
			report.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		outcome, err := g.Submit(ctx, sub)
		switch {
		case err == nil:
			report.Rows = append(report.Rows, RowResult{Index: i, Outcome: outcome})
			if outcome.Status == StatusDuplicate {
				report.Duplicates++
			} else {
				report.Created++
			}
		case errors.Is(err, pipeline.ErrLimitExceeded):
			report.Rows = append(report.Rows, RowResult{Index: i, Err: err})
			report.Failed++
			report.LimitReached = true
			limitErr = err
		case errors.Is(err, pipeline.ErrValidation):
			report.Rows = append(report.Rows, RowResult{Index: i, Err: err})
			report.Failed++
		default:
			return report, fmt.Errorf("submit row %d: %w", i, err)
		}
	}

	g.logger.Info("batch ingested",
		zap.Int("rows", len(subs)),
		zap.Int("created", report.Created),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}
