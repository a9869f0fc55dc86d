package observ

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("enrich: %w", context.DeadlineExceeded), ReasonDeadline},
		{"canceled", context.Canceled, ReasonCanceled},
		{"validation", pipeline.Invalid("raw_content", "required"), ReasonValidation},
		{"limit", &pipeline.LimitError{Resource: pipeline.ResourceAIAnalyses, Limit: 1, Used: 1}, ReasonLimit},
		{"consistency", fmt.Errorf("complete: %w", pipeline.ErrConsistency), ReasonConsistency},
		{"terminal", pipeline.Terminal(errors.New("bad request")), ReasonTerminal},
		{"transient", pipeline.Transient(errors.New("503")), ReasonTransient},
		{"db", fmt.Errorf("claim: %w", &pgconn.PgError{Code: "40001"}), ReasonDB},
		{"unknown", errors.New("boom"), ReasonUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
}

func TestNewMetricsRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.QueueTransitions.WithLabelValues("pending", "processing").Inc()
	m.QueueTransitions.WithLabelValues("pending", "processing").Inc()
	m.ConsistencyViolations.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueTransitions.WithLabelValues("pending", "processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsistencyViolations))

	count, err := testutil.GatherAndCount(reg, "insightops_queue_transitions_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}
