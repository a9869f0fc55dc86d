package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lalith-99/insightops/internal/observ"
	"github.com/lalith-99/insightops/internal/pipeline"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type BreakerConfig struct {
	Name string
	// ConsecutiveFailures trips the breaker open.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32
}

// Breaker wraps an Enricher in a circuit breaker. Only transient failures
// count towards tripping; an open circuit is reported as transient so the
// job is retried later.
type Breaker struct {
	next    Enricher
	cb      *gobreaker.CircuitBreaker[*Result]
	metrics *observ.Metrics
}

func NewBreaker(next Enricher, cfg BreakerConfig, metrics *observ.Metrics, logger *zap.Logger) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "enricher"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if metrics == nil {
		metrics = observ.Default()
	}
	logger = logger.Named("enrich.breaker")

	b := &Breaker{next: next, metrics: metrics}
	b.cb = gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, pipeline.ErrTransient) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("enricher circuit state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(float64(gobreaker.StateClosed))
	return b
}

func (b *Breaker) Enrich(ctx context.Context, req Request) (*Result, error) {
	result, err := b.cb.Execute(func() (*Result, error) {
		return b.next.Enrich(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, pipeline.Transient(fmt.Errorf("enricher unavailable: %w", err))
	}
	return result, err
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
