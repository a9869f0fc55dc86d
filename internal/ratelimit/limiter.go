package ratelimit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keyEnrichTenant = "insightops:ratelimit:enrich:%s"

// Limiter throttles enrichment calls per workspace.
type Limiter interface {
	Allow(ctx context.Context, workspaceID uuid.UUID) (*Result, error)
}

type TenantLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewTenantLimiter returns AllowAll when client is nil or rate is not
// positive.
func NewTenantLimiter(client redis.UniversalClient, rate float64, burst int) Limiter {
	if client == nil || rate <= 0 {
		return AllowAll{}
	}
	if burst <= 0 {
		burst = max(1, int(rate))
	}
	return &TenantLimiter{bucket: NewTokenBucket(client), rate: rate, burst: burst}
}

func (l *TenantLimiter) Allow(ctx context.Context, workspaceID uuid.UUID) (*Result, error) {
	return l.bucket.Allow(ctx, fmt.Sprintf(keyEnrichTenant, workspaceID), l.rate, l.burst)
}

type AllowAll struct{}

func (AllowAll) Allow(context.Context, uuid.UUID) (*Result, error) {
	return &Result{Allowed: true}, nil
}
