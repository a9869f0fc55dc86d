package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/insightops/internal/repository"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so helpers can run
// standalone or inside a caller's transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewStore wires every Postgres repository onto one pool.
func NewStore(pool *pgxpool.Pool) *repository.Store {
	return &repository.Store{
		Workspaces:   NewWorkspaceStore(pool),
		Integrations: NewIntegrationStore(pool),
		Feedback:     NewFeedbackStore(pool),
		Jobs:         NewJobStore(pool),
		Webhooks:     NewWebhookStore(pool),
		Usage:        NewUsageStore(pool),
		Snapshots:    NewSnapshotStore(pool),
	}
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
