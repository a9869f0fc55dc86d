// Package events fans processing events out to live subscribers of a
// workspace. Delivery is best effort: slow subscribers drop events and
// nothing is persisted.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	TypeFeedbackProcessed = "feedback.processed"
	TypeFeedbackFailed    = "feedback.failed"
	TypeSnapshotGenerated = "snapshot.generated"
)

type Event struct {
	Type           string     `json:"type"`
	WorkspaceID    uuid.UUID  `json:"workspace_id"`
	FeedbackItemID *uuid.UUID `json:"feedback_item_id,omitempty"`
	JobID          *uuid.UUID `json:"job_id,omitempty"`
	SnapshotID     *uuid.UUID `json:"snapshot_id,omitempty"`
	Sentiment      *string    `json:"sentiment,omitempty"`
	Category       *string    `json:"category,omitempty"`
	Error          *string    `json:"error,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus is a Publisher that can also be subscribed to.
type Bus interface {
	Publisher
	// Subscribe streams the workspace's events until ctx ends or the
	// returned cancel func is called. The channel is closed afterwards.
	Subscribe(ctx context.Context, workspaceID uuid.UUID) (<-chan Event, func(), error)
}

const subscriberBuffer = 32

func channelName(workspaceID uuid.UUID) string {
	return "insightops:events:" + workspaceID.String()
}
