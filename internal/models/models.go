package models

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionPlan carries the limits a workspace is held to.
// A limit <= 0 means the plan does not cap that resource.
type SubscriptionPlan struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	MaxFeedbackItems int       `json:"max_feedback_items"`
	MaxIntegrations  int       `json:"max_integrations"`
	AIAnalysisLimit  int       `json:"ai_analysis_limit"`
	Features         []string  `json:"features"`
	CreatedAt        time.Time `json:"created_at"`
}

// Workspace is the tenant. Every other row belongs to exactly one workspace.
//
// CurrentFeedbackCount and MonthlyAIAnalysisCount are only ever changed by
// the usage accountant. LastResetDate never moves backwards; when "now" falls
// in a later calendar month than LastResetDate, the monthly AI counter is
// reset once and LastResetDate advances.
type Workspace struct {
	ID                     uuid.UUID  `json:"id"`
	Name                   string     `json:"name"`
	Slug                   string     `json:"slug,omitempty"`
	SubscriptionPlanID     *uuid.UUID `json:"subscription_plan_id,omitempty"`
	SubscriptionStatus     string     `json:"subscription_status"`
	CurrentFeedbackCount   int        `json:"current_feedback_count"`
	MonthlyAIAnalysisCount int        `json:"monthly_ai_analysis_count"`
	LastResetDate          time.Time  `json:"last_reset_date"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Integration is a connected feedback source (Zendesk account, Intercom app,
// generic webhook). OAuth credentials live with the integrations service;
// this core only needs the type, the webhook secret and sync bookkeeping.
type Integration struct {
	ID               uuid.UUID  `json:"id"`
	WorkspaceID      uuid.UUID  `json:"workspace_id"`
	Type             SourceType `json:"type"`
	Name             string     `json:"name"`
	WebhookSecret    string     `json:"-"`
	IsActive         bool       `json:"is_active"`
	SyncStatus       string     `json:"sync_status"`
	TotalItemsSynced int        `json:"total_items_synced"`
	LastSyncAt       *time.Time `json:"last_sync_at,omitempty"`
	LastErrorMessage *string    `json:"last_error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// FeedbackItem is one piece of customer feedback.
//
// Source facts are written once at creation. Enrichment facts are written by
// the worker pool; a field the enricher did not return is left untouched.
type FeedbackItem struct {
	ID            uuid.UUID  `json:"id"`
	WorkspaceID   uuid.UUID  `json:"workspace_id"`
	IntegrationID *uuid.UUID `json:"integration_id,omitempty"`

	SourceType     SourceType     `json:"source_type"`
	ExternalID     *string        `json:"external_id,omitempty"`
	SourceURL      *string        `json:"source_url,omitempty"`
	CustomerEmail  *string        `json:"customer_email,omitempty"`
	CustomerName   *string        `json:"customer_name,omitempty"`
	RawContent     string         `json:"raw_content"`
	SourceMetadata map[string]any `json:"source_metadata,omitempty"`

	Sentiment       *string  `json:"sentiment,omitempty"`
	SentimentScore  *float64 `json:"sentiment_score,omitempty"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
	PrimaryCategory *string  `json:"primary_category,omitempty"`
	Categories      []string `json:"categories,omitempty"`
	AISummary       *string  `json:"ai_summary,omitempty"`
	PriorityScore   int      `json:"priority_score"`
	Keywords        []string `json:"keywords,omitempty"`

	IsProcessed          bool       `json:"is_processed"`
	ProcessingError      *string    `json:"processing_error,omitempty"`
	ReviewedByUser       bool       `json:"reviewed_by_user"`
	UserCategoryOverride *string    `json:"user_category_override,omitempty"`
	ProcessedAt          *time.Time `json:"processed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// EffectiveCategory is the reviewer override when present, otherwise the
// enriched primary category. Empty when neither is set.
func (f *FeedbackItem) EffectiveCategory() string {
	if f.UserCategoryOverride != nil && *f.UserCategoryOverride != "" {
		return *f.UserCategoryOverride
	}
	if f.PrimaryCategory != nil {
		return *f.PrimaryCategory
	}
	return ""
}

// EnrichmentPatch is the set of enrichment facts a single job produced.
// Nil pointers and nil slices mean "not produced" and never overwrite.
type EnrichmentPatch struct {
	Sentiment       *string
	SentimentScore  *float64
	ConfidenceScore *float64
	PrimaryCategory *string
	Categories      []string
	AISummary       *string
	PriorityScore   *int
	Keywords        []string
}

// AIAnalysisJob is one unit of enrichment work for one feedback item.
// Status only moves pending -> processing -> completed|failed, with
// processing -> pending allowed for retries and reaped jobs. AvailableAt
// is the earliest time a pending job may be claimed; a requeued job waits out
// its backoff there.
type AIAnalysisJob struct {
	ID             uuid.UUID      `json:"id"`
	WorkspaceID    uuid.UUID      `json:"workspace_id"`
	FeedbackItemID uuid.UUID      `json:"feedback_item_id"`
	JobType        JobType        `json:"job_type"`
	Status         JobStatus      `json:"status"`
	Attempts       int            `json:"attempts"`
	InputData      map[string]any `json:"input_data,omitempty"`
	OutputData     map[string]any `json:"output_data,omitempty"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	AvailableAt    time.Time      `json:"available_at"`
	CreatedAt      time.Time      `json:"created_at"`
}

// WebhookEvent is a raw inbound payload kept until it has been turned into a
// feedback item or has exhausted its retries. Rows are never deleted here.
type WebhookEvent struct {
	ID                uuid.UUID      `json:"id"`
	WorkspaceID       uuid.UUID      `json:"workspace_id"`
	IntegrationID     uuid.UUID      `json:"integration_id"`
	WebhookID         *string        `json:"webhook_id,omitempty"`
	EventType         string         `json:"event_type"`
	Payload           map[string]any `json:"payload"`
	Processed         bool           `json:"processed"`
	PermanentlyFailed bool           `json:"permanently_failed"`
	ProcessingError   *string        `json:"processing_error,omitempty"`
	RetryCount        int            `json:"retry_count"`
	DeliveryCount     int            `json:"delivery_count"`
	FeedbackItemID    *uuid.UUID     `json:"feedback_item_id,omitempty"`
	ReceivedAt        time.Time      `json:"received_at"`
	ProcessedAt       *time.Time     `json:"processed_at,omitempty"`
}

// UsageTracking is the per-workspace, per-calendar-day usage row.
type UsageTracking struct {
	ID                     uuid.UUID `json:"id"`
	WorkspaceID            uuid.UUID `json:"workspace_id"`
	Date                   time.Time `json:"date"`
	FeedbackItemsProcessed int       `json:"feedback_items_processed"`
	AIAnalysesRun          int       `json:"ai_analyses_run"`
	AICostUSD              float64   `json:"ai_cost_usd"`
	CreatedAt              time.Time `json:"created_at"`
}

// UsageDelta is an increment applied to a UsageTracking row.
type UsageDelta struct {
	FeedbackItemsProcessed int
	AIAnalysesRun          int
	AICostUSD              float64
}

type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

type TopIssue struct {
	Category string `json:"category"`
	Keyword  string `json:"keyword"`
	Count    int    `json:"count"`
}

// InsightsSnapshot is immutable once stored. There is at most one per
// (workspace, period_start, period_type).
type InsightsSnapshot struct {
	ID                 uuid.UUID       `json:"id"`
	WorkspaceID        uuid.UUID       `json:"workspace_id"`
	PeriodStart        time.Time       `json:"period_start"`
	PeriodEnd          time.Time       `json:"period_end"`
	PeriodType         PeriodType      `json:"period_type"`
	TotalFeedbackCount int             `json:"total_feedback_count"`
	SentimentBreakdown map[string]int  `json:"sentiment_breakdown"`
	CategoryBreakdown  []CategoryCount `json:"category_breakdown"`
	TopIssues          []TopIssue      `json:"top_issues"`
	SentimentChange    *float64        `json:"sentiment_change,omitempty"`
	VolumeChange       *float64        `json:"volume_change,omitempty"`
	GenerationTimeMS   int             `json:"generation_time_ms"`
	GeneratedAt        time.Time       `json:"generated_at"`
}
