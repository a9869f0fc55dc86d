// Package enrich produces sentiment, category, keyword and summary facts for
// a piece of feedback.
package enrich

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/models"
)

type Request struct {
	WorkspaceID    uuid.UUID      `json:"workspace_id"`
	FeedbackItemID uuid.UUID      `json:"feedback_item_id"`
	JobType        models.JobType `json:"job_type"`
	Text           string         `json:"text"`
	Tenant         TenantContext  `json:"tenant_context"`
}

// TenantContext tells the enricher who the feedback belongs to. Empty
// fields mean the workspace has no plan or could not be loaded.
type TenantContext struct {
	Plan               string `json:"plan,omitempty"`
	SubscriptionStatus string `json:"subscription_status,omitempty"`
}

// Result holds what an enricher returned. Nil fields were not produced and
// never overwrite stored values.
type Result struct {
	Sentiment       *string  `json:"sentiment,omitempty"`
	SentimentScore  *float64 `json:"sentiment_score,omitempty"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
	Category        *string  `json:"primary_category,omitempty"`
	Categories      []string `json:"categories,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
	Summary         *string  `json:"summary,omitempty"`
	PriorityScore   *int     `json:"priority_score,omitempty"`
	CostUSD         float64  `json:"cost_usd"`
}

// Enricher must honour ctx cancellation. Failures wrap pipeline.ErrTransient
// when a retry may succeed and pipeline.ErrTerminal otherwise.
type Enricher interface {
	Enrich(ctx context.Context, req Request) (*Result, error)
}

// Restrict drops the fields a job type does not own, so that a sentiment job
// cannot overwrite a category written by a categorization job.
func (r Result) Restrict(jobType models.JobType) Result {
	out := Result{CostUSD: r.CostUSD, ConfidenceScore: r.ConfidenceScore}
	switch jobType {
	case models.JobSentiment:
		out.Sentiment, out.SentimentScore = r.Sentiment, r.SentimentScore
	case models.JobCategorization:
		out.Category, out.Categories, out.Keywords = r.Category, r.Categories, r.Keywords
	case models.JobSummary:
		out.Summary, out.PriorityScore = r.Summary, r.PriorityScore
	default:
		return r
	}
	return out
}

func (r Result) Patch() models.EnrichmentPatch {
	return models.EnrichmentPatch{
		Sentiment:       r.Sentiment,
		SentimentScore:  r.SentimentScore,
		ConfidenceScore: r.ConfidenceScore,
		PrimaryCategory: r.Category,
		Categories:      r.Categories,
		AISummary:       r.Summary,
		PriorityScore:   r.PriorityScore,
		Keywords:        r.Keywords,
	}
}

// Output is the job's output_data document.
func (r Result) Output() map[string]any {
	out := map[string]any{"cost_usd": r.CostUSD}
	if r.Sentiment != nil {
		out["sentiment"] = *r.Sentiment
	}
	if r.SentimentScore != nil {
		out["sentiment_score"] = *r.SentimentScore
	}
	if r.ConfidenceScore != nil {
		out["confidence_score"] = *r.ConfidenceScore
	}
	if r.Category != nil {
		out["primary_category"] = *r.Category
	}
	if len(r.Categories) > 0 {
		out["categories"] = r.Categories
	}
	if len(r.Keywords) > 0 {
		out["keywords"] = r.Keywords
	}
	if r.Summary != nil {
		out["summary"] = *r.Summary
	}
	if r.PriorityScore != nil {
		out["priority_score"] = *r.PriorityScore
	}
	return out
}
