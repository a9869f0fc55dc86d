package models

import (
	"fmt"
	"strings"
	"time"
)

// SourceType identifies where a feedback item came from. The set is closed.
type SourceType string

const (
	SourceCSV      SourceType = "csv"
	SourceZendesk  SourceType = "zendesk"
	SourceIntercom SourceType = "intercom"
	SourceWebhook  SourceType = "webhook"
)

func ParseSourceType(s string) (SourceType, error) {
	switch st := SourceType(strings.ToLower(strings.TrimSpace(s))); st {
	case SourceCSV, SourceZendesk, SourceIntercom, SourceWebhook:
		return st, nil
	default:
		return "", fmt.Errorf("unknown source type %q", s)
	}
}

type JobType string

const (
	JobSentiment      JobType = "sentiment"
	JobCategorization JobType = "categorization"
	JobSummary        JobType = "summary"
	// JobComposite asks the enricher for every field in one call.
	JobComposite JobType = "composite"
)

func ParseJobType(s string) (JobType, error) {
	switch jt := JobType(strings.ToLower(strings.TrimSpace(s))); jt {
	case JobSentiment, JobCategorization, JobSummary, JobComposite:
		return jt, nil
	default:
		return "", fmt.Errorf("unknown job type %q", s)
	}
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
)

func ParsePeriodType(s string) (PeriodType, error) {
	switch pt := PeriodType(strings.ToLower(strings.TrimSpace(s))); pt {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return pt, nil
	default:
		return "", fmt.Errorf("unknown period type %q", s)
	}
}

const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MonthCrossed reports whether now falls in a later calendar month than last.
func MonthCrossed(last, now time.Time) bool {
	ly, lm, _ := last.UTC().Date()
	ny, nm, _ := now.UTC().Date()
	return ny > ly || (ny == ly && nm > lm)
}
