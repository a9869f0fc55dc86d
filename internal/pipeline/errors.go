// Package pipeline holds the error taxonomy shared by every stage of the
// ingestion and enrichment pipeline.
package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input. Rejected at the boundary, never retried.
	ErrValidation = errors.New("validation failed")

	// ErrLimitExceeded marks a tenant-policy rejection. Surfaced to the
	// caller and never retried automatically.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrTransient marks a dependency hiccup worth retrying.
	ErrTransient = errors.New("transient dependency failure")

	// ErrTerminal marks a failure that will not be retried.
	ErrTerminal = errors.New("terminal processing failure")

	// ErrConsistency marks a coordination bug, e.g. completing a job that is
	// not processing.
	ErrConsistency = errors.New("consistency violation")

	ErrNotFound           = errors.New("not found")
	ErrUnknownIntegration = errors.New("unknown integration")
	ErrSnapshotExists     = errors.New("snapshot already exists for period")
	ErrJobsActive         = errors.New("feedback item still has active jobs")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Resources a LimitError can refer to.
const (
	ResourceFeedbackItems = "feedback_items"
	ResourceAIAnalyses    = "ai_analyses"
)

// LimitError reports which cap was hit.
type LimitError struct {
	Resource string
	Limit    int
	Used     int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit exceeded: %s %d/%d", e.Resource, e.Used, e.Limit)
}

func (e *LimitError) Unwrap() error { return ErrLimitExceeded }

// Transient wraps err so errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrTransient, err: err}
}

// Terminal wraps err so errors.Is(err, ErrTerminal) holds.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrTerminal, err: err}
}

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string { return c.err.Error() }

func (c *classified) Unwrap() []error { return []error{c.kind, c.err} }

// Retryable reports whether a failure should be retried with backoff.
// Limit and validation failures never are, even when wrapped as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLimitExceeded) || errors.Is(err, ErrValidation) || errors.Is(err, ErrTerminal) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
