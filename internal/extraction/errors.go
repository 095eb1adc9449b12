package extraction

import (
	"errors"
	"fmt"
)

// ErrEmptyInput is returned when the input text is empty after trimming.
// It is a caller error: no network call is issued and nothing is retried.
var ErrEmptyInput = errors.New("input text is empty")

// Cause classifies why an extraction call failed.
type Cause string

const (
	// RateLimited means the model service returned HTTP 429. Transient,
	// retried up to the budget.
	RateLimited Cause = "rate_limited"

	// UpstreamUnavailable covers 5xx responses, transport failures and
	// call timeouts. Transient, retried up to the budget.
	UpstreamUnavailable Cause = "upstream_unavailable"

	// InvalidResponse means the service answered but the payload did not
	// match the expected schema. Not retried for graph extraction;
	// retried for embeddings where it may be a transient upstream glitch.
	InvalidResponse Cause = "invalid_response"
)

// ExtractionError is the terminal failure surfaced to callers once the
// retry budget is exhausted (or immediately, for permanent causes).
type ExtractionError struct {
	Cause    Cause
	Attempts int
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed (%s) after %d attempt(s): %v", e.Cause, e.Attempts, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
