package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error types for consistent error handling across the BFA.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrUpstream is a raw failure reported by the generation backend.
// Status is the HTTP status code, 0 for transport failures. Reason carries
// the backend's machine-readable reason (e.g. API_KEY_INVALID) when present.
type ErrUpstream struct {
	Status     int
	Reason     string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ErrUpstream) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("generation backend unreachable: %v", e.Err)
	}
	return fmt.Sprintf("generation backend returned %d: %s", e.Status, e.Message)
}

func (e *ErrUpstream) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrNoCredentialAvailable means every credential is cooling down or has its
// circuit open. RetryAfter is the time until the soonest one recovers.
type ErrNoCredentialAvailable struct {
	RetryAfter time.Duration
}

func (e *ErrNoCredentialAvailable) Error() string {
	return fmt.Sprintf("no credential available, retry after %s", e.RetryAfter.Round(time.Second))
}

// ErrInvalidCredential is returned when the backend rejects the API key itself.
type ErrInvalidCredential struct {
	CredentialID string
	Err          error
}

func (e *ErrInvalidCredential) Error() string {
	return fmt.Sprintf("credential %s rejected: %v", e.CredentialID, e.Err)
}

func (e *ErrInvalidCredential) Unwrap() error {
	return e.Err
}

// ErrClientRequest is a non-retryable request-shape failure.
type ErrClientRequest struct {
	Err error
}

func (e *ErrClientRequest) Error() string {
	return fmt.Sprintf("generation request rejected: %v", e.Err)
}

func (e *ErrClientRequest) Unwrap() error {
	return e.Err
}

// ErrAllAttemptsExhausted is returned once the retry budget is spent.
// RateLimited reports whether the terminal cause was throttling.
type ErrAllAttemptsExhausted struct {
	Attempts    int
	RateLimited bool
	RetryAfter  time.Duration
	Err         error
}

func (e *ErrAllAttemptsExhausted) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("all %d attempts rate limited: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Err)
}

func (e *ErrAllAttemptsExhausted) Unwrap() error {
	return e.Err
}

// ErrExtraction means no repair pass produced a parseable object.
type ErrExtraction struct {
	Snippet string
}

func (e *ErrExtraction) Error() string {
	return "no structured object found in model output"
}

// ErrStructuralIncompleteness means the object parsed but lacks required keys.
type ErrStructuralIncompleteness struct {
	Missing []string
}

func (e *ErrStructuralIncompleteness) Error() string {
	return fmt.Sprintf("model output missing required keys: %s", strings.Join(e.Missing, ", "))
}

// ErrPipelineAbort is returned when a critical stage fails.
type ErrPipelineAbort struct {
	Stage string
	Err   error
}

func (e *ErrPipelineAbort) Error() string {
	return fmt.Sprintf("pipeline aborted at critical stage %s: %v", e.Stage, e.Err)
}

func (e *ErrPipelineAbort) Unwrap() error {
	return e.Err
}

// ErrorSource returns a stable tag describing where a failure came from. It
// is used as the "source" field of error bodies and of pipeline errors.
func ErrorSource(err error) string {
	var (
		validation *ErrValidation
		notFound   *ErrNotFound
		exhausted  *ErrAllAttemptsExhausted
		noCred     *ErrNoCredentialAvailable
		circuit    *ErrCircuitOpen
		invalid    *ErrInvalidCredential
		client     *ErrClientRequest
		extraction *ErrExtraction
		incomplete *ErrStructuralIncompleteness
		upstream   *ErrUpstream
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.As(err, &validation):
		return "invalid_input"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &exhausted):
		if exhausted.RateLimited {
			return "rate_limited"
		}
		return "generation_failed"
	case errors.As(err, &noCred):
		return "rate_limited"
	case errors.As(err, &circuit):
		return "circuit_open"
	case errors.As(err, &invalid):
		return "invalid_credential"
	case errors.As(err, &client):
		return "client_error"
	case errors.As(err, &extraction):
		return "extraction_failed"
	case errors.As(err, &incomplete):
		return "incomplete_output"
	case errors.As(err, &upstream):
		return "generation_failed"
	default:
		return "internal"
	}
}
