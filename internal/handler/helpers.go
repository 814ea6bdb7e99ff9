package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
)

// ============================================================
// Shared helper functions
// ============================================================

// maxBodyBytes bounds request bodies; CVs are plain text.
const maxBodyBytes = 1 << 20

var validate = validator.New()

type errorResponse struct {
	Error        string `json:"error"`
	Source       string `json:"source,omitempty"`
	RetryAfter   int    `json:"retryAfter,omitempty"`
	ErrorDetails any    `json:"errorDetails,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeBody decodes a JSON body into dst and runs struct validation.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &domain.ErrValidation{Field: "body", Message: "invalid JSON request body"}
	}
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &domain.ErrValidation{Field: fe.Field(), Message: fmt.Sprintf("failed %q validation", fe.Tag())}
		}
		return &domain.ErrValidation{Field: "body", Message: err.Error()}
	}
	return nil
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

// rateLimitHint reports the retry hint carried by a rate-limit failure.
func rateLimitHint(err error) (int, bool) {
	var exhausted *domain.ErrAllAttemptsExhausted
	var noCred *domain.ErrNoCredentialAvailable
	switch {
	case errors.As(err, &exhausted) && exhausted.RateLimited:
		return retryAfterSeconds(exhausted.RetryAfter), true
	case errors.As(err, &noCred):
		return retryAfterSeconds(noCred.RetryAfter), true
	}
	return 0, false
}

// classifyError maps domain errors to a status and a failure body.
func classifyError(err error) (int, errorResponse) {
	var notFound *domain.ErrNotFound
	var validation *domain.ErrValidation
	var incomplete *domain.ErrStructuralIncompleteness
	var exhausted *domain.ErrAllAttemptsExhausted
	var noCred *domain.ErrNoCredentialAvailable
	var circuitOpen *domain.ErrCircuitOpen
	var extraction *domain.ErrExtraction

	body := errorResponse{Error: err.Error(), Source: domain.ErrorSource(err)}

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, body
	case errors.As(err, &notFound):
		return http.StatusNotFound, body
	case errors.As(err, &incomplete):
		body.ErrorDetails = map[string]any{"missing": incomplete.Missing}
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &exhausted) && exhausted.RateLimited:
		body.RetryAfter = retryAfterSeconds(exhausted.RetryAfter)
		return http.StatusTooManyRequests, body
	case errors.As(err, &noCred):
		body.RetryAfter = retryAfterSeconds(noCred.RetryAfter)
		return http.StatusTooManyRequests, body
	case errors.As(err, &circuitOpen):
		return http.StatusServiceUnavailable, body
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, body
	case errors.As(err, &extraction):
		body.ErrorDetails = map[string]any{"snippet": extraction.Snippet}
		return http.StatusInternalServerError, body
	default:
		body.ErrorDetails = err.Error()
		body.Error = "internal server error"
		return http.StatusInternalServerError, body
	}
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status, body := classifyError(err)
	switch {
	case status == http.StatusTooManyRequests:
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
		logger.Warn("rate limited", zap.Int("retry_after", body.RetryAfter), zap.Error(err))
	case status >= 500:
		logger.Error("request failed", zap.Int("status", status), zap.String("source", body.Source), zap.Error(err))
	default:
		logger.Debug("request rejected", zap.Int("status", status), zap.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}
