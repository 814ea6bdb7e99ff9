package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
)

// Classify maps the error of one backend call onto an outcome kind.
func Classify(err error) domain.OutcomeKind {
	if err == nil {
		return domain.OutcomeSuccess
	}

	var clientErr *domain.ErrClientRequest
	if errors.As(err, &clientErr) {
		return domain.OutcomeClientError
	}

	var up *domain.ErrUpstream
	if !errors.As(err, &up) {
		// transport failures and anything unrecognised are treated as transient
		return domain.OutcomeServerError
	}

	switch {
	case up.Status == http.StatusTooManyRequests:
		return domain.OutcomeRateLimited
	case up.Status == http.StatusUnauthorized, up.Status == http.StatusForbidden:
		return domain.OutcomeInvalidCredential
	case up.Status == http.StatusBadRequest && isInvalidKey(up):
		return domain.OutcomeInvalidCredential
	case up.Status == 0, up.Status == http.StatusRequestTimeout, up.Status >= 500:
		return domain.OutcomeServerError
	default:
		return domain.OutcomeClientError
	}
}

func isInvalidKey(up *domain.ErrUpstream) bool {
	if up.Reason == "API_KEY_INVALID" {
		return true
	}
	return strings.Contains(strings.ToLower(up.Message), "api key not valid")
}

// countsAgainstBackend decides which errors trip the backend-wide breaker.
func countsAgainstBackend(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return Classify(err) == domain.OutcomeServerError
}
