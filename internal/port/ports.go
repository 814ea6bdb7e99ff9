// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
)

// GenerationBackend performs a single model call with the given credential.
type GenerationBackend interface {
	Generate(ctx context.Context, apiKey, model string, req domain.GenerationRequest) (*domain.GenerationResponse, error)
}

// CredentialPool leases credentials and consumes attempt outcomes.
type CredentialPool interface {
	Select(hint string, exclude map[string]bool) (domain.Lease, error)
	SelectOrSoonest(hint string, exclude map[string]bool) (domain.Lease, error)
	Record(o domain.Outcome)
	Size() int
	Available() int
	RetryAfter() time.Duration
	Stats() []domain.KeyStats
	Leases() []domain.Lease
}

// Generator produces model text for a request, retrying across credentials.
type Generator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (domain.Generation, error)
	Model() string
	SetModel(model string)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
	Reset()
	GetOrCompute(key string, ttl time.Duration, fn func() (T, error)) (T, bool, error)
}
