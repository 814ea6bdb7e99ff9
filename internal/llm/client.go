// Package llm is the resilient access layer in front of the generation
// backend: it leases a credential per attempt, classifies every outcome,
// feeds the credential pool and retries across credentials.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/observability"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/port"
)

var tracer = otel.Tracer("llm")

// BackendName labels the backend-wide circuit breaker.
const BackendName = "gemini"

// Config tunes the retry policy and the per-attempt call.
type Config struct {
	Model       string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// AttemptTimeout bounds one backend call. Zero means no extra bound.
	AttemptTimeout time.Duration
	// DegradeToSoonest leases the credential that recovers first instead of
	// failing when every credential is cooling down.
	DegradeToSoonest bool
	MaxConcurrency   int
}

// DefaultConfig returns the production retry settings.
func DefaultConfig() Config {
	return Config{
		Model:            "gemini-2.0-flash",
		MaxAttempts:      4,
		BackoffBase:      time.Second,
		BackoffMax:       10 * time.Second,
		AttemptTimeout:   60 * time.Second,
		DegradeToSoonest: true,
		MaxConcurrency:   8,
	}
}

// Client is the GenerationClient plus its RetryPolicy. It is safe for
// concurrent use; the model can be switched at runtime with SetModel.
type Client struct {
	pool     port.CredentialPool
	backend  port.GenerationBackend
	cb       *gobreaker.CircuitBreaker
	bulkhead *resilience.Bulkhead
	metrics  *observability.Metrics
	logger   *zap.Logger
	cfg      Config
	model    atomic.Value // string
}

// NewClient wires a Client. cb may be nil, in which case a breaker is built
// from resilience.DefaultBreakerConfig.
func NewClient(
	pool port.CredentialPool,
	backend port.GenerationBackend,
	cb *gobreaker.CircuitBreaker,
	metrics *observability.Metrics,
	logger *zap.Logger,
	cfg Config,
) *Client {
	d := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = d.Model
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = d.MaxConcurrency
	}
	if cb == nil {
		cb = NewBackendBreaker(logger)
	}

	c := &Client{
		pool:     pool,
		backend:  backend,
		cb:       cb,
		bulkhead: resilience.NewBulkhead(cfg.MaxConcurrency),
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
	c.model.Store(cfg.Model)
	return c
}

// NewBackendBreaker builds the backend-wide breaker. Only server-side
// failures count against it.
func NewBackendBreaker(logger *zap.Logger) *gobreaker.CircuitBreaker {
	bc := resilience.DefaultBreakerConfig()
	bc.IsFailure = countsAgainstBackend
	bc.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("backend circuit breaker state change",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return resilience.NewCircuitBreaker(BackendName, bc)
}

// Model returns the model currently used for generation.
func (c *Client) Model() string {
	return c.model.Load().(string)
}

// SetModel switches the model for subsequent calls.
func (c *Client) SetModel(model string) {
	if model == "" {
		return
	}
	prev := c.Model()
	c.model.Store(model)
	c.logger.Info("generation model changed", zap.String("from", prev), zap.String("to", model))
}

// BreakerState reports the backend-wide breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.cb.State()
}

// attempt performs one call with one credential. A non-nil error means no
// outcome was produced (no credential, breaker open, or cancellation).
func (c *Client) attempt(ctx context.Context, model string, req domain.GenerationRequest, exclude map[string]bool, n int) (domain.Outcome, error) {
	var lease domain.Lease
	var err error
	if c.cfg.DegradeToSoonest {
		lease, err = c.pool.SelectOrSoonest(req.AffinityHint, exclude)
	} else {
		lease, err = c.pool.Select(req.AffinityHint, exclude)
	}
	if err != nil {
		return domain.Outcome{}, err
	}

	ctx, span := tracer.Start(ctx, "llm.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("key.id", lease.ID),
		attribute.Int("attempt", n),
		attribute.String("model", model),
	)

	if err := c.bulkhead.Acquire(ctx); err != nil {
		return domain.Outcome{}, err
	}
	defer c.bulkhead.Release()

	start := time.Now()
	result, err := c.cb.Execute(func() (any, error) {
		callCtx := ctx
		if c.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
			defer cancel()
		}
		resp, err := c.backend.Generate(callCtx, lease.Secret, model, req)
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = &domain.ErrUpstream{Status: http.StatusRequestTimeout, Message: "attempt timed out", Err: err}
		}
		return resp, err
	})
	latency := time.Since(start)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		span.SetStatus(codes.Error, "backend circuit open")
		return domain.Outcome{}, &domain.ErrCircuitOpen{Service: BackendName}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return domain.Outcome{}, ctxErr
	}

	out := domain.Outcome{
		Kind:         Classify(err),
		Latency:      latency,
		CredentialID: lease.ID,
		Err:          err,
	}
	if out.Kind == domain.OutcomeSuccess {
		resp := result.(*domain.GenerationResponse)
		out.Text = resp.Text
		out.PromptTokens = resp.PromptTokens
		out.CompletionTokens = resp.CompletionTokens
		c.metrics.RecordTokens(resp.PromptTokens, resp.CompletionTokens)
	} else {
		var up *domain.ErrUpstream
		if errors.As(err, &up) {
			out.RetryAfter = up.RetryAfter
		}
		span.SetStatus(codes.Error, out.Kind.String())
	}
	span.SetAttributes(attribute.String("outcome", out.Kind.String()))

	c.pool.Record(out)
	c.metrics.RecordAttempt(out.Kind.String(), latency)

	fields := []zap.Field{
		zap.String("key_id", lease.ID),
		zap.Int("attempt", n),
		zap.String("outcome", out.Kind.String()),
		zap.Duration("latency", latency),
	}
	if out.Kind == domain.OutcomeSuccess {
		c.logger.Debug("generation attempt", fields...)
	} else {
		c.logger.Warn("generation attempt failed", append(fields, zap.Error(err))...)
	}
	return out, nil
}

// Generate runs the retry policy: up to min(credentials, MaxAttempts)
// attempts, each on a credential not yet tried in this call. Rate limiting
// waits a capped exponential delay before the next attempt, server errors
// move on immediately, client errors and rejected credentials abort.
func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Generation, error) {
	ctx, span := tracer.Start(ctx, "llm.Generate")
	defer span.End()

	if req.Content.Empty() {
		return domain.Generation{}, &domain.ErrValidation{Field: "prompt", Message: "must not be empty"}
	}

	model := c.Model()
	maxAttempts := c.cfg.MaxAttempts
	if n := c.pool.Size(); n < maxAttempts {
		maxAttempts = n
	}
	span.SetAttributes(
		attribute.String("model", model),
		attribute.String("affinity", req.AffinityHint),
		attribute.Int("max_attempts", maxAttempts),
	)

	start := time.Now()
	exclude := make(map[string]bool, maxAttempts)
	attempts := 0
	var last domain.Outcome

	backoff := resilience.NewBackoff(func() (time.Duration, bool) {
		if attempts >= maxAttempts {
			return 0, true
		}
		if last.Kind == domain.OutcomeRateLimited {
			return resilience.CappedExponential(c.cfg.BackoffBase, c.cfg.BackoffMax, attempts-1), false
		}
		return 0, false
	})

	gen, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (domain.Generation, error) {
		attempts++
		out, err := c.attempt(ctx, model, req, exclude, attempts)
		if err != nil {
			return domain.Generation{}, err
		}
		last = out
		exclude[out.CredentialID] = true

		switch out.Kind {
		case domain.OutcomeSuccess:
			return domain.Generation{
				Text:         out.Text,
				Model:        model,
				CredentialID: out.CredentialID,
				Attempts:     attempts,
				Latency:      time.Since(start),
			}, nil
		case domain.OutcomeRateLimited, domain.OutcomeServerError:
			return domain.Generation{}, retry.RetryableError(out.Err)
		case domain.OutcomeInvalidCredential:
			return domain.Generation{}, &domain.ErrInvalidCredential{CredentialID: out.CredentialID, Err: out.Err}
		default:
			return domain.Generation{}, &domain.ErrClientRequest{Err: out.Err}
		}
	})
	c.metrics.RecordRequestDuration("generate", time.Since(start))

	if err == nil {
		span.SetAttributes(attribute.Int("attempts", gen.Attempts))
		return gen, nil
	}
	span.RecordError(err)
	return domain.Generation{}, c.terminalError(ctx, err, attempts, maxAttempts, last)
}

// terminalError shapes the error surfaced once the retry loop stops.
func (c *Client) terminalError(ctx context.Context, err error, attempts, maxAttempts int, last domain.Outcome) error {
	if ctx.Err() != nil {
		return err
	}

	var noCred *domain.ErrNoCredentialAvailable
	if errors.As(err, &noCred) && attempts > 1 {
		return &domain.ErrAllAttemptsExhausted{
			Attempts:    attempts - 1,
			RateLimited: last.Kind == domain.OutcomeRateLimited,
			RetryAfter:  noCred.RetryAfter,
			Err:         last.Err,
		}
	}

	if attempts >= maxAttempts && last.Kind.Retryable() && errors.Is(err, last.Err) {
		retryAfter := c.pool.RetryAfter()
		if last.RetryAfter > retryAfter {
			retryAfter = last.RetryAfter
		}
		c.logger.Warn("generation attempts exhausted",
			zap.Int("attempts", attempts),
			zap.String("last_outcome", last.Kind.String()),
			zap.Duration("retry_after", retryAfter),
		)
		return &domain.ErrAllAttemptsExhausted{
			Attempts:    attempts,
			RateLimited: last.Kind == domain.OutcomeRateLimited,
			RetryAfter:  retryAfter,
			Err:         fmt.Errorf("last attempt: %w", last.Err),
		}
	}
	return err
}
