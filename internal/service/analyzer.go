package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/observability"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/resilience"
)

// Response sources reported to clients.
const (
	SourceAI       = "ai_generated"
	SourceFallback = "fallback"
)

// AgentResult is the outcome of a single-agent call.
type AgentResult struct {
	RequestID string
	Agent     string
	Model     string
	Payload   map[string]any
	Cached    bool
	// Fallback is set when Payload is the local substitute; Cause holds the
	// generation failure that triggered it.
	Fallback  bool
	Cause     error
	Timestamp time.Time
}

// Analyzer is the entry point used by the HTTP layer: full pipeline runs and
// single-agent calls over the same stage declarations.
type Analyzer struct {
	pipeline *Pipeline
	runs     *resilience.Bulkhead
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewAnalyzer creates the analyzer. maxRuns bounds concurrent pipeline runs.
func NewAnalyzer(p *Pipeline, maxRuns int, metrics *observability.Metrics, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		pipeline: p,
		runs:     resilience.NewBulkhead(maxRuns),
		metrics:  metrics,
		logger:   logger,
	}
}

// Agents lists the agents that can be called individually.
func (a *Analyzer) Agents() []string {
	return a.pipeline.StageNames()
}

// Model returns the current generation model.
func (a *Analyzer) Model() string {
	return a.pipeline.Model()
}

// SetModel switches the generation model for subsequent calls.
func (a *Analyzer) SetModel(model string) {
	a.pipeline.SetModel(model)
}

// ResetCache drops every cached stage result.
func (a *Analyzer) ResetCache() {
	a.pipeline.ResetCache()
	a.logger.Info("stage cache reset")
}

// RunPipeline runs the full analysis. It waits for a free run slot while ctx
// allows.
func (a *Analyzer) RunPipeline(ctx context.Context, req domain.PipelineRequest, emit func(domain.Snapshot)) (domain.Snapshot, error) {
	if err := a.runs.Acquire(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	defer a.runs.Release()
	return a.pipeline.Run(ctx, req.Accumulator(), emit)
}

// RunAgent runs one agent against the request. When generation fails and the
// agent has a deterministic substitute, the substitute is returned with
// Fallback set and a nil error.
func (a *Analyzer) RunAgent(ctx context.Context, agent string, req domain.AgentRequest) (*AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "Analyzer.RunAgent")
	defer span.End()
	span.SetAttributes(attribute.String("agent", agent))

	st, ok := a.pipeline.Stage(agent)
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "agent", ID: agent}
	}

	acc := req.Accumulator()
	res := &AgentResult{
		RequestID: uuid.New().String(),
		Agent:     agent,
		Model:     a.pipeline.Model(),
	}

	payload, cached, err := a.pipeline.RunStage(ctx, agent, acc)
	res.Timestamp = time.Now()
	if err == nil {
		res.Payload = payload
		res.Cached = cached
		a.metrics.IncrAgentResponse(agent, SourceAI)
		return res, nil
	}

	if st.Fallback == nil || !fallbackEligible(err) {
		return nil, err
	}

	a.logger.Warn("agent generation failed, serving fallback",
		zap.String("agent", agent),
		zap.String("request_id", res.RequestID),
		zap.String("source", domain.ErrorSource(err)),
		zap.Error(err),
	)
	res.Payload = st.Fallback(acc)
	res.Fallback = true
	res.Cause = err
	a.metrics.IncrAgentResponse(agent, SourceFallback)
	return res, nil
}

// fallbackEligible reports whether err came from the generation layer
// rather than from the caller's input or from unusable model output.
func fallbackEligible(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var (
		exhausted *domain.ErrAllAttemptsExhausted
		noCred    *domain.ErrNoCredentialAvailable
		circuit   *domain.ErrCircuitOpen
		invalid   *domain.ErrInvalidCredential
		upstream  *domain.ErrUpstream
		client    *domain.ErrClientRequest
	)
	if errors.As(err, &client) {
		return false
	}
	return errors.As(err, &exhausted) ||
		errors.As(err, &noCred) ||
		errors.As(err, &circuit) ||
		errors.As(err, &invalid) ||
		errors.As(err, &upstream)
}
