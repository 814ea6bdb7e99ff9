package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
)

// Metrics holds all Prometheus metrics for the BFA.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration  *prometheus.HistogramVec
	attempts         *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	credentialHealth *prometheus.GaugeVec
	credentialOpen   *prometheus.GaugeVec
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	tokensUsed       *prometheus.CounterVec
	stageOutcomes    *prometheus.CounterVec
	pipelineRuns     *prometheus.CounterVec
	agentResponses   *prometheus.CounterVec
	repairs          *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bfa_request_duration_seconds",
				Help:    "Duration of requests by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_generation_attempts_total",
				Help: "Generation attempts by classified outcome.",
			},
			[]string{"outcome"},
		),
		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bfa_generation_attempt_duration_seconds",
				Help:    "Latency of single generation attempts.",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"outcome"},
		),
		credentialHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bfa_credential_health",
				Help: "Health score (0-100) per credential.",
			},
			[]string{"key_id"},
		),
		credentialOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bfa_credential_circuit_open",
				Help: "1 when the credential's circuit is open.",
			},
			[]string{"key_id"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		tokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_llm_tokens_total",
				Help: "Total LLM tokens consumed.",
			},
			[]string{"type"},
		),
		stageOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_stage_outcomes_total",
				Help: "Pipeline stage terminal states.",
			},
			[]string{"stage", "status"},
		),
		pipelineRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_pipeline_runs_total",
				Help: "Pipeline runs by result.",
			},
			[]string{"result"},
		),
		agentResponses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_agent_responses_total",
				Help: "Per-agent endpoint responses by source.",
			},
			[]string{"agent", "source"},
		),
		repairs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_extraction_repairs_total",
				Help: "Model outputs that needed a repair pass, by pass.",
			},
			[]string{"pass"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordAttempt counts one generation attempt and its latency.
func (m *Metrics) RecordAttempt(outcome string, d time.Duration) {
	m.attempts.WithLabelValues(outcome).Inc()
	m.attemptDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetCredentialHealth publishes a credential's health and circuit state.
func (m *Metrics) SetCredentialHealth(keyID string, health float64, circuitOpen bool) {
	m.credentialHealth.WithLabelValues(keyID).Set(health)
	open := 0.0
	if circuitOpen {
		open = 1
	}
	m.credentialOpen.WithLabelValues(keyID).Set(open)
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordTokens records prompt and completion token usage.
func (m *Metrics) RecordTokens(prompt, completion int) {
	m.tokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	m.tokensUsed.WithLabelValues("completion").Add(float64(completion))
}

// RecordStage counts a stage reaching a terminal status.
func (m *Metrics) RecordStage(stage, status string) {
	m.stageOutcomes.WithLabelValues(stage, status).Inc()
}

// IncrPipelineRun counts a finished pipeline run ("completed" or "aborted").
func (m *Metrics) IncrPipelineRun(result string) {
	m.pipelineRuns.WithLabelValues(result).Inc()
}

// IncrAgentResponse counts a per-agent endpoint response by source
// ("ai_generated", "fallback" or "error").
func (m *Metrics) IncrAgentResponse(agent, source string) {
	m.agentResponses.WithLabelValues(agent, source).Inc()
}

// IncrRepair counts a model output recovered by the named repair pass.
func (m *Metrics) IncrRepair(pass string) {
	m.repairs.WithLabelValues(pass).Inc()
}

// GetAgentSnapshot returns a snapshot of agent-related metrics suitable for the
// GET /v1/metrics/agent endpoint.
func (m *Metrics) GetAgentSnapshot() *domain.AgentMetrics {
	success := getCounterValue(m.attempts, "success")
	rateLimited := getCounterValue(m.attempts, "rate_limited")
	total := m.sumCounter("bfa_generation_attempts_total", nil)
	failed := total - success - rateLimited

	responses := m.sumCounter("bfa_agent_responses_total", nil)
	fallbacks := m.sumCounter("bfa_agent_responses_total", map[string]string{"source": "fallback"})
	cacheHits := m.sumCounter("bfa_cache_hits_total", nil)
	cacheMisses := m.sumCounter("bfa_cache_misses_total", nil)

	errorRate, fallbackRate, cacheHitRate := 0.0, 0.0, 0.0
	if total > 0 {
		errorRate = (total - success) / total
	}
	if responses > 0 {
		fallbackRate = fallbacks / responses
	}
	if cacheHits+cacheMisses > 0 {
		cacheHitRate = cacheHits / (cacheHits + cacheMisses)
	}

	return &domain.AgentMetrics{
		TotalAttempts:       int64(total),
		SuccessfulAttempts:  int64(success),
		RateLimitedAttempts: int64(rateLimited),
		FailedAttempts:      int64(failed),
		ErrorRate:           errorRate,
		FallbackRate:        fallbackRate,
		PipelineRuns:        int64(m.sumCounter("bfa_pipeline_runs_total", nil)),
		PromptTokens:        int64(getCounterValue(m.tokensUsed, "prompt")),
		CompletionTokens:    int64(getCounterValue(m.tokensUsed, "completion")),
		CacheHitRate:        cacheHitRate,
		Period:              "all_time",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

// sumCounter adds up every series of a counter family whose labels match.
func (m *Metrics) sumCounter(name string, match map[string]string) float64 {
	families, err := m.Registry.Gather()
	if err != nil {
		return 0
	}
	var sum float64
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if labelsMatch(metric.GetLabel(), match) {
				sum += metric.GetCounter().GetValue()
			}
		}
	}
	return sum
}

func labelsMatch(pairs []*dto.LabelPair, match map[string]string) bool {
	for k, v := range match {
		found := false
		for _, p := range pairs {
			if p.GetName() == k && p.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
