package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/observability"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/service"
)

var tracer = otel.Tracer("handler")

// Analyzer runs agents and pipelines.
type Analyzer interface {
	Agents() []string
	Model() string
	SetModel(model string)
	ResetCache()
	RunAgent(ctx context.Context, agent string, req domain.AgentRequest) (*service.AgentResult, error)
	RunPipeline(ctx context.Context, req domain.PipelineRequest, emit func(domain.Snapshot)) (domain.Snapshot, error)
}

// KeyPool exposes the credential pool read-only.
type KeyPool interface {
	Size() int
	Available() int
	Stats() []domain.KeyStats
}

// Backend is the generation client: it probes credentials and reports the
// backend-wide breaker.
type Backend interface {
	ValidateKeys(ctx context.Context) ([]domain.KeyValidation, error)
	BreakerState() gobreaker.State
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(analyzer Analyzer, keys KeyPool, backend Backend, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(keys, backend))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		// Agents
		r.Get("/agents", listAgentsHandler(analyzer))
		r.Post("/agents/{agent}", agentHandler(analyzer, logger))

		// Pipeline
		r.Post("/pipeline/run", pipelineRunHandler(analyzer, logger))
		r.Get("/pipeline/stream", pipelineStreamHandler(analyzer, logger))

		// Credentials
		r.Get("/keys", listKeysHandler(keys))
		r.Post("/keys/validate", validateKeysHandler(backend, logger))

		// Settings
		r.Get("/settings/model", getModelHandler(analyzer))
		r.Put("/settings/model", setModelHandler(analyzer, logger))
		r.Delete("/cache", resetCacheHandler(analyzer))

		// Metrics
		r.Get("/metrics/agent", agentMetricsHandler(metrics))
	})

	return r
}

// ============================================================
// Metrics & Health
// ============================================================

func healthzHandler(keys KeyPool, backend Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "bfa-api", Status: "healthy", LastChecked: now},
		}

		if keys != nil {
			status, detail := "healthy", ""
			available, total := keys.Available(), keys.Size()
			switch {
			case available == 0:
				status = "degraded"
				detail = "no credential available, all are cooling down or circuit-open"
			case available < total:
				detail = "some credentials are cooling down"
			}
			services = append(services, domain.ServiceHealth{
				Name: "credential-pool", Status: status, Detail: detail, LastChecked: now,
			})
		}

		if backend != nil {
			status, detail := "healthy", ""
			switch backend.BreakerState() {
			case gobreaker.StateOpen:
				status = "degraded"
				detail = "generation backend circuit open"
			case gobreaker.StateHalfOpen:
				detail = "generation backend circuit half-open"
			}
			services = append(services, domain.ServiceHealth{
				Name: "generation-backend", Status: status, Detail: detail, LastChecked: now,
			})
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				break
			}
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func agentMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetAgentSnapshot())
	}
}
