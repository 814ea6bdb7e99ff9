package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/service"
)

// ============================================================
// Agents — POST /v1/agents/{agent}
// ============================================================

func listAgentsHandler(analyzer Analyzer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"agents": analyzer.Agents(),
			"model":  analyzer.Model(),
		})
	}
}

func agentHandler(analyzer Analyzer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/agents/{agent}")
		defer span.End()

		agent := chi.URLParam(r, "agent")
		span.SetAttributes(attribute.String("agent", agent))

		var req domain.AgentRequest
		if err := decodeBody(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		res, err := analyzer.RunAgent(ctx, agent, req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		if res.Fallback {
			span.SetAttributes(attribute.Bool("fallback", true))
			meta := map[string]any{
				"partial": true,
				"source":  service.SourceFallback,
				"error":   res.Cause.Error(),
			}
			if secs, ok := rateLimitHint(res.Cause); ok {
				meta["retryAfter"] = secs
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			writeJSON(w, http.StatusPartialContent, agentBody(res, meta))
			return
		}
		writeJSON(w, http.StatusOK, agentBody(res, map[string]any{
			"source": service.SourceAI,
			"cached": res.Cached,
		}))
	}
}

// agentBody merges the payload with response metadata into a fresh map, so
// cached payloads are never mutated.
func agentBody(res *service.AgentResult, meta map[string]any) map[string]any {
	out := make(map[string]any, len(res.Payload)+len(meta)+3)
	for k, v := range res.Payload {
		out[k] = v
	}
	out["timestamp"] = res.Timestamp.UTC().Format(time.RFC3339)
	out["model"] = res.Model
	out["requestId"] = res.RequestID
	for k, v := range meta {
		out[k] = v
	}
	return out
}
