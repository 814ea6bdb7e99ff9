package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
)

// ============================================================
// Credentials & settings
// ============================================================

func listKeysHandler(keys KeyPool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, domain.KeysOverview{
			Total:     keys.Size(),
			Available: keys.Available(),
			Keys:      keys.Stats(),
		})
	}
}

func validateKeysHandler(v Backend, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/keys/validate")
		defer span.End()

		results, err := v.ValidateKeys(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

func getModelHandler(analyzer Analyzer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, domain.ModelSetting{Model: analyzer.Model()})
	}
}

func setModelHandler(analyzer Analyzer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.ModelSetting
		if err := decodeBody(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		analyzer.SetModel(req.Model)
		writeJSON(w, http.StatusOK, domain.ModelSetting{Model: analyzer.Model()})
	}
}

func resetCacheHandler(analyzer Analyzer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		analyzer.ResetCache()
		writeJSON(w, http.StatusOK, domain.SuccessResponse{Message: "cache cleared"})
	}
}
