package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
)

// ============================================================
// Pipeline — POST /v1/pipeline/run, GET /v1/pipeline/stream
// ============================================================

const (
	wsHandshakeTimeout = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
)

var pipelineUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type pipelineFailure struct {
	errorResponse
	Snapshot *domain.Snapshot `json:"snapshot,omitempty"`
}

func pipelineRunHandler(analyzer Analyzer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/pipeline/run")
		defer span.End()

		var req domain.PipelineRequest
		if err := decodeBody(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		snap, err := analyzer.RunPipeline(ctx, req, nil)
		span.SetAttributes(attribute.String("run.id", snap.RunID))
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
		if snap.RunID == "" {
			handleServiceError(w, err, logger)
			return
		}

		status, body := classifyError(err)
		logger.Warn("pipeline run failed",
			zap.String("run_id", snap.RunID),
			zap.Int("status", status),
			zap.String("source", body.Source),
			zap.Error(err),
		)
		if body.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
		}
		writeJSON(w, status, pipelineFailure{errorResponse: body, Snapshot: &snap})
	}
}

// pipelineStreamHandler upgrades to a websocket, reads the run request as
// the first message and pushes every snapshot as a text message. The server
// closes the connection after the final snapshot.
func pipelineStreamHandler(analyzer Analyzer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := pipelineUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sessionID := uuid.NewString()
		log := logger.With(zap.String("session_id", sessionID))
		log.Info("pipeline stream connected", zap.String("remote", r.RemoteAddr))
		defer func() {
			if errClose := conn.Close(); errClose != nil {
				log.Debug("pipeline stream close", zap.Error(errClose))
			}
		}()

		_ = conn.SetReadDeadline(time.Now().Add(wsHandshakeTimeout))
		conn.SetReadLimit(maxBodyBytes)
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Debug("pipeline stream closed before request", zap.Error(err))
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		var req domain.PipelineRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			closeWithError(conn, &domain.ErrValidation{Field: "body", Message: "invalid JSON request body"}, log)
			return
		}
		if err := validate.Struct(req); err != nil {
			closeWithError(conn, &domain.ErrValidation{Field: "cvText", Message: err.Error()}, log)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		// any read error means the client went away
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		emit := func(s domain.Snapshot) {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(s); err != nil {
				log.Debug("pipeline stream write failed", zap.Error(err))
				cancel()
			}
		}
		snap, err := analyzer.RunPipeline(ctx, req, emit)
		if err != nil && snap.RunID == "" {
			closeWithError(conn, err, log)
			return
		}

		log.Info("pipeline stream finished", zap.String("run_id", snap.RunID), zap.Bool("failed", err != nil))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
			time.Now().Add(wsWriteTimeout))
	}
}

func closeWithError(conn *websocket.Conn, err error, log *zap.Logger) {
	_, body := classifyError(err)
	log.Warn("pipeline stream rejected", zap.Error(err))
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteJSON(body)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, body.Source),
		time.Now().Add(wsWriteTimeout))
}
