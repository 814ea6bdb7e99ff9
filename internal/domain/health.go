package domain

import "time"

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual service.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Detail      string `json:"detail,omitempty"`
	LastChecked string `json:"lastChecked"`
}

// AgentMetrics is returned by GET /v1/metrics/agent.
type AgentMetrics struct {
	TotalAttempts       int64   `json:"totalAttempts"`
	SuccessfulAttempts  int64   `json:"successfulAttempts"`
	RateLimitedAttempts int64   `json:"rateLimitedAttempts"`
	FailedAttempts      int64   `json:"failedAttempts"`
	ErrorRate           float64 `json:"errorRate"`
	FallbackRate        float64 `json:"fallbackRate"`
	PipelineRuns        int64   `json:"pipelineRuns"`
	PromptTokens        int64   `json:"promptTokens"`
	CompletionTokens    int64   `json:"completionTokens"`
	CacheHitRate        float64 `json:"cacheHitRate"`
	Period              string  `json:"period"`
}

// ============================================================
// Credentials
// ============================================================

// KeyStats is a masked, read-only view of one pooled credential.
type KeyStats struct {
	ID                  string     `json:"id"`
	Masked              string     `json:"masked"`
	Usage               int64      `json:"usage"`
	SuccessRate         float64    `json:"successRate"`
	Health              float64    `json:"health"`
	AvgLatencyMs        float64    `json:"avgLatencyMs"`
	Circuit             string     `json:"circuit"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	CooldownUntil       *time.Time `json:"cooldownUntil,omitempty"`
	ThrottleLevel       int        `json:"throttleLevel"`
	Available           bool       `json:"available"`
}

// KeyValidation is the result of probing one credential.
type KeyValidation struct {
	ID      string `json:"id"`
	Masked  string `json:"masked"`
	Valid   bool   `json:"valid"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// KeysOverview is returned by GET /v1/keys.
type KeysOverview struct {
	Total     int        `json:"total"`
	Available int        `json:"available"`
	Keys      []KeyStats `json:"keys"`
}

// ModelSetting is the body of PUT /v1/settings/model.
type ModelSetting struct {
	Model string `json:"model" validate:"required,max=100,excludesall=/"`
}
