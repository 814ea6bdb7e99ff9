package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int    `validate:"min=1,max=65535"`
	LogLevel string `validate:"oneof=debug info warn error"`
	LogFile  string

	// Generation backend
	GeminiAPIKeys     []string      `validate:"min=1,dive,required"`
	GeminiBaseURL     string        `validate:"required,url"`
	GeminiModel       string        `validate:"required"`
	GenerationTimeout time.Duration `validate:"min=0"`

	// Sampling
	Temperature     float64 `validate:"min=0,max=2"`
	TopK            int     `validate:"min=0"`
	TopP            float64 `validate:"min=0,max=1"`
	MaxOutputTokens int     `validate:"min=0"`

	// Retry policy
	MaxAttempts int           `validate:"min=1,max=20"`
	BackoffBase time.Duration `validate:"gt=0"`
	BackoffMax  time.Duration `validate:"gtefield=BackoffBase"`

	// Credential pool
	RateLimitCooldown       time.Duration `validate:"gt=0"`
	RateLimitMaxCooldown    time.Duration `validate:"gtefield=RateLimitCooldown"`
	InvalidKeyCooldown      time.Duration `validate:"gt=0"`
	CircuitFailureThreshold int           `validate:"min=1"`
	CircuitReset            time.Duration `validate:"gt=0"`
	// StageAffinity pins a stage to a credential index ("profile:0,market:1").
	StageAffinity map[string]int `validate:"dive,keys,required,endkeys,min=0"`

	// Cache
	CacheTTL        time.Duration `validate:"gt=0"`
	MarketCacheTTL  time.Duration `validate:"gt=0"`
	CacheMaxEntries int           `validate:"min=1"`

	// Concurrency
	MaxConcurrency    int `validate:"min=1"`
	MaxConcurrentRuns int `validate:"min=1"`

	ValidateKeysOnStart bool
	// MarketSearch enables backend search grounding for the market agent.
	MarketSearch bool

	// Observability
	OTLPEndpoint string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		GeminiAPIKeys:     apiKeys(),
		GeminiBaseURL:     getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 60*time.Second),

		Temperature:     getEnvFloat("GEN_TEMPERATURE", 0.2),
		TopK:            getEnvInt("GEN_TOP_K", 0),
		TopP:            getEnvFloat("GEN_TOP_P", 0),
		MaxOutputTokens: getEnvInt("GEN_MAX_OUTPUT_TOKENS", 2048),

		MaxAttempts: getEnvInt("MAX_ATTEMPTS", 4),
		BackoffBase: getEnvDuration("BACKOFF_BASE", time.Second),
		BackoffMax:  getEnvDuration("BACKOFF_MAX", 10*time.Second),

		RateLimitCooldown:       getEnvDuration("RATE_LIMIT_COOLDOWN", 90*time.Second),
		RateLimitMaxCooldown:    getEnvDuration("RATE_LIMIT_MAX_COOLDOWN", time.Hour),
		InvalidKeyCooldown:      getEnvDuration("INVALID_KEY_COOLDOWN", 24*time.Hour),
		CircuitFailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 3),
		CircuitReset:            getEnvDuration("CIRCUIT_RESET", 5*time.Minute),
		StageAffinity:           parseAffinity(getEnv("STAGE_AFFINITY", "")),

		CacheTTL:        getEnvDuration("CACHE_TTL", 30*time.Minute),
		MarketCacheTTL:  getEnvDuration("MARKET_CACHE_TTL", 6*time.Hour),
		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 1024),

		MaxConcurrency:    getEnvInt("MAX_CONCURRENCY", 8),
		MaxConcurrentRuns: getEnvInt("MAX_CONCURRENT_RUNS", 4),

		ValidateKeysOnStart: getEnvBool("VALIDATE_KEYS_ON_START", false),
		MarketSearch:        getEnvBool("MARKET_SEARCH", true),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// apiKeys reads GEMINI_API_KEYS (comma separated) and falls back to the
// single GEMINI_API_KEY.
func apiKeys() []string {
	keys := getEnvList("GEMINI_API_KEYS")
	if len(keys) == 0 {
		keys = getEnvList("GEMINI_API_KEY")
	}
	return keys
}

// parseAffinity reads "stage:index" pairs. Malformed pairs are skipped.
func parseAffinity(raw string) map[string]int {
	out := map[string]int{}
	for _, pair := range strings.Split(raw, ",") {
		stage, idx, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil || n < 0 {
			continue
		}
		out[strings.TrimSpace(stage)] = n
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
