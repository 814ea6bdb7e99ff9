package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEYS", "")
	t.Setenv("GEMINI_API_KEY", "single-key")

	cfg := Load()
	assert.Equal(t, []string{"single-key"}, cfg.GeminiAPIKeys)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.RateLimitCooldown)
	assert.Equal(t, 24*time.Hour, cfg.InvalidKeyCooldown)
	assert.Equal(t, 3, cfg.CircuitFailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.CircuitReset)
	assert.Empty(t, cfg.StageAffinity)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEYS", " k1, k2 ,,k3")
	t.Setenv("GEMINI_API_KEY", "ignored")
	t.Setenv("BACKOFF_BASE", "250ms")
	t.Setenv("MAX_ATTEMPTS", "not-a-number")
	t.Setenv("STAGE_AFFINITY", "profile:0, market:2,bad,summary:-1")
	t.Setenv("VALIDATE_KEYS_ON_START", "true")

	cfg := Load()
	assert.Equal(t, []string{"k1", "k2", "k3"}, cfg.GeminiAPIKeys)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, map[string]int{"profile": 0, "market": 2}, cfg.StageAffinity)
	assert.True(t, cfg.ValidateKeysOnStart)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	t.Setenv("GEMINI_API_KEYS", "k1")

	cfg := Load()
	cfg.GeminiAPIKeys = nil
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.LogLevel = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.BackoffMax = cfg.BackoffBase / 2
	assert.Error(t, cfg.Validate())
}

func TestLoadDotEnv_ExistingEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("BFA_TEST_A=from-file\nBFA_TEST_B=from-file\n"), 0o600))

	t.Setenv("BFA_TEST_A", "from-env")
	t.Setenv("BFA_TEST_B", "")
	require.NoError(t, os.Unsetenv("BFA_TEST_B"))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-env", os.Getenv("BFA_TEST_A"))
	assert.Equal(t, "from-file", os.Getenv("BFA_TEST_B"))

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}
