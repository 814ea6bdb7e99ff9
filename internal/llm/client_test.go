package llm_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/keypool"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/observability"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/llm"
)

// scriptedBackend answers per secret with a fixed error, or text when nil.
type scriptedBackend struct {
	mu     sync.Mutex
	errs   map[string]error
	calls  []string
	models []string
}

func (b *scriptedBackend) Generate(_ context.Context, apiKey, model string, _ domain.GenerationRequest) (*domain.GenerationResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, apiKey)
	b.models = append(b.models, model)
	if err := b.errs[apiKey]; err != nil {
		return nil, err
	}
	return &domain.GenerationResponse{Text: "answer from " + apiKey, PromptTokens: 3, CompletionTokens: 2}, nil
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

var (
	errRateLimited = &domain.ErrUpstream{Status: http.StatusTooManyRequests, Message: "quota"}
	errServer      = &domain.ErrUpstream{Status: http.StatusInternalServerError, Message: "boom"}
	errBadRequest  = &domain.ErrUpstream{Status: http.StatusBadRequest, Message: "bad field"}
	errInvalidKey  = &domain.ErrUpstream{Status: http.StatusBadRequest, Reason: "API_KEY_INVALID", Message: "API key not valid"}
)

func testConfig() llm.Config {
	cfg := llm.DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	return cfg
}

func newClient(t *testing.T, backend *scriptedBackend, cfg llm.Config, secrets ...string) (*llm.Client, *keypool.Pool) {
	t.Helper()
	pool, err := keypool.New(secrets, keypool.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	return llm.NewClient(pool, backend, nil, observability.NewMetrics(), zap.NewNop(), cfg), pool
}

func prompt() domain.GenerationRequest {
	return domain.GenerationRequest{Content: domain.TextContent("analyze")}
}

func TestGenerate_RateLimitedCredentialFallsThroughToHealthyOne(t *testing.T) {
	backend := &scriptedBackend{errs: map[string]error{"AIzaKeyA-000": errRateLimited}}
	client, _ := newClient(t, backend, testConfig(), "AIzaKeyA-000", "AIzaKeyB-000")

	gen, err := client.Generate(context.Background(), prompt())
	require.NoError(t, err)

	assert.Equal(t, "answer from AIzaKeyB-000", gen.Text)
	assert.LessOrEqual(t, gen.Attempts, 2)
	assert.LessOrEqual(t, backend.callCount(), 2, "a third call must never happen")
}

func TestGenerate_ServerErrorMovesOnWithoutDelay(t *testing.T) {
	backend := &scriptedBackend{errs: map[string]error{"AIzaKeyA-000": errServer}}
	cfg := testConfig()
	cfg.BackoffBase = time.Hour
	client, _ := newClient(t, backend, cfg, "AIzaKeyA-000", "AIzaKeyB-000")

	done := make(chan struct{})
	go func() {
		defer close(done)
		gen, err := client.Generate(context.Background(), prompt())
		assert.NoError(t, err)
		assert.Equal(t, "answer from AIzaKeyB-000", gen.Text)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server errors must not wait for backoff")
	}
}

func TestGenerate_ExhaustionPreservesRateLimitCause(t *testing.T) {
	backend := &scriptedBackend{errs: map[string]error{
		"AIzaKeyA-000": errRateLimited,
		"AIzaKeyB-000": errRateLimited,
	}}
	client, _ := newClient(t, backend, testConfig(), "AIzaKeyA-000", "AIzaKeyB-000")

	_, err := client.Generate(context.Background(), prompt())

	var exhausted *domain.ErrAllAttemptsExhausted
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 2, exhausted.Attempts)
	assert.True(t, exhausted.RateLimited)
	assert.Greater(t, exhausted.RetryAfter, time.Duration(0))

	var up *domain.ErrUpstream
	require.True(t, errors.As(err, &up), "last cause must be preserved")
	assert.Equal(t, http.StatusTooManyRequests, up.Status)
	assert.Equal(t, 2, backend.callCount())
}

func TestGenerate_ExhaustionAfterServerErrorsIsNotRateLimited(t *testing.T) {
	backend := &scriptedBackend{errs: map[string]error{
		"AIzaKeyA-000": errServer,
		"AIzaKeyB-000": errServer,
	}}
	client, _ := newClient(t, backend, testConfig(), "AIzaKeyA-000", "AIzaKeyB-000")

	_, err := client.Generate(context.Background(), prompt())

	var exhausted *domain.ErrAllAttemptsExhausted
	require.True(t, errors.As(err, &exhausted))
	assert.False(t, exhausted.RateLimited)
}

func TestGenerate_AttemptsBoundedByMaxAttempts(t *testing.T) {
	secrets := []string{"AIzaKey1-000", "AIzaKey2-000", "AIzaKey3-000", "AIzaKey4-000", "AIzaKey5-000", "AIzaKey6-000"}
	errs := map[string]error{}
	for _, s := range secrets {
		errs[s] = errServer
	}
	backend := &scriptedBackend{errs: errs}
	client, _ := newClient(t, backend, testConfig(), secrets...)

	_, err := client.Generate(context.Background(), prompt())
	require.Error(t, err)
	assert.Equal(t, 4, backend.callCount())

	seen := map[string]bool{}
	for _, k := range backend.calls {
		assert.False(t, seen[k], "each attempt uses a different credential")
		seen[k] = true
	}
}

func TestGenerate_ClientErrorAbortsImmediately(t *testing.T) {
	backend := &scriptedBackend{errs: map[string]error{
		"AIzaKeyA-000": errBadRequest,
		"AIzaKeyB-000": errBadRequest,
	}}
	client, _ := newClient(t, backend, testConfig(), "AIzaKeyA-000", "AIzaKeyB-000")

	_, err := client.Generate(context.Background(), prompt())

	var clientErr *domain.ErrClientRequest
	require.True(t, errors.As(err, &clientErr))
	assert.Equal(t, 1, backend.callCount())
}

func TestGenerate_InvalidCredentialSurfacesAndCoolsDown(t *testing.T) {
	backend := &scriptedBackend{errs: map[string]error{"AIzaKeyA-000": errInvalidKey}}
	client, pool := newClient(t, backend, testConfig(), "AIzaKeyA-000")

	_, err := client.Generate(context.Background(), prompt())

	var invalid *domain.ErrInvalidCredential
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, 1, backend.callCount())

	stats := pool.Stats()[0]
	require.NotNil(t, stats.CooldownUntil)
	assert.True(t, stats.CooldownUntil.After(time.Now().Add(23*time.Hour)))
}

func TestGenerate_NoCredentialWithoutDegrade(t *testing.T) {
	backend := &scriptedBackend{}
	cfg := testConfig()
	cfg.DegradeToSoonest = false
	client, pool := newClient(t, backend, cfg, "AIzaKeyA-000")
	pool.Record(domain.Outcome{Kind: domain.OutcomeRateLimited, CredentialID: pool.IDs()[0]})

	_, err := client.Generate(context.Background(), prompt())

	var noCred *domain.ErrNoCredentialAvailable
	require.True(t, errors.As(err, &noCred))
	assert.Greater(t, noCred.RetryAfter, time.Minute)
	assert.Equal(t, 0, backend.callCount())
}

func TestGenerate_DegradesToSoonestCredential(t *testing.T) {
	backend := &scriptedBackend{}
	client, pool := newClient(t, backend, testConfig(), "AIzaKeyA-000")
	pool.Record(domain.Outcome{Kind: domain.OutcomeRateLimited, CredentialID: pool.IDs()[0]})

	gen, err := client.Generate(context.Background(), prompt())
	require.NoError(t, err)
	assert.Equal(t, "answer from AIzaKeyA-000", gen.Text)
}

func TestGenerate_RejectsEmptyPrompt(t *testing.T) {
	client, _ := newClient(t, &scriptedBackend{}, testConfig(), "AIzaKeyA-000")

	_, err := client.Generate(context.Background(), domain.GenerationRequest{})
	var verr *domain.ErrValidation
	assert.True(t, errors.As(err, &verr))
}

func TestGenerate_ContextCancelledDuringBackoff(t *testing.T) {
	backend := &scriptedBackend{errs: map[string]error{"AIzaKeyA-000": errRateLimited, "AIzaKeyB-000": errRateLimited}}
	cfg := testConfig()
	cfg.BackoffBase = time.Hour
	cfg.BackoffMax = time.Hour
	client, _ := newClient(t, backend, cfg, "AIzaKeyA-000", "AIzaKeyB-000")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Generate(ctx, prompt())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, backend.callCount())
}

func TestGenerate_OpenBackendBreakerFailsFast(t *testing.T) {
	secrets := []string{"AIzaKey1-000", "AIzaKey2-000", "AIzaKey3-000", "AIzaKey4-000", "AIzaKey5-000"}
	errs := map[string]error{}
	for _, s := range secrets {
		errs[s] = errServer
	}
	backend := &scriptedBackend{errs: errs}
	cfg := testConfig()
	cfg.MaxAttempts = 5
	client, _ := newClient(t, backend, cfg, secrets...)

	_, _ = client.Generate(context.Background(), prompt())
	require.Equal(t, 5, backend.callCount())

	_, err := client.Generate(context.Background(), prompt())
	var open *domain.ErrCircuitOpen
	require.True(t, errors.As(err, &open))
	assert.Equal(t, 5, backend.callCount(), "no call reaches the backend while the breaker is open")
}

func TestSetModel(t *testing.T) {
	backend := &scriptedBackend{}
	cfg := testConfig()
	cfg.Model = "gemini-a"
	client, _ := newClient(t, backend, cfg, "AIzaKeyA-000")
	assert.Equal(t, "gemini-a", client.Model())

	client.SetModel("gemini-b")
	client.SetModel("")
	assert.Equal(t, "gemini-b", client.Model())

	gen, err := client.Generate(context.Background(), prompt())
	require.NoError(t, err)
	assert.Equal(t, "gemini-b", gen.Model)
	assert.Equal(t, []string{"gemini-b"}, backend.models)
}

func TestValidateKeys(t *testing.T) {
	backend := &scriptedBackend{errs: map[string]error{"AIzaKeyB-000": errInvalidKey}}
	client, pool := newClient(t, backend, testConfig(), "AIzaKeyA-000", "AIzaKeyB-000")

	results, err := client.ValidateKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Valid)
	assert.False(t, results[1].Valid)
	assert.Equal(t, "invalid_credential", results[1].Outcome)
	assert.NotContains(t, results[1].Masked, "KeyB")
	assert.Equal(t, 1, pool.Available())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want domain.OutcomeKind
	}{
		{nil, domain.OutcomeSuccess},
		{errRateLimited, domain.OutcomeRateLimited},
		{&domain.ErrUpstream{Status: http.StatusUnauthorized}, domain.OutcomeInvalidCredential},
		{&domain.ErrUpstream{Status: http.StatusForbidden}, domain.OutcomeInvalidCredential},
		{errInvalidKey, domain.OutcomeInvalidCredential},
		{errBadRequest, domain.OutcomeClientError},
		{&domain.ErrUpstream{Status: http.StatusNotFound}, domain.OutcomeClientError},
		{&domain.ErrUpstream{Status: http.StatusRequestTimeout}, domain.OutcomeServerError},
		{errServer, domain.OutcomeServerError},
		{&domain.ErrUpstream{Status: 0, Err: errors.New("dial tcp")}, domain.OutcomeServerError},
		{&domain.ErrClientRequest{Err: errors.New("encode")}, domain.OutcomeClientError},
		{errors.New("unexpected"), domain.OutcomeServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, llm.Classify(tc.err), "%v", tc.err)
	}
}
