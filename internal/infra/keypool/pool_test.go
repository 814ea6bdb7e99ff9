package keypool_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/keypool"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newPool(t *testing.T, clock *fakeClock, secrets ...string) *keypool.Pool {
	t.Helper()
	p, err := keypool.New(secrets, keypool.DefaultConfig(), zap.NewNop(), keypool.WithClock(clock.Now))
	require.NoError(t, err)
	return p
}

func fail(p *keypool.Pool, id string, kind domain.OutcomeKind) {
	p.Record(domain.Outcome{Kind: kind, CredentialID: id})
}

func TestNew_RejectsEmptyAndDedupes(t *testing.T) {
	_, err := keypool.New(nil, keypool.Config{}, zap.NewNop())
	assert.ErrorIs(t, err, keypool.ErrEmptyPool)

	p, err := keypool.New([]string{"AIzaSecretOne", "", "AIzaSecretOne", "AIzaSecretTwo"}, keypool.Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Size())
}

func TestCredentialIDIsStable(t *testing.T) {
	clock := newFakeClock()
	a := newPool(t, clock, "AIzaSecretOne", "AIzaSecretTwo")
	b := newPool(t, clock, "AIzaSecretTwo", "AIzaSecretOne")

	assert.ElementsMatch(t, a.IDs(), b.IDs())
	for _, id := range a.IDs() {
		assert.NotContains(t, id, "Secret")
	}
}

func TestMask(t *testing.T) {
	assert.Equal(t, "AIza…x9Qz", keypool.Mask("AIzaSyD-1234567890x9Qz"))
	assert.Equal(t, "****", keypool.Mask("short"))
}

func TestSelect_SkipsCooledDownCredential(t *testing.T) {
	clock := newFakeClock()
	p := newPool(t, clock, "AIzaSecretOne", "AIzaSecretTwo")
	ids := p.IDs()

	p.Record(domain.Outcome{Kind: domain.OutcomeRateLimited, CredentialID: ids[0]})

	for i := 0; i < 20; i++ {
		lease, err := p.Select("", nil)
		require.NoError(t, err)
		assert.Equal(t, ids[1], lease.ID, "cooled-down credential must not be selected")
	}

	stats := p.Stats()
	require.NotNil(t, stats[0].CooldownUntil)
	assert.True(t, stats[0].CooldownUntil.After(clock.Now()))
	assert.False(t, stats[0].Available)

	clock.Advance(91 * time.Second)
	assert.Equal(t, 2, p.Available())
}

func TestRateLimitCooldownGrowsAndHonoursHint(t *testing.T) {
	clock := newFakeClock()
	p := newPool(t, clock, "AIzaSecretOne")
	id := p.IDs()[0]

	p.Record(domain.Outcome{Kind: domain.OutcomeRateLimited, CredentialID: id})
	assert.Equal(t, clock.Now().Add(90*time.Second), *p.Stats()[0].CooldownUntil)

	p.Record(domain.Outcome{Kind: domain.OutcomeRateLimited, CredentialID: id})
	assert.Equal(t, clock.Now().Add(180*time.Second), *p.Stats()[0].CooldownUntil)

	p.Record(domain.Outcome{Kind: domain.OutcomeRateLimited, CredentialID: id, RetryAfter: 10 * time.Minute})
	assert.Equal(t, clock.Now().Add(10*time.Minute), *p.Stats()[0].CooldownUntil)
	assert.Equal(t, 3, p.Stats()[0].ThrottleLevel)
}

func TestInvalidCredentialGetsLongCooldown(t *testing.T) {
	clock := newFakeClock()
	p := newPool(t, clock, "AIzaSecretOne", "AIzaSecretTwo")
	id := p.IDs()[0]

	fail(p, id, domain.OutcomeInvalidCredential)

	assert.Equal(t, clock.Now().Add(24*time.Hour), *p.Stats()[0].CooldownUntil)
	clock.Advance(23 * time.Hour)
	lease, err := p.Select("", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id, lease.ID)
}

func TestCircuitOpensAfterThreeConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	p := newPool(t, clock, "AIzaSecretOne", "AIzaSecretTwo")
	id := p.IDs()[0]

	fail(p, id, domain.OutcomeServerError)
	fail(p, id, domain.OutcomeServerError)
	assert.Equal(t, "closed", p.Stats()[0].Circuit)

	fail(p, id, domain.OutcomeServerError)
	assert.Equal(t, "open", p.Stats()[0].Circuit)

	for i := 0; i < 10; i++ {
		lease, err := p.Select("", nil)
		require.NoError(t, err)
		assert.NotEqual(t, id, lease.ID, "open circuit must not be selected while another is available")
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	p := newPool(t, clock, "AIzaSecretOne")
	id := p.IDs()[0]

	fail(p, id, domain.OutcomeServerError)
	fail(p, id, domain.OutcomeServerError)
	p.Record(domain.Outcome{Kind: domain.OutcomeSuccess, CredentialID: id, Latency: 200 * time.Millisecond})
	assert.Equal(t, 0, p.Stats()[0].ConsecutiveFailures)

	fail(p, id, domain.OutcomeServerError)
	fail(p, id, domain.OutcomeServerError)
	assert.Equal(t, "closed", p.Stats()[0].Circuit)
}

func TestCircuitAutoClosesAfterResetWindow(t *testing.T) {
	clock := newFakeClock()
	p := newPool(t, clock, "AIzaSecretOne")
	id := p.IDs()[0]

	for i := 0; i < 3; i++ {
		fail(p, id, domain.OutcomeServerError)
	}

	_, err := p.Select("", nil)
	var noCred *domain.ErrNoCredentialAvailable
	require.True(t, errors.As(err, &noCred))
	assert.Equal(t, 5*time.Minute, noCred.RetryAfter)

	clock.Advance(5 * time.Minute)
	lease, err := p.Select("", nil)
	require.NoError(t, err)
	assert.Equal(t, id, lease.ID)
	assert.Equal(t, 0, p.Stats()[0].ConsecutiveFailures)
}

func TestSelect_ScorePrefersHealthierCredential(t *testing.T) {
	clock := newFakeClock()
	p := newPool(t, clock, "AIzaSecretOne", "AIzaSecretTwo")
	ids := p.IDs()

	fail(p, ids[0], domain.OutcomeServerError)

	lease, err := p.Select("", nil)
	require.NoError(t, err)
	assert.Equal(t, ids[1], lease.ID)
}

func TestSelect_TiesBrokenByDeclarationOrderThenUsage(t *testing.T) {
	clock := newFakeClock()
	p := newPool(t, clock, "AIzaSecretOne", "AIzaSecretTwo")
	ids := p.IDs()

	first, err := p.Select("", nil)
	require.NoError(t, err)
	assert.Equal(t, ids[0], first.ID)

	// the first credential now carries usage, so the second scores higher
	second, err := p.Select("", nil)
	require.NoError(t, err)
	assert.Equal(t, ids[1], second.ID)
}

func TestSelect_AffinityPinsCredential(t *testing.T) {
	clock := newFakeClock()
	cfg := keypool.DefaultConfig()
	cfg.Affinity = map[string]int{"market": 1}
	p, err := keypool.New([]string{"AIzaSecretOne", "AIzaSecretTwo", "AIzaSecretThree"}, cfg, zap.NewNop(), keypool.WithClock(clock.Now))
	require.NoError(t, err)
	ids := p.IDs()

	for i := 0; i < 5; i++ {
		lease, err := p.Select("market", nil)
		require.NoError(t, err)
		assert.Equal(t, ids[1], lease.ID)
	}

	// an unavailable preferred credential falls back to scoring
	fail(p, ids[1], domain.OutcomeRateLimited)
	lease, err := p.Select("market", nil)
	require.NoError(t, err)
	assert.NotEqual(t, ids[1], lease.ID)
}

func TestSelect_HashedAffinityIsStable(t *testing.T) {
	clock := newFakeClock()
	p := newPool(t, clock, "AIzaSecretOne", "AIzaSecretTwo", "AIzaSecretThree")

	first, err := p.Select("profile", nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := p.Select("profile", nil)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestSelect_Exclude(t *testing.T) {
	clock := newFakeClock()
	p := newPool(t, clock, "AIzaSecretOne", "AIzaSecretTwo")
	ids := p.IDs()

	lease, err := p.Select("", map[string]bool{ids[0]: true})
	require.NoError(t, err)
	assert.Equal(t, ids[1], lease.ID)

	_, err = p.Select("", map[string]bool{ids[0]: true, ids[1]: true})
	var noCred *domain.ErrNoCredentialAvailable
	assert.True(t, errors.As(err, &noCred))
}

func TestSelectOrSoonest_DegradesToEarliestRecovery(t *testing.T) {
	clock := newFakeClock()
	p := newPool(t, clock, "AIzaSecretOne", "AIzaSecretTwo")
	ids := p.IDs()

	fail(p, ids[0], domain.OutcomeInvalidCredential)
	fail(p, ids[1], domain.OutcomeRateLimited)

	_, err := p.Select("", nil)
	var noCred *domain.ErrNoCredentialAvailable
	require.True(t, errors.As(err, &noCred))
	assert.Equal(t, 90*time.Second, noCred.RetryAfter)

	lease, err := p.SelectOrSoonest("", nil)
	require.NoError(t, err)
	assert.Equal(t, ids[1], lease.ID)

	lease, err = p.SelectOrSoonest("", map[string]bool{ids[1]: true})
	require.NoError(t, err)
	assert.Equal(t, ids[0], lease.ID, "non-excluded credentials are preferred")
}

func TestHealthAndSuccessRateStayInBounds(t *testing.T) {
	clock := newFakeClock()
	p := newPool(t, clock, "AIzaSecretOne")
	id := p.IDs()[0]

	for i := 0; i < 30; i++ {
		fail(p, id, domain.OutcomeRateLimited)
	}
	s := p.Stats()[0]
	assert.Equal(t, 0.0, s.Health)
	assert.Equal(t, 0.0, s.SuccessRate)

	for i := 0; i < 200; i++ {
		p.Record(domain.Outcome{Kind: domain.OutcomeSuccess, CredentialID: id, Latency: time.Duration(i) * time.Millisecond})
	}
	s = p.Stats()[0]
	assert.Equal(t, 100.0, s.Health)
	assert.Equal(t, 100.0, s.SuccessRate)
	// mean of the last ten samples, 190..199 ms
	assert.InDelta(t, 194.5, s.AvgLatencyMs, 0.01)
}

func TestHealthObserverIsNotified(t *testing.T) {
	clock := newFakeClock()
	var gotID string
	var gotHealth float64
	p, err := keypool.New([]string{"AIzaSecretOne"}, keypool.Config{}, zap.NewNop(),
		keypool.WithClock(clock.Now),
		keypool.WithHealthObserver(func(id string, health float64, _ keypool.CircuitState) {
			gotID, gotHealth = id, health
		}),
	)
	require.NoError(t, err)

	fail(p, p.IDs()[0], domain.OutcomeServerError)
	assert.Equal(t, p.IDs()[0], gotID)
	assert.Equal(t, 95.0, gotHealth)
}

func TestConcurrentSelectAndRecord(t *testing.T) {
	clock := newFakeClock()
	p := newPool(t, clock, "AIzaSecretOne", "AIzaSecretTwo", "AIzaSecretThree")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := p.SelectOrSoonest("", nil)
			if err != nil {
				return
			}
			kind := domain.OutcomeSuccess
			if i%3 == 0 {
				kind = domain.OutcomeServerError
			}
			p.Record(domain.Outcome{Kind: kind, CredentialID: lease.ID, Latency: time.Millisecond})
		}(i)
	}
	wg.Wait()

	var usage int64
	for _, s := range p.Stats() {
		usage += s.Usage
	}
	assert.Equal(t, int64(50), usage)
}
