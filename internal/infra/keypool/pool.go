// Package keypool tracks the health of every configured API credential and
// decides which one serves the next generation call.
//
// A Pool owns per-credential usage, success rate, health, a latency window,
// a circuit record and an optional cooldown. Callers only ever see an
// immutable domain.Lease and masked domain.KeyStats snapshots.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
)

const latencyWindow = 10

// ErrEmptyPool is returned by New when no credential is configured.
var ErrEmptyPool = errors.New("keypool: no credentials configured")

// CircuitState is the per-credential breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

func (s CircuitState) String() string {
	if s == CircuitOpen {
		return "open"
	}
	return "closed"
}

// Config holds the guard thresholds. Zero values fall back to DefaultConfig.
type Config struct {
	RateLimitCooldown    time.Duration
	MaxRateLimitCooldown time.Duration
	InvalidKeyCooldown   time.Duration
	CircuitThreshold     int
	CircuitReset         time.Duration
	// Affinity pins an affinity hint (usually a stage name) to a credential index.
	Affinity map[string]int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		RateLimitCooldown:    90 * time.Second,
		MaxRateLimitCooldown: time.Hour,
		InvalidKeyCooldown:   24 * time.Hour,
		CircuitThreshold:     3,
		CircuitReset:         5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = d.RateLimitCooldown
	}
	if c.MaxRateLimitCooldown <= 0 {
		c.MaxRateLimitCooldown = d.MaxRateLimitCooldown
	}
	if c.InvalidKeyCooldown <= 0 {
		c.InvalidKeyCooldown = d.InvalidKeyCooldown
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = d.CircuitThreshold
	}
	if c.CircuitReset <= 0 {
		c.CircuitReset = d.CircuitReset
	}
	return c
}

type circuitRecord struct {
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
}

type credential struct {
	id     string
	secret string

	usage       int64
	successRate float64
	health      float64

	latencies   [latencyWindow]time.Duration
	latencyLen  int
	latencyNext int

	circuit       circuitRecord
	cooldownUntil time.Time
	throttleLevel int
}

func (c *credential) avgLatency() time.Duration {
	if c.latencyLen == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < c.latencyLen; i++ {
		sum += c.latencies[i]
	}
	return sum / time.Duration(c.latencyLen)
}

func (c *credential) addLatency(d time.Duration) {
	c.latencies[c.latencyNext] = d
	c.latencyNext = (c.latencyNext + 1) % latencyWindow
	if c.latencyLen < latencyWindow {
		c.latencyLen++
	}
}

// recoveryAt is the earliest time the credential becomes selectable again.
func (c *credential) recoveryAt(reset time.Duration) time.Time {
	at := c.cooldownUntil
	if c.circuit.state == CircuitOpen {
		if closeAt := c.circuit.lastFailure.Add(reset); closeAt.After(at) {
			at = closeAt
		}
	}
	return at
}

// HealthObserver is notified whenever a credential's health changes.
type HealthObserver func(id string, health float64, circuit CircuitState)

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithHealthObserver registers a callback invoked after each recorded outcome.
func WithHealthObserver(fn HealthObserver) Option {
	return func(p *Pool) { p.observe = fn }
}

// Pool is safe for concurrent use. Every mutation of a credential happens
// under mu.
type Pool struct {
	mu      sync.Mutex
	creds   []*credential
	byID    map[string]*credential
	cfg     Config
	now     func() time.Time
	observe HealthObserver
	logger  *zap.Logger
}

// New builds a pool from the configured secrets in declaration order.
// Duplicate and blank secrets are skipped.
func New(secrets []string, cfg Config, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		byID:   make(map[string]*credential),
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: logger,
	}
	for _, o := range opts {
		o(p)
	}

	for _, s := range secrets {
		if s == "" {
			continue
		}
		id := credentialID(s)
		if _, dup := p.byID[id]; dup {
			continue
		}
		c := &credential{id: id, secret: s, successRate: 100, health: 100}
		p.creds = append(p.creds, c)
		p.byID[id] = c
	}
	if len(p.creds) == 0 {
		return nil, ErrEmptyPool
	}
	return p, nil
}

// credentialID is a stable short hash of the secret.
func credentialID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return "key-" + hex.EncodeToString(sum[:4])
}

// Mask hides all but the first and last four characters of a secret.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "…" + secret[len(secret)-4:]
}

// Size returns the number of pooled credentials.
func (p *Pool) Size() int {
	return len(p.creds)
}

// IDs returns the credential IDs in declaration order.
func (p *Pool) IDs() []string {
	ids := make([]string, len(p.creds))
	for i, c := range p.creds {
		ids[i] = c.id
	}
	return ids
}

// available applies circuit auto-close and reports whether c can be leased.
// Caller holds mu.
func (p *Pool) available(c *credential, now time.Time) bool {
	if c.circuit.state == CircuitOpen && now.Sub(c.circuit.lastFailure) >= p.cfg.CircuitReset {
		c.circuit.state = CircuitClosed
		c.circuit.consecutiveFailures = 0
		p.logger.Info("credential circuit closed", zap.String("key_id", c.id))
	}
	if c.cooldownUntil.After(now) {
		return false
	}
	return c.circuit.state == CircuitClosed
}

// preferred maps an affinity hint to a credential index.
func (p *Pool) preferred(hint string) (int, bool) {
	if hint == "" {
		return 0, false
	}
	if idx, ok := p.cfg.Affinity[hint]; ok && idx >= 0 && idx < len(p.creds) {
		return idx, true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(hint))
	return int(h.Sum32() % uint32(len(p.creds))), true
}

func latencyScore(avg time.Duration) float64 {
	if avg <= 0 {
		return 100
	}
	ms := float64(avg) / float64(time.Millisecond)
	return 100 * 1000 / (1000 + ms)
}

// Select leases the best available credential not listed in exclude.
// It returns *domain.ErrNoCredentialAvailable when every credential is
// cooling down, has an open circuit, or is excluded.
func (p *Pool) Select(hint string, exclude map[string]bool) (domain.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.selectLocked(hint, exclude)
	if err != nil {
		return domain.Lease{}, err
	}
	c.usage++
	return domain.Lease{ID: c.id, Secret: c.secret}, nil
}

func (p *Pool) selectLocked(hint string, exclude map[string]bool) (*credential, error) {
	now := p.now()

	candidates := make([]int, 0, len(p.creds))
	for i, c := range p.creds {
		if exclude[c.id] {
			continue
		}
		if p.available(c, now) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil, &domain.ErrNoCredentialAvailable{RetryAfter: p.soonestLocked(now, exclude)}
	}

	if idx, ok := p.preferred(hint); ok {
		for _, i := range candidates {
			if i == idx {
				return p.creds[i], nil
			}
		}
	}

	var maxUsage int64
	for _, i := range candidates {
		if u := p.creds[i].usage; u > maxUsage {
			maxUsage = u
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, i := range candidates {
		c := p.creds[i]
		var usageNorm float64
		if maxUsage > 0 {
			usageNorm = float64(c.usage) / float64(maxUsage) * 100
		}
		score := 0.4*c.health + 0.3*c.successRate + 0.2*(100-usageNorm) + 0.1*latencyScore(c.avgLatency())
		ranked = append(ranked, scored{idx: i, score: score})
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		ra, rb := ranked[a], ranked[b]
		if ra.score != rb.score {
			return ra.score > rb.score
		}
		if ua, ub := p.creds[ra.idx].usage, p.creds[rb.idx].usage; ua != ub {
			return ua < ub
		}
		return ra.idx < rb.idx
	})
	return p.creds[ranked[0].idx], nil
}

// soonestLocked returns the time until the first non-excluded credential
// recovers. Caller holds mu.
func (p *Pool) soonestLocked(now time.Time, exclude map[string]bool) time.Duration {
	var soonest time.Time
	for _, c := range p.creds {
		if exclude[c.id] {
			continue
		}
		at := c.recoveryAt(p.cfg.CircuitReset)
		if soonest.IsZero() || at.Before(soonest) {
			soonest = at
		}
	}
	if soonest.IsZero() || !soonest.After(now) {
		return 0
	}
	return soonest.Sub(now)
}

// SelectOrSoonest behaves like Select, but when nothing is available it
// degrades to the credential whose cooldown or circuit expires first,
// preferring credentials outside exclude.
func (p *Pool) SelectOrSoonest(hint string, exclude map[string]bool) (domain.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.selectLocked(hint, exclude)
	if err != nil {
		var noCred *domain.ErrNoCredentialAvailable
		if !errors.As(err, &noCred) {
			return domain.Lease{}, err
		}
		c = p.soonestCredentialLocked(exclude)
		p.logger.Warn("no credential available, degrading to soonest recovery",
			zap.String("key_id", c.id),
			zap.Duration("retry_after", noCred.RetryAfter),
		)
	}
	c.usage++
	return domain.Lease{ID: c.id, Secret: c.secret}, nil
}

func (p *Pool) soonestCredentialLocked(exclude map[string]bool) *credential {
	var best *credential
	var bestAt time.Time
	bestExcluded := true
	for _, c := range p.creds {
		excluded := exclude[c.id]
		at := c.recoveryAt(p.cfg.CircuitReset)
		switch {
		case best == nil,
			bestExcluded && !excluded,
			bestExcluded == excluded && at.Before(bestAt):
			best, bestAt, bestExcluded = c, at, excluded
		}
	}
	return best
}

// Record consumes one classified outcome for the credential that produced it.
func (p *Pool) Record(o domain.Outcome) {
	p.mu.Lock()
	c, ok := p.byID[o.CredentialID]
	if !ok {
		p.mu.Unlock()
		return
	}
	now := p.now()

	switch o.Kind {
	case domain.OutcomeSuccess:
		c.successRate = clamp(c.successRate + 2)
		c.health = clamp(c.health + 1)
		c.addLatency(o.Latency)
		c.circuit.consecutiveFailures = 0
		c.circuit.state = CircuitClosed
		c.throttleLevel = 0
	case domain.OutcomeRateLimited:
		cooldown := p.throttleCooldown(c.throttleLevel)
		if o.RetryAfter > cooldown {
			cooldown = o.RetryAfter
		}
		c.cooldownUntil = now.Add(cooldown)
		c.throttleLevel++
		c.health = clamp(c.health - 20)
		p.failure(c, now)
		p.logger.Warn("credential rate limited",
			zap.String("key_id", c.id),
			zap.Duration("cooldown", cooldown),
			zap.Int("throttle_level", c.throttleLevel),
		)
	case domain.OutcomeInvalidCredential:
		c.cooldownUntil = now.Add(p.cfg.InvalidKeyCooldown)
		c.health = clamp(c.health - 5)
		p.failure(c, now)
		p.logger.Error("credential rejected by backend",
			zap.String("key_id", c.id),
			zap.Duration("cooldown", p.cfg.InvalidKeyCooldown),
		)
	default:
		c.health = clamp(c.health - 5)
		p.failure(c, now)
	}

	health, state := c.health, c.circuit.state
	observe := p.observe
	p.mu.Unlock()

	if observe != nil {
		observe(o.CredentialID, health, state)
	}
}

// failure applies the shared failure bookkeeping. Caller holds mu.
func (p *Pool) failure(c *credential, now time.Time) {
	c.successRate = clamp(c.successRate - 10)
	c.circuit.consecutiveFailures++
	c.circuit.lastFailure = now
	if c.circuit.state == CircuitClosed && c.circuit.consecutiveFailures >= p.cfg.CircuitThreshold {
		c.circuit.state = CircuitOpen
		p.logger.Warn("credential circuit opened",
			zap.String("key_id", c.id),
			zap.Int("consecutive_failures", c.circuit.consecutiveFailures),
		)
	}
}

func (p *Pool) throttleCooldown(level int) time.Duration {
	d := p.cfg.RateLimitCooldown
	for i := 0; i < level; i++ {
		d *= 2
		if d >= p.cfg.MaxRateLimitCooldown {
			return p.cfg.MaxRateLimitCooldown
		}
	}
	return d
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// Available reports how many credentials can be leased right now.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := 0
	for _, c := range p.creds {
		if p.available(c, now) {
			n++
		}
	}
	return n
}

// RetryAfter returns the time until some credential can be leased again,
// or 0 when one is available now.
func (p *Pool) RetryAfter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, c := range p.creds {
		if p.available(c, now) {
			return 0
		}
	}
	return p.soonestLocked(now, nil)
}

// Stats returns masked snapshots in declaration order.
func (p *Pool) Stats() []domain.KeyStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]domain.KeyStats, 0, len(p.creds))
	for _, c := range p.creds {
		avail := p.available(c, now)
		s := domain.KeyStats{
			ID:                  c.id,
			Masked:              Mask(c.secret),
			Usage:               c.usage,
			SuccessRate:         c.successRate,
			Health:              c.health,
			AvgLatencyMs:        float64(c.avgLatency()) / float64(time.Millisecond),
			Circuit:             c.circuit.state.String(),
			ConsecutiveFailures: c.circuit.consecutiveFailures,
			ThrottleLevel:       c.throttleLevel,
			Available:           avail,
		}
		if c.cooldownUntil.After(now) {
			until := c.cooldownUntil
			s.CooldownUntil = &until
		}
		out = append(out, s)
	}
	return out
}

// Leases returns a lease for every credential regardless of state. It is
// meant for probing, not for serving traffic.
func (p *Pool) Leases() []domain.Lease {
	out := make([]domain.Lease, len(p.creds))
	for i, c := range p.creds {
		out[i] = domain.Lease{ID: c.id, Secret: c.secret}
	}
	return out
}
