package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/observability"
)

// State is the circuit breaker state.
type State string

// Circuit breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Options tunes the circuit breaker and staleness behavior.
type Options struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
	BaseDelay        time.Duration
	BackoffMult      float64
	MaxBackoff       time.Duration
	StaleAfter       time.Duration
}

// Health is the provider health view exposed on /api/health/secrets.
type Health struct {
	State               State      `json:"state"`
	Healthy             bool       `json:"healthy"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CacheAgeMs          int64      `json:"cache_age_ms"`
	Stale               bool       `json:"stale"`
	LastError           string     `json:"last_error,omitempty"`
	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`
}

// Provider guards the upstream secret source with a circuit breaker and
// serves a cached snapshot while the source is unhealthy. All upstream
// failures are absorbed here; callers only ever see ErrSecretUnavailable.
type Provider struct {
	source Source
	store  SnapshotStore // optional mirror, may be nil
	opts   Options
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	halfOpenOK    int
	probing       bool
	openedAt      time.Time
	lastSuccessAt time.Time
	lastErr       error
	cache         *snapshot
}

// NewProvider constructs a Provider around source. When store is non-nil a
// previously mirrored snapshot is loaded so cold starts can serve secrets
// before the first fetch.
func NewProvider(source Source, store SnapshotStore, opts Options) *Provider {
	p := &Provider{source: source, store: store, opts: opts, state: StateClosed, now: time.Now}
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if snap, err := store.Load(ctx); err != nil {
			slog.Warn("secret snapshot load failed", slog.Any("error", err))
		} else if snap != nil {
			p.cache = snap
			slog.Info("secret snapshot restored from mirror", slog.Time("fetched_at", snap.FetchedAt))
		}
	}
	return p
}

// Get resolves a single secret. Depending on circuit state it fetches
// upstream or serves the cached snapshot. A missing cache while the circuit
// is open fails with ErrSecretUnavailable; a missing key on a present
// snapshot fails with ErrNotFound.
func (p *Provider) Get(ctx context.Context, key string) (string, error) {
	p.mu.Lock()
	attempt, probe := p.shouldAttemptLocked()
	p.mu.Unlock()

	if attempt {
		values, err := p.fetchWithBackoff(ctx)
		p.record(ctx, values, err, probe)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cache == nil {
		return "", fmt.Errorf("op=secrets.Get key=%s: %w", key, domain.ErrSecretUnavailable)
	}
	v, ok := p.cache.Values[key]
	if !ok {
		return "", fmt.Errorf("op=secrets.Get key=%s: %w", key, domain.ErrNotFound)
	}
	return v, nil
}

// shouldAttemptLocked decides whether this call may go upstream. In open
// state only the first call after the cooldown elapses probes; concurrent
// callers serve the cache.
func (p *Provider) shouldAttemptLocked() (attempt, probe bool) {
	switch p.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if p.now().Sub(p.openedAt) >= p.opts.Cooldown && !p.probing {
			p.state = StateHalfOpen
			p.probing = true
			observability.SecretBreakerState.Set(1)
			slog.Info("secret circuit transitioning to half-open")
			return true, true
		}
		return false, false
	case StateHalfOpen:
		if !p.probing {
			p.probing = true
			return true, true
		}
		return false, false
	}
	return false, false
}

// fetchWithBackoff calls upstream with the configured exponential backoff.
// It runs off-lock; only the result is applied under the mutex.
func (p *Provider) fetchWithBackoff(ctx context.Context) (map[string]string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.BaseDelay
	bo.Multiplier = p.opts.BackoffMult
	bo.MaxInterval = p.opts.MaxBackoff
	bo.MaxElapsedTime = 0

	var values map[string]string
	op := func() error {
		var err error
		values, err = p.source.Fetch(ctx)
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
	return values, err
}

func (p *Provider) record(ctx context.Context, values map[string]string, err error, probe bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if probe {
		p.probing = false
	}

	if err != nil {
		p.lastErr = err
		switch p.state {
		case StateClosed:
			p.failures++
			if p.failures >= p.opts.FailureThreshold {
				p.state = StateOpen
				p.openedAt = p.now()
				observability.SecretBreakerState.Set(2)
				slog.Error("secret circuit opened",
					slog.Int("consecutive_failures", p.failures),
					slog.Any("error", err))
			}
		case StateHalfOpen:
			p.state = StateOpen
			p.openedAt = p.now()
			p.halfOpenOK = 0
			observability.SecretBreakerState.Set(2)
			slog.Warn("secret circuit re-opened after failed probe", slog.Any("error", err))
		}
		return
	}

	snap := snapshot{Values: values, FetchedAt: p.now().UTC()}
	p.cache = &snap
	p.lastSuccessAt = snap.FetchedAt
	p.lastErr = nil

	switch p.state {
	case StateHalfOpen:
		p.halfOpenOK++
		if p.halfOpenOK >= p.opts.SuccessThreshold {
			p.state = StateClosed
			p.failures = 0
			p.halfOpenOK = 0
			observability.SecretBreakerState.Set(0)
			slog.Info("secret circuit closed after recovery")
		}
	case StateClosed:
		p.failures = 0
	}

	if p.store != nil {
		_ = p.store.Store(ctx, snap)
	}
}

// Health returns the breaker health view.
func (p *Provider) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := Health{
		State:               p.state,
		Healthy:             p.state == StateClosed,
		ConsecutiveFailures: p.failures,
	}
	if p.cache != nil {
		age := p.now().Sub(p.cache.FetchedAt)
		h.CacheAgeMs = age.Milliseconds()
		h.Stale = p.opts.StaleAfter > 0 && age > p.opts.StaleAfter
	}
	if p.lastErr != nil {
		h.LastError = p.lastErr.Error()
	}
	if p.state == StateOpen {
		next := p.openedAt.Add(p.opts.Cooldown)
		h.NextRetryAt = &next
	}
	return h
}
