package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/local/llmcrawler/internal/config"
)

// Governor paces outbound provider calls. One lane per provider, shared by
// every domain worker in the process: a semaphore bounds in-flight calls and
// a dispatch clock enforces minimum spacing between consecutive sends.
type Governor struct {
	mu    sync.RWMutex
	lanes map[string]*lane
}

type lane struct {
	tier config.Tier
	sem  chan struct{}

	clockMu sync.Mutex
	nextAt  time.Time
	spacing time.Duration
}

func New() *Governor {
	return &Governor{lanes: make(map[string]*lane)}
}

// Register creates the lane for a provider with its tier pacing. Called once
// at startup before any Acquire.
func (g *Governor) Register(provider string, tier config.Tier, tc config.TierConfig) {
	maxInFlight := tc.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	g.mu.Lock()
	g.lanes[provider] = &lane{
		tier:    tier,
		sem:     make(chan struct{}, maxInFlight),
		spacing: tc.MinSpacing,
	}
	g.mu.Unlock()
}

// Acquire blocks until the provider has both a free in-flight slot and its
// spacing window has passed, or ctx is done. The returned release must be
// called exactly once after the provider call finishes.
func (g *Governor) Acquire(ctx context.Context, provider string) (release func(), err error) {
	g.mu.RLock()
	l := g.lanes[provider]
	g.mu.RUnlock()
	if l == nil {
		return nil, fmt.Errorf("governor: provider %q not registered", provider)
	}

	if l.spacing > 0 {
		// Reserve a dispatch slot on the lane clock and sleep to it before
		// competing for an in-flight slot, so a caller waiting out the
		// spacing window never holds capacity it cannot use yet.
		l.clockMu.Lock()
		now := time.Now()
		at := l.nextAt
		if at.Before(now) {
			at = now
		}
		l.nextAt = at.Add(l.spacing)
		l.clockMu.Unlock()

		if wait := time.Until(at); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { <-l.sem }) }, nil
}

// Tier returns the registered tier for a provider, defaulting to medium.
func (g *Governor) Tier(provider string) config.Tier {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if l := g.lanes[provider]; l != nil {
		return l.tier
	}
	return config.TierMedium
}

// TierRank orders tiers fast < medium < slow so workers dispatch the fast
// providers first and the slowest dominates wall time instead of queueing
// behind the others.
func TierRank(t config.Tier) int {
	switch t {
	case config.TierFast:
		return 0
	case config.TierMedium:
		return 1
	case config.TierSlow:
		return 2
	default:
		return 1
	}
}
