package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/local/llmcrawler/internal/config"
)

func TestAcquireBoundsInFlight(t *testing.T) {
	g := New()
	g.Register("openai", config.TierFast, config.TierConfig{MaxInFlight: 2})

	ctx := context.Background()
	rel1, err := g.Acquire(ctx, "openai")
	require.NoError(t, err)
	rel2, err := g.Acquire(ctx, "openai")
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(blocked, "openai")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	rel1()
	rel3, err := g.Acquire(ctx, "openai")
	require.NoError(t, err)
	rel2()
	rel3()
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := New()
	g.Register("openai", config.TierFast, config.TierConfig{MaxInFlight: 1})

	rel, err := g.Acquire(context.Background(), "openai")
	require.NoError(t, err)
	rel()
	rel() // second call must not free a slot twice

	rel2, err := g.Acquire(context.Background(), "openai")
	require.NoError(t, err)
	rel2()
}

func TestSpacingDelaysSecondDispatch(t *testing.T) {
	g := New()
	g.Register("slowprov", config.TierSlow, config.TierConfig{MaxInFlight: 4, MinSpacing: 120 * time.Millisecond})

	ctx := context.Background()
	start := time.Now()
	rel1, err := g.Acquire(ctx, "slowprov")
	require.NoError(t, err)
	rel1()
	rel2, err := g.Acquire(ctx, "slowprov")
	require.NoError(t, err)
	rel2()

	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSpacingElapsesWhileLaneBusy(t *testing.T) {
	g := New()
	g.Register("slowprov", config.TierSlow, config.TierConfig{MaxInFlight: 1, MinSpacing: 150 * time.Millisecond})

	ctx := context.Background()
	relA, err := g.Acquire(ctx, "slowprov")
	require.NoError(t, err)

	var wg sync.WaitGroup
	done := make(chan time.Time, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := g.Acquire(ctx, "slowprov")
			if err == nil {
				done <- time.Now()
				rel()
			}
		}()
	}

	// Both queued callers wait out their spacing windows while the single
	// in-flight slot is busy, instead of holding it during the wait.
	time.Sleep(400 * time.Millisecond)
	released := time.Now()
	relA()
	wg.Wait()

	for i := 0; i < 2; i++ {
		at := <-done
		require.Less(t, at.Sub(released), 100*time.Millisecond,
			"spacing must not restart after the slot frees")
	}
}

func TestAcquireUnregisteredProvider(t *testing.T) {
	g := New()
	_, err := g.Acquire(context.Background(), "ghost")
	require.ErrorContains(t, err, "not registered")
}

func TestTierRankOrdering(t *testing.T) {
	require.Less(t, TierRank(config.TierFast), TierRank(config.TierMedium))
	require.Less(t, TierRank(config.TierMedium), TierRank(config.TierSlow))
}
