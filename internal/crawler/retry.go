package crawler

import (
	"crypto/rand"
	"math/big"
	"time"
)

// FullJitter returns a delay drawn uniformly from [0, min(cap, base*2^n)].
// Jitter over the whole interval keeps a burst of failing cells from
// re-hitting a struggling provider in lockstep.
func FullJitter(n int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}

	ceiling := base
	for i := 0; i < n; i++ {
		ceiling *= 2
		if ceiling >= cap {
			ceiling = cap
			break
		}
	}

	r, err := rand.Int(rand.Reader, big.NewInt(int64(ceiling)))
	if err != nil {
		return ceiling / 2
	}
	return time.Duration(r.Int64())
}

// Domain-level backoff between failed passes. Coarser than the per-call
// ladder: a failed pass usually means a provider-wide condition that a few
// seconds will not fix.
const (
	domainBackoffBase = time.Minute
	domainBackoffCap  = 30 * time.Minute
)

func domainBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return domainBackoffBase/2 + FullJitter(attempt-1, domainBackoffBase, domainBackoffCap)
}
