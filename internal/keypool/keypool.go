package keypool

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/llmcrawler/internal/metrics"
)

// Pool is the process-wide rotating credential set. Handouts are O(1) and
// the secret itself never reaches a log line — only its index does.
type Pool struct {
	mu         sync.Mutex
	providers  map[string]*ring
	quarantine time.Duration
	cooldown   time.Duration
	now        func() time.Time
}

type ring struct {
	keys []*key
	next int
}

type key struct {
	secret       string
	blockedUntil time.Time
}

// Options configures block durations.
type Options struct {
	Quarantine time.Duration // 401/403: the key itself is bad
	Cooldown   time.Duration // 429: provider pushed back on this key
}

func New(opts Options) *Pool {
	if opts.Quarantine <= 0 {
		opts.Quarantine = 15 * time.Minute
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	return &Pool{
		providers:  make(map[string]*ring),
		quarantine: opts.Quarantine,
		cooldown:   opts.Cooldown,
		now:        time.Now,
	}
}

// Register installs the ordered credential list for a provider. Called once
// at startup; re-registering replaces the set.
func (p *Pool) Register(provider string, secrets []string) {
	r := &ring{}
	for _, s := range secrets {
		r.keys = append(r.keys, &key{secret: s})
	}
	p.mu.Lock()
	p.providers[provider] = r
	p.mu.Unlock()
}

// Get hands out the next active key round-robin. ok is false when every key
// of the provider is blocked; callers treat that as a transient provider
// failure for the affected cells.
func (p *Pool) Get(provider string) (secret string, index int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.providers[provider]
	if r == nil || len(r.keys) == 0 {
		return "", 0, false
	}
	now := p.now()
	for i := 0; i < len(r.keys); i++ {
		idx := (r.next + i) % len(r.keys)
		k := r.keys[idx]
		if now.Before(k.blockedUntil) {
			continue
		}
		r.next = (idx + 1) % len(r.keys)
		return k.secret, idx, true
	}
	metrics.KeysExhausted(provider)
	return "", 0, false
}

// Quarantine blocks a key after a 401/403. The credential is presumed
// revoked or over budget; it sits out much longer than a cooldown.
func (p *Pool) Quarantine(provider string, index int) {
	p.block(provider, index, p.quarantine)
	metrics.KeyQuarantine(provider)
	log.Warn().Str("provider", provider).Int("key_index", index).
		Dur("for", p.quarantine).Msg("key quarantined")
}

// Cooldown blocks a key briefly after a 429.
func (p *Pool) Cooldown(provider string, index int) {
	p.block(provider, index, p.cooldown)
	metrics.KeyCooldown(provider)
	log.Debug().Str("provider", provider).Int("key_index", index).
		Dur("for", p.cooldown).Msg("key cooling down")
}

func (p *Pool) block(provider string, index int, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.providers[provider]
	if r == nil || index < 0 || index >= len(r.keys) {
		return
	}
	until := p.now().Add(d)
	if until.After(r.keys[index].blockedUntil) {
		r.keys[index].blockedUntil = until
	}
}

// ActiveCount reports how many keys are currently usable for a provider.
func (p *Pool) ActiveCount(provider string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.providers[provider]
	if r == nil {
		return 0
	}
	now := p.now()
	n := 0
	for _, k := range r.keys {
		if !now.Before(k.blockedUntil) {
			n++
		}
	}
	return n
}
