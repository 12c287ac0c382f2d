package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const keyTTL = 30 * time.Minute

// Breaker keeps per provider:model cooldown state in Redis so that every
// crawler process converges on the same view of a struggling provider.
type Breaker struct {
	redis       *redis.Client
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// New connects to Redis and returns a Breaker.
func New(redisURL string, baseBackoff, maxBackoff time.Duration) (*Breaker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(c, baseBackoff, maxBackoff), nil
}

// NewWithClient wraps an existing client (tests use miniredis here).
func NewWithClient(c *redis.Client, baseBackoff, maxBackoff time.Duration) *Breaker {
	if baseBackoff <= 0 {
		baseBackoff = 30 * time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	return &Breaker{redis: c, baseBackoff: baseBackoff, maxBackoff: maxBackoff}
}

func (b *Breaker) key(provider, model string) string {
	return fmt.Sprintf("cb:%s:%s", provider, model)
}

// Trip opens the breaker for a provider:model, doubling the cooldown on each
// consecutive trip up to the cap.
func (b *Breaker) Trip(ctx context.Context, provider, model string) {
	key := b.key(provider, model)

	failuresStr, _ := b.redis.HGet(ctx, key, "failures").Result()
	failures, _ := strconv.Atoi(failuresStr)
	failures++

	backoff := b.baseBackoff
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff > b.maxBackoff {
			backoff = b.maxBackoff
			break
		}
	}

	retryAt := time.Now().Add(backoff).Unix()
	b.redis.HSet(ctx, key, map[string]interface{}{
		"state":    "open",
		"retry_at": retryAt,
		"failures": failures,
	})
	b.redis.Expire(ctx, key, keyTTL)

	log.Warn().
		Str("provider", provider).
		Str("model", model).
		Dur("cooldown", backoff).
		Int("failures", failures).
		Msg("breaker opened")
}

// Disable force-opens the breaker for a fixed duration regardless of the
// failure count. The Guardian uses this after a quality audit.
func (b *Breaker) Disable(ctx context.Context, provider, model string, d time.Duration) {
	key := b.key(provider, model)
	b.redis.HSet(ctx, key, map[string]interface{}{
		"state":    "open",
		"retry_at": time.Now().Add(d).Unix(),
	})
	b.redis.Expire(ctx, key, d+keyTTL)
	log.Warn().Str("provider", provider).Str("model", model).Dur("for", d).Msg("breaker disabled by audit")
}

// IsOpen reports whether dispatch to provider:model should be skipped. When
// the cooldown has lapsed the breaker moves to half-open and lets one probe
// request through.
func (b *Breaker) IsOpen(ctx context.Context, provider, model string) bool {
	key := b.key(provider, model)

	state, err := b.redis.HGet(ctx, key, "state").Result()
	if err != nil || state != "open" {
		return false
	}

	retryAtStr, _ := b.redis.HGet(ctx, key, "retry_at").Result()
	retryAt, _ := strconv.ParseInt(retryAtStr, 10, 64)
	if time.Now().Unix() >= retryAt {
		b.redis.HSet(ctx, key, "state", "half_open")
		log.Info().Str("provider", provider).Str("model", model).Msg("breaker half-open")
		return false
	}
	return true
}

// Reset clears the breaker after a successful call.
func (b *Breaker) Reset(ctx context.Context, provider, model string) {
	key := b.key(provider, model)
	state, _ := b.redis.HGet(ctx, key, "state").Result()
	if state == "" {
		return
	}
	b.redis.Del(ctx, key)
	log.Info().Str("provider", provider).Str("model", model).Msg("breaker closed")
}

// Close releases the Redis client.
func (b *Breaker) Close() error { return b.redis.Close() }
