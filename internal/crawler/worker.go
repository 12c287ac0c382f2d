package crawler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Worker claims batches of domains and runs them through the crawler until
// its context is cancelled. Each worker has a stable identity so queue
// ownership checks can tell claimants apart.
type Worker struct {
	id      string
	crawler *Crawler
}

func NewWorker(n int, c *Crawler) *Worker {
	return &Worker{id: fmt.Sprintf("worker-%d", n), crawler: c}
}

func (w *Worker) ID() string { return w.id }

// Run is the claim loop. It exits only when ctx is cancelled; in-flight
// domains are released by the claim deadline if the process dies first.
func (w *Worker) Run(ctx context.Context) {
	cfg := w.crawler.cfg.Worker
	claimTTL := w.crawler.cfg.ClaimTTL()

	log.Info().Str("worker", w.id).Int("batch_size", cfg.BatchSize).Msg("worker started")
	defer log.Info().Str("worker", w.id).Msg("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		domains, err := w.crawler.deps.Queue.Claim(ctx, w.id, cfg.BatchSize, claimTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("worker", w.id).Msg("claim failed")
			if sleepCtx(ctx, cfg.PollInterval) != nil {
				return
			}
			continue
		}

		if len(domains) == 0 {
			if sleepCtx(ctx, cfg.PollInterval) != nil {
				return
			}
			continue
		}

		for _, d := range domains {
			if ctx.Err() != nil {
				// Shutdown mid-batch: hand the rest back immediately
				// instead of waiting for their claims to expire.
				w.crawler.release(d, w.id)
				continue
			}
			w.crawler.ProcessDomain(ctx, w.id, d)
		}
	}
}
