package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/llmcrawler/internal/metrics"
)

// Supervisor owns the worker fleet: it starts the configured number of
// workers, restarts any that panic, and drains them on shutdown.
type Supervisor struct {
	crawler *Crawler

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewSupervisor(c *Crawler) *Supervisor {
	return &Supervisor{crawler: c}
}

// Start launches the fleet. Idempotent; the second call is a no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	count := s.crawler.cfg.Worker.Count
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.runWorker(ctx, n)
		}(i)
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()

	log.Info().Int("workers", count).Msg("supervisor started")
}

// runWorker keeps one worker slot alive across panics. A panicking worker
// loses at most its current batch; expired claims bring the domains back.
func (s *Supervisor) runWorker(ctx context.Context, n int) {
	for ctx.Err() == nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Int("worker", n).
						Msg("worker panicked, restarting")
				}
			}()
			NewWorker(n, s.crawler).Run(ctx)
		}()
		if ctx.Err() == nil {
			time.Sleep(time.Second)
		}
	}
}

// Stop cancels the fleet and waits up to the configured grace for workers to
// settle their current domains. Domains still held after the grace are left
// to their claim deadlines.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		log.Info().Msg("supervisor stopped")
	case <-time.After(s.crawler.cfg.Worker.Grace):
		log.Warn().Msg("supervisor stop grace elapsed, abandoning remaining claims")
	}
}

// BatchResult summarizes one synchronous ProcessBatch run.
type BatchResult struct {
	Claimed          int   `json:"claimed"`
	Completed        int   `json:"completed"`
	Failed           int   `json:"failed"`
	Released         int   `json:"released"`
	RemainingPending int64 `json:"remaining_pending"`
}

// ProcessBatch claims and processes one batch inline, independent of the
// background fleet. The admin surface exposes it for manual drains and
// smoke checks.
func (s *Supervisor) ProcessBatch(ctx context.Context) (BatchResult, error) {
	cfg := s.crawler.cfg.Worker
	workerID := "admin-" + time.Now().UTC().Format("150405.000")

	var res BatchResult
	domains, err := s.crawler.deps.Queue.Claim(ctx, workerID, cfg.BatchSize, s.crawler.cfg.ClaimTTL())
	if err != nil {
		return res, err
	}
	res.Claimed = len(domains)

	for _, d := range domains {
		switch s.crawler.ProcessDomain(ctx, workerID, d) {
		case OutcomeCompleted:
			res.Completed++
		case OutcomeFailed:
			res.Failed++
		default:
			res.Released++
		}
	}

	if n, err := s.crawler.deps.Queue.PendingCount(ctx); err == nil {
		res.RemainingPending = n
		metrics.SetPending(n)
	}
	return res, nil
}
