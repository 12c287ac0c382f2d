package crawler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/llmcrawler/internal/config"
	"github.com/local/llmcrawler/internal/governor"
	"github.com/local/llmcrawler/internal/llm"
	"github.com/local/llmcrawler/internal/metrics"
	"github.com/local/llmcrawler/internal/store"
)

// DomainQueue is the work queue surface the crawler needs.
type DomainQueue interface {
	Claim(ctx context.Context, workerID string, batchSize int, claimTTL time.Duration) ([]store.Domain, error)
	Release(ctx context.Context, domainID uuid.UUID, workerID string) error
	Complete(ctx context.Context, domainID uuid.UUID, workerID string) error
	Fail(ctx context.Context, domainID uuid.UUID, workerID, lastError string, maxAttempts int, nextAttemptAt time.Time) (store.DomainStatus, error)
	PendingCount(ctx context.Context) (int64, error)
}

// ResponseSink receives normalized response rows.
type ResponseSink interface {
	Insert(ctx context.Context, row store.ResponseRow) (bool, error)
	SettledCells(ctx context.Context, domainID uuid.UUID, since time.Time) (map[string]string, error)
}

// KeySource rotates provider credentials.
type KeySource interface {
	Get(provider string) (secret string, index int, ok bool)
	Cooldown(provider string, index int)
	Quarantine(provider string, index int)
}

// Pacer bounds and spaces outbound calls per provider.
type Pacer interface {
	Acquire(ctx context.Context, provider string) (release func(), err error)
}

// CircuitBreaker gates dispatch per provider:model.
type CircuitBreaker interface {
	IsOpen(ctx context.Context, provider, model string) bool
	Trip(ctx context.Context, provider, model string)
	Reset(ctx context.Context, provider, model string)
}

// Archiver mirrors raw provider payloads. Optional.
type Archiver interface {
	Put(ctx context.Context, objectKey string, payload []byte) error
}

// Deps is everything a crawler shares across workers.
type Deps struct {
	Queue   DomainQueue
	Sink    ResponseSink
	Keys    KeySource
	Pacer   Pacer
	Breaker CircuitBreaker
	Clients map[string]llm.Client
	Archive Archiver
}

// Cell is one (provider, model, prompt) unit of work for a domain.
type Cell struct {
	Provider string
	Model    string
	PromptID string
	Prompt   string
}

func (c Cell) key() string { return store.CellKey(c.PromptID, c.Model) }

// Per-cell result classes.
type cellResult int

const (
	cellOK cellResult = iota
	cellPermanent
	cellUnfilled // transient failure or open breaker, retried next pass
)

// malformedGrace is how many attempts a malformed response stays retryable
// before it hardens into a permanent_error row.
const malformedGrace = 2

// errStorage marks a response write that failed after its retry budget. The
// domain is released untouched so no provider work is double-billed against
// a row that never landed.
var errStorage = errors.New("response store unavailable")

// Crawler turns one claimed domain into response rows: plan the missing
// cells, call providers under pacing and breaker gates, write rows
// idempotently, then judge coverage.
type Crawler struct {
	cfg  config.Config
	deps Deps
	plan []Cell
}

// New builds the cell plan: every enabled provider model crossed with every
// prompt, fast tiers first so slow lanes fill while fast results stream in.
func New(cfg config.Config, prompts []config.Prompt, deps Deps) *Crawler {
	providers := make([]config.ProviderConfig, len(cfg.Providers))
	copy(providers, cfg.Providers)
	sort.SliceStable(providers, func(i, j int) bool {
		return governor.TierRank(providers[i].Tier) < governor.TierRank(providers[j].Tier)
	})

	var plan []Cell
	for _, p := range providers {
		for _, model := range p.Models {
			for _, prompt := range prompts {
				plan = append(plan, Cell{
					Provider: p.Name,
					Model:    model,
					PromptID: prompt.ID,
					Prompt:   prompt.Text,
				})
			}
		}
	}
	return &Crawler{cfg: cfg, deps: deps, plan: plan}
}

// PlanSize is the total cell count per domain.
func (c *Crawler) PlanSize() int { return len(c.plan) }

// Outcome is how a domain pass ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeReleased  Outcome = "released"
)

// ProcessDomain runs one pass over a claimed domain and settles it: Complete
// when coverage is met, Fail when it is not, Release when storage failed and
// the pass proved nothing.
func (c *Crawler) ProcessDomain(ctx context.Context, workerID string, d store.Domain) Outcome {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.Worker.DomainDeadline)
	defer cancel()

	since := time.Now().Add(-c.cfg.Coverage.Window)
	settled, err := c.deps.Sink.SettledCells(dctx, d.ID, since)
	if err != nil {
		log.Error().Err(err).Str("domain", d.Host).Msg("cannot load settled cells, releasing")
		c.release(d, workerID)
		return OutcomeReleased
	}

	okCells := 0
	for _, outcome := range settled {
		if outcome == store.OutcomeOK {
			okCells++
		}
	}

	// Fan the pending cells out at once. The governor's per-provider lanes
	// bound real concurrency; dispatch order follows the tier-sorted plan so
	// slow lanes start filling while fast results stream in. A storage
	// failure cancels the group: nothing else can land rows either.
	var (
		mu      sync.Mutex
		lastErr error
	)
	grp, gctx := errgroup.WithContext(dctx)
	for _, cell := range c.plan {
		if _, done := settled[cell.key()]; done {
			continue
		}
		cell := cell
		grp.Go(func() error {
			result, cellErr := c.processCell(gctx, d, cell)
			if errors.Is(cellErr, errStorage) {
				return cellErr
			}
			mu.Lock()
			defer mu.Unlock()
			switch result {
			case cellOK:
				okCells++
			case cellPermanent:
				// Settled but not successful: the cell will not be retried
				// within the window and cannot count toward coverage.
			default:
				lastErr = cellErr
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		log.Error().Err(err).Str("domain", d.Host).Msg("response store unavailable, releasing domain")
		c.release(d, workerID)
		return OutcomeReleased
	}

	required := int(math.Ceil(float64(len(c.plan)) * c.cfg.Coverage.RequiredFraction))

	if errors.Is(dctx.Err(), context.DeadlineExceeded) && okCells < required {
		lastErr = fmt.Errorf("domain deadline reached with cells pending")
	}

	// Shutdown mid-pass with coverage unmet is not a failed attempt; the
	// domain goes straight back to pending.
	if ctx.Err() != nil && okCells < required {
		c.release(d, workerID)
		return OutcomeReleased
	}

	if okCells >= required {
		if err := c.deps.Queue.Complete(context.Background(), d.ID, workerID); err != nil {
			c.logSettleErr(err, d, "complete")
			return OutcomeReleased
		}
		metrics.IncDomain("completed")
		log.Info().Str("domain", d.Host).Int("ok_cells", okCells).
			Int("plan", len(c.plan)).Msg("domain completed")
		return OutcomeCompleted
	}

	msg := "coverage not met"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	next := time.Now().Add(domainBackoff(d.AttemptCount + 1))
	status, err := c.deps.Queue.Fail(context.Background(), d.ID, workerID, msg, c.cfg.Worker.MaxAttempts, next)
	if err != nil {
		c.logSettleErr(err, d, "fail")
		return OutcomeReleased
	}
	metrics.IncDomain("failed")
	log.Warn().Str("domain", d.Host).Int("ok_cells", okCells).Int("required", required).
		Str("status", string(status)).Msg("domain pass failed")
	return OutcomeFailed
}

func (c *Crawler) release(d store.Domain, workerID string) {
	if err := c.deps.Queue.Release(context.Background(), d.ID, workerID); err != nil {
		c.logSettleErr(err, d, "release")
		return
	}
	metrics.IncDomain("released")
}

func (c *Crawler) logSettleErr(err error, d store.Domain, op string) {
	if errors.Is(err, store.ErrClaimLost) {
		// Claim expired mid-pass and someone else took over. Row writes
		// stay deduplicated, so the overlap is harmless.
		log.Warn().Str("domain", d.Host).Str("op", op).Msg("claim lost")
		return
	}
	log.Error().Err(err).Str("domain", d.Host).Str("op", op).Msg("queue transition failed")
}

// processCell drives one cell through the retry ladder.
func (c *Crawler) processCell(ctx context.Context, d store.Domain, cell Cell) (cellResult, error) {
	if c.deps.Breaker.IsOpen(ctx, cell.Provider, cell.Model) {
		log.Debug().Str("domain", d.Host).Str("provider", cell.Provider).
			Str("model", cell.Model).Msg("breaker open, cell skipped")
		return cellUnfilled, fmt.Errorf("breaker open for %s/%s", cell.Provider, cell.Model)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.Retry.Base
	bo.MaxInterval = c.cfg.Retry.Cap
	bo.MaxElapsedTime = 0

	var lastErr error
	var lastLatency, lastKeyIndex int
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
				return cellUnfilled, lastErr
			}
		}

		res, latency, keyIndex, err := c.callOnce(ctx, d, cell)
		if err == nil {
			if werr := c.writeRow(ctx, d, cell, store.OutcomeOK, res.Content, &res, latency, keyIndex, attempt); werr != nil {
				return cellUnfilled, werr
			}
			c.archiveRaw(d, cell, res.Raw)
			return cellOK, nil
		}
		lastErr, lastLatency, lastKeyIndex = err, latency, keyIndex

		kind := llm.KindOf(err)
		if kind == llm.KindMalformed && attempt > malformedGrace {
			kind = llm.KindPermanent
		}
		if kind == llm.KindPermanent {
			body := "error: " + err.Error()
			if werr := c.writeRow(ctx, d, cell, store.OutcomePermanentError, body, nil, latency, keyIndex, attempt); werr != nil {
				return cellUnfilled, werr
			}
			return cellPermanent, nil
		}
		if ctx.Err() != nil {
			// Cancellation is not a judged attempt; the cell stays open for
			// the next pass.
			return cellUnfilled, lastErr
		}
	}

	// The full transient ladder is spent. Settle the cell with an error row
	// so the next pass does not grant it a fresh ladder inside the window.
	body := fmt.Sprintf("error: transient attempts exhausted: %v", lastErr)
	if werr := c.writeRow(ctx, d, cell, store.OutcomePermanentError, body, nil, lastLatency, lastKeyIndex, c.cfg.Retry.MaxAttempts); werr != nil {
		return cellUnfilled, werr
	}
	return cellPermanent, nil
}

// callOnce performs exactly one paced provider call and applies the key and
// breaker side effects of its outcome.
func (c *Crawler) callOnce(ctx context.Context, d store.Domain, cell Cell) (llm.Result, int, int, error) {
	client := c.deps.Clients[cell.Provider]
	if client == nil {
		return llm.Result{}, 0, 0, fmt.Errorf("no client for provider %q", cell.Provider)
	}

	secret, keyIndex, ok := c.deps.Keys.Get(cell.Provider)
	if !ok {
		metrics.ObserveProvider(cell.Provider, cell.Model, "no_key", 0)
		return llm.Result{}, 0, 0, fmt.Errorf("all keys blocked for provider %q", cell.Provider)
	}

	release, err := c.deps.Pacer.Acquire(ctx, cell.Provider)
	if err != nil {
		return llm.Result{}, 0, keyIndex, err
	}
	defer release()

	cctx, cancel := context.WithTimeout(ctx, c.cfg.Worker.CallTimeout)
	defer cancel()

	start := time.Now()
	res, err := client.Do(cctx, llm.Request{
		Domain:   d.Host,
		PromptID: cell.PromptID,
		Prompt:   strings.ReplaceAll(cell.Prompt, "{domain}", d.Host),
		Model:    cell.Model,
		Key:      secret,
		KeyIndex: keyIndex,
	})
	dur := time.Since(start)

	if err == nil {
		metrics.ObserveProvider(cell.Provider, cell.Model, "success", dur)
		c.deps.Breaker.Reset(cctx, cell.Provider, cell.Model)
		log.Debug().Str("domain", d.Host).Str("provider", cell.Provider).Str("model", cell.Model).
			Str("prompt_id", cell.PromptID).Dur("duration", dur).Int("key_index", keyIndex).
			Int("tokens_in", res.TokensIn).Int("tokens_out", res.TokensOut).Msg("provider call success")
		return res, int(dur.Milliseconds()), keyIndex, nil
	}

	kind := llm.KindOf(err)
	metrics.ObserveProvider(cell.Provider, cell.Model, kind.String(), dur)

	switch {
	case llm.KeyBlamed(err):
		c.deps.Keys.Quarantine(cell.Provider, keyIndex)
	case llm.RateLimited(err):
		c.deps.Keys.Cooldown(cell.Provider, keyIndex)
	}
	if kind == llm.KindTransient && !llm.KeyBlamed(err) && !llm.RateLimited(err) {
		c.deps.Breaker.Trip(context.Background(), cell.Provider, cell.Model)
		metrics.BreakerOpened(cell.Provider, cell.Model)
	}

	log.Warn().Err(err).Str("domain", d.Host).Str("provider", cell.Provider).Str("model", cell.Model).
		Str("prompt_id", cell.PromptID).Dur("duration", dur).Int("key_index", keyIndex).
		Str("kind", kind.String()).Msg("provider call failed")
	return llm.Result{}, int(dur.Milliseconds()), keyIndex, err
}

// writeRow persists one row with a small retry budget for blips. The row id
// is derived from the cell and the current minute, so a racing duplicate
// collapses server-side.
func (c *Crawler) writeRow(ctx context.Context, d store.Domain, cell Cell, outcome, body string, res *llm.Result, latencyMS, keyIndex, attempt int) error {
	row := store.ResponseRow{
		ID:        store.RowID(d.ID, cell.PromptID, cell.Model, time.Now()),
		DomainID:  d.ID,
		Model:     cell.Model,
		PromptID:  cell.PromptID,
		Response:  body,
		LatencyMS: latencyMS,
		KeyIndex:  keyIndex,
		Attempt:   attempt,
		Outcome:   outcome,
	}
	if res != nil {
		in, out := res.TokensIn, res.TokensOut
		row.TokensIn, row.TokensOut = &in, &out
	}

	var lastErr error
	for i := 0; i <= c.cfg.Store.WriteRetries; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, time.Duration(i)*200*time.Millisecond); err != nil {
				return fmt.Errorf("%w: %v", errStorage, lastErr)
			}
		}
		inserted, err := c.deps.Sink.Insert(ctx, row)
		if err == nil {
			if inserted {
				metrics.IncRow(outcome)
			} else {
				metrics.IncRow("duplicate")
			}
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", errStorage, lastErr)
}

// archiveRaw mirrors the raw payload when an archive is configured. Best
// effort: a failed mirror never fails the cell.
func (c *Crawler) archiveRaw(d store.Domain, cell Cell, raw []byte) {
	if c.deps.Archive == nil || len(raw) == 0 {
		return
	}
	key := fmt.Sprintf("%s/%s/%s/%s.json", d.Host, cell.Provider, cell.Model, cell.PromptID)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.deps.Archive.Put(ctx, key, raw); err != nil {
		log.Warn().Err(err).Str("object_key", key).Msg("raw payload archive failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
