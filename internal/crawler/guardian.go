package crawler

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/llmcrawler/internal/metrics"
	"github.com/local/llmcrawler/internal/store"
)

// GuardianQueue is the queue surface the guardian needs beyond DomainQueue.
type GuardianQueue interface {
	ResetStuck(ctx context.Context) (int64, error)
	CompletedSince(ctx context.Context, since time.Time) ([]store.Domain, error)
	Reopen(ctx context.Context, domainID uuid.UUID) error
	PendingCount(ctx context.Context) (int64, error)
}

// GuardianSink reads coverage and quality aggregates.
type GuardianSink interface {
	SettledCells(ctx context.Context, domainID uuid.UUID, since time.Time) (map[string]string, error)
	ErrorRates(ctx context.Context, since time.Time) ([]store.ModelErrorRate, error)
}

// BreakerControl force-opens a provider:model. Optional.
type BreakerControl interface {
	Disable(ctx context.Context, provider, model string, d time.Duration)
}

// auditMinSample is the smallest per-model row count the quality audit will
// judge; below it a couple of permanent errors would dominate the rate.
const auditMinSample = 20

// Guardian is the single maintenance loop: it frees stuck claims, reopens
// completed domains whose coverage no longer holds, and audits per-model
// error rates. Exactly one guardian runs per deployment.
type Guardian struct {
	crawler *Crawler
	queue   GuardianQueue
	sink    GuardianSink
	breaker BreakerControl

	modelProvider map[string]string
}

func NewGuardian(c *Crawler, queue GuardianQueue, sink GuardianSink, breaker BreakerControl) *Guardian {
	mp := make(map[string]string)
	for _, p := range c.cfg.Providers {
		for _, m := range p.Models {
			mp[m] = p.Name
		}
	}
	return &Guardian{crawler: c, queue: queue, sink: sink, breaker: breaker, modelProvider: mp}
}

// Run ticks until ctx is cancelled. Each tick is independent; a failed pass
// logs and waits for the next tick.
func (g *Guardian) Run(ctx context.Context) {
	interval := g.crawler.cfg.Guardian.Interval
	log.Info().Dur("interval", interval).Msg("guardian started")
	defer log.Info().Msg("guardian stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass. Exported so the admin surface can trigger
// it on demand.
func (g *Guardian) Tick(ctx context.Context) {
	g.resetStuck(ctx)
	g.repairCoverage(ctx)
	g.auditQuality(ctx)

	if n, err := g.queue.PendingCount(ctx); err == nil {
		metrics.SetPending(n)
	}
}

func (g *Guardian) resetStuck(ctx context.Context) {
	n, err := g.queue.ResetStuck(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reset stuck domains failed")
		return
	}
	if n > 0 {
		metrics.IncGuardian("reset_stuck")
		log.Warn().Int64("domains", n).Msg("stuck claims reset to pending")
	}
}

// repairCoverage re-checks recently completed domains against the current
// plan. A domain completed under an older, smaller plan (or whose window
// rolled past its rows) drops below coverage and is reopened.
func (g *Guardian) repairCoverage(ctx context.Context) {
	cfg := g.crawler.cfg
	windowStart := time.Now().Add(-cfg.Coverage.Window)

	completed, err := g.queue.CompletedSince(ctx, windowStart)
	if err != nil {
		log.Error().Err(err).Msg("list completed domains failed")
		return
	}

	required := int(math.Ceil(float64(g.crawler.PlanSize()) * cfg.Coverage.RequiredFraction))
	for _, d := range completed {
		settled, err := g.sink.SettledCells(ctx, d.ID, windowStart)
		if err != nil {
			log.Error().Err(err).Str("domain", d.Host).Msg("load settled cells failed")
			continue
		}
		// A completed domain must have every plan cell settled (ok or
		// permanent) and enough ok cells for coverage; anything less means
		// it was marked complete too eagerly or the plan has grown.
		ok, unsettled := 0, 0
		for _, cell := range g.crawler.plan {
			outcome, has := settled[cell.key()]
			switch {
			case !has:
				unsettled++
			case outcome == store.OutcomeOK:
				ok++
			}
		}
		if ok >= required && unsettled == 0 {
			continue
		}
		if err := g.queue.Reopen(ctx, d.ID); err != nil {
			log.Error().Err(err).Str("domain", d.Host).Msg("reopen failed")
			continue
		}
		metrics.IncGuardian("reopened")
		log.Warn().Str("domain", d.Host).Int("ok_cells", ok).Int("unsettled_cells", unsettled).
			Int("required", required).Msg("completed domain below coverage, reopened")
	}
}

// auditQuality flags models whose recent permanent-error rate crossed the
// threshold. Alert-only by default; with DisableOnAudit the model is also
// force-opened on the breaker for one audit window.
func (g *Guardian) auditQuality(ctx context.Context) {
	cfg := g.crawler.cfg.Guardian
	rates, err := g.sink.ErrorRates(ctx, time.Now().Add(-cfg.AuditWindow))
	if err != nil {
		log.Error().Err(err).Msg("error rate audit query failed")
		return
	}

	for _, r := range rates {
		if r.Total < auditMinSample {
			continue
		}
		rate := float64(r.Permanent) / float64(r.Total)
		if rate < cfg.AuditThreshold {
			continue
		}
		metrics.IncGuardian("audit_alert")
		log.Error().Str("model", r.Model).Int64("rows", r.Total).
			Float64("permanent_rate", rate).Float64("threshold", cfg.AuditThreshold).
			Msg("model permanent-error rate over threshold")

		if cfg.DisableOnAudit && g.breaker != nil {
			if provider, known := g.modelProvider[r.Model]; known {
				g.breaker.Disable(ctx, provider, r.Model, cfg.AuditWindow)
			}
		}
	}
}
