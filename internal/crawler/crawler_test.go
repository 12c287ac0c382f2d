package crawler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/local/llmcrawler/internal/config"
	"github.com/local/llmcrawler/internal/llm"
	"github.com/local/llmcrawler/internal/store"
)

// --- fakes ---

type fakeQueue struct {
	mu        sync.Mutex
	claimable []store.Domain
	completed []uuid.UUID
	failed    []uuid.UUID
	failMsgs  []string
	released  []uuid.UUID
	lastTTL   time.Duration
}

func (q *fakeQueue) Claim(ctx context.Context, workerID string, batchSize int, claimTTL time.Duration) ([]store.Domain, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastTTL = claimTTL
	n := batchSize
	if n > len(q.claimable) {
		n = len(q.claimable)
	}
	out := q.claimable[:n]
	q.claimable = q.claimable[n:]
	return out, nil
}

func (q *fakeQueue) Release(ctx context.Context, id uuid.UUID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, id)
	return nil
}

func (q *fakeQueue) Complete(ctx context.Context, id uuid.UUID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) Fail(ctx context.Context, id uuid.UUID, workerID, lastError string, maxAttempts int, nextAttemptAt time.Time) (store.DomainStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, id)
	q.failMsgs = append(q.failMsgs, lastError)
	return store.StatusPending, nil
}

func (q *fakeQueue) PendingCount(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.claimable)), nil
}

type fakeSink struct {
	mu         sync.Mutex
	settled    map[string]string
	rows       []store.ResponseRow
	insertErrs int // fail this many inserts before succeeding
}

func (s *fakeSink) Insert(ctx context.Context, row store.ResponseRow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErrs > 0 {
		s.insertErrs--
		return false, errors.New("connection refused")
	}
	for _, r := range s.rows {
		if r.ID == row.ID {
			return false, nil
		}
	}
	s.rows = append(s.rows, row)
	return true, nil
}

func (s *fakeSink) SettledCells(ctx context.Context, domainID uuid.UUID, since time.Time) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settled))
	for k, v := range s.settled {
		out[k] = v
	}
	for _, r := range s.rows {
		if r.DomainID == domainID {
			out[store.CellKey(r.PromptID, r.Model)] = r.Outcome
		}
	}
	return out, nil
}

type fakeKeys struct {
	mu          sync.Mutex
	secrets     []string
	next        int
	blocked     map[int]bool
	cooldowns   []int
	quarantines []int
}

func (k *fakeKeys) Get(provider string) (string, int, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := 0; i < len(k.secrets); i++ {
		idx := (k.next + i) % len(k.secrets)
		if k.blocked[idx] {
			continue
		}
		k.next = (idx + 1) % len(k.secrets)
		return k.secrets[idx], idx, true
	}
	return "", 0, false
}

func (k *fakeKeys) Cooldown(provider string, index int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cooldowns = append(k.cooldowns, index)
	if k.blocked == nil {
		k.blocked = map[int]bool{}
	}
	k.blocked[index] = true
}

func (k *fakeKeys) Quarantine(provider string, index int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.quarantines = append(k.quarantines, index)
	if k.blocked == nil {
		k.blocked = map[int]bool{}
	}
	k.blocked[index] = true
}

type fakePacer struct {
	mu       sync.Mutex
	acquires int
}

func (p *fakePacer) Acquire(ctx context.Context, provider string) (func(), error) {
	p.mu.Lock()
	p.acquires++
	p.mu.Unlock()
	return func() {}, nil
}

type fakeBreaker struct {
	mu     sync.Mutex
	open   map[string]bool
	trips  int
	resets int
}

func (b *fakeBreaker) bkey(provider, model string) string { return provider + "/" + model }

func (b *fakeBreaker) IsOpen(ctx context.Context, provider, model string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open[b.bkey(provider, model)]
}

func (b *fakeBreaker) Trip(ctx context.Context, provider, model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trips++
}

func (b *fakeBreaker) Reset(ctx context.Context, provider, model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets++
}

// scriptClient answers each call from a per-call script function.
type scriptClient struct {
	name   string
	mu     sync.Mutex
	calls  []llm.Request
	script func(call int, req llm.Request) (llm.Result, error)
}

func (c *scriptClient) Name() string { return c.name }

func (c *scriptClient) Do(ctx context.Context, req llm.Request) (llm.Result, error) {
	c.mu.Lock()
	n := len(c.calls)
	c.calls = append(c.calls, req)
	c.mu.Unlock()
	return c.script(n, req)
}

func (c *scriptClient) Probe(ctx context.Context, model, key string) error { return nil }

// --- harness ---

func testConfig() config.Config {
	return config.Config{
		Providers: []config.ProviderConfig{
			{Name: "openai", Tier: config.TierFast, Models: []string{"gpt-4o-mini"}, Keys: []string{"k0", "k1"}},
		},
		Retry: config.RetryConfig{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxAttempts: 3},
		Worker: config.WorkerConfig{
			Count: 1, BatchSize: 5, DomainDeadline: 5 * time.Second,
			MaxAttempts: 3, Grace: 100 * time.Millisecond,
			CallTimeout: time.Second, PollInterval: time.Millisecond,
		},
		Coverage: config.CoverageConfig{RequiredFraction: 1.0, Window: time.Hour},
		Store:    config.StoreConfig{WriteRetries: 1},
	}
}

func testPrompts() []config.Prompt {
	return []config.Prompt{
		{ID: "brand_recall", Text: "What do you know about {domain}?"},
		{ID: "sentiment", Text: "Describe the reputation of {domain}."},
	}
}

type harness struct {
	crawler *Crawler
	queue   *fakeQueue
	sink    *fakeSink
	keys    *fakeKeys
	pacer   *fakePacer
	breaker *fakeBreaker
	client  *scriptClient
}

func newHarness(t *testing.T, cfg config.Config, script func(int, llm.Request) (llm.Result, error)) *harness {
	t.Helper()
	h := &harness{
		queue:   &fakeQueue{},
		sink:    &fakeSink{},
		keys:    &fakeKeys{secrets: []string{"k0", "k1"}},
		pacer:   &fakePacer{},
		breaker: &fakeBreaker{},
		client:  &scriptClient{name: "openai", script: script},
	}
	h.crawler = New(cfg, testPrompts(), Deps{
		Queue:   h.queue,
		Sink:    h.sink,
		Keys:    h.keys,
		Pacer:   h.pacer,
		Breaker: h.breaker,
		Clients: map[string]llm.Client{"openai": h.client},
	})
	return h
}

func domainFixture() store.Domain {
	return store.Domain{ID: uuid.New(), Host: "example.com", Status: store.StatusProcessing}
}

func okResult(body string) (llm.Result, error) {
	return llm.Result{Content: body, TokensIn: 10, TokensOut: 20, Raw: []byte(`{}`)}, nil
}

// --- scenarios ---

func TestProcessDomainAllCellsSucceed(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ int, req llm.Request) (llm.Result, error) {
		return okResult("answer for " + req.PromptID)
	})
	d := domainFixture()

	got := h.crawler.ProcessDomain(context.Background(), "w", d)

	require.Equal(t, OutcomeCompleted, got)
	require.Equal(t, []uuid.UUID{d.ID}, h.queue.completed)
	require.Len(t, h.sink.rows, 2)
	for _, row := range h.sink.rows {
		require.Equal(t, store.OutcomeOK, row.Outcome)
		require.Equal(t, d.ID, row.DomainID)
		require.NotNil(t, row.TokensIn)
	}
	require.Equal(t, 2, h.pacer.acquires)
	require.Equal(t, 2, h.breaker.resets)
}

func TestProcessDomainTransientThenSuccess(t *testing.T) {
	h := newHarness(t, testConfig(), func(call int, req llm.Request) (llm.Result, error) {
		if call == 0 {
			return llm.Result{}, &llm.CallError{Provider: "openai", Model: req.Model, Kind: llm.KindTransient, Status: 503, Message: "overloaded"}
		}
		return okResult("recovered")
	})
	d := domainFixture()

	got := h.crawler.ProcessDomain(context.Background(), "w", d)

	require.Equal(t, OutcomeCompleted, got)
	require.Len(t, h.client.calls, 3) // 1 failure + 2 successes
	require.Len(t, h.sink.rows, 2)
	require.Equal(t, 1, h.breaker.trips)
}

func TestProcessDomainPermanentErrorSettlesCell(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ int, req llm.Request) (llm.Result, error) {
		if req.PromptID == "sentiment" {
			return llm.Result{}, &llm.CallError{Provider: "openai", Model: req.Model, Kind: llm.KindPermanent, Status: 400, Message: "invalid request"}
		}
		return okResult("fine")
	})
	d := domainFixture()

	got := h.crawler.ProcessDomain(context.Background(), "w", d)

	// Full coverage required: a permanent cell cannot satisfy it.
	require.Equal(t, OutcomeFailed, got)
	require.Len(t, h.sink.rows, 2)

	var permanents int
	for _, row := range h.sink.rows {
		if row.Outcome == store.OutcomePermanentError {
			permanents++
			require.Contains(t, row.Response, "invalid request")
		}
	}
	require.Equal(t, 1, permanents)
	// No retries for permanent errors: one call per cell.
	require.Len(t, h.client.calls, 2)
}

func TestProcessDomainPartialCoverageAccepted(t *testing.T) {
	cfg := testConfig()
	cfg.Coverage.RequiredFraction = 0.5
	h := newHarness(t, cfg, func(_ int, req llm.Request) (llm.Result, error) {
		if req.PromptID == "sentiment" {
			return llm.Result{}, &llm.CallError{Provider: "openai", Model: req.Model, Kind: llm.KindPermanent, Status: 400, Message: "invalid request"}
		}
		return okResult("fine")
	})
	d := domainFixture()

	require.Equal(t, OutcomeCompleted, h.crawler.ProcessDomain(context.Background(), "w", d))
}

func TestProcessDomainQuarantinesBlamedKey(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ int, req llm.Request) (llm.Result, error) {
		if req.Key == "k0" {
			return llm.Result{}, &llm.CallError{Provider: "openai", Model: req.Model, Kind: llm.KindTransient, Status: 401, Message: "invalid key", KeyBlame: true}
		}
		return okResult("via second key")
	})
	d := domainFixture()

	got := h.crawler.ProcessDomain(context.Background(), "w", d)

	require.Equal(t, OutcomeCompleted, got)
	require.Equal(t, []int{0}, h.keys.quarantines)
	// A 401 never trips the breaker: the key is at fault, not the model.
	require.Equal(t, 0, h.breaker.trips)
	for _, row := range h.sink.rows {
		require.Equal(t, 1, row.KeyIndex)
	}
}

func TestProcessDomainCoolsDownRateLimitedKey(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ int, req llm.Request) (llm.Result, error) {
		if req.Key == "k0" {
			return llm.Result{}, &llm.CallError{Provider: "openai", Model: req.Model, Kind: llm.KindTransient, Status: 429, Message: "rate limited"}
		}
		return okResult("via second key")
	})
	d := domainFixture()

	require.Equal(t, OutcomeCompleted, h.crawler.ProcessDomain(context.Background(), "w", d))
	require.Equal(t, []int{0}, h.keys.cooldowns)
	require.Empty(t, h.keys.quarantines)
	require.Equal(t, 0, h.breaker.trips)
}

func TestProcessDomainMalformedHardensIntoPermanent(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ int, req llm.Request) (llm.Result, error) {
		return llm.Result{}, &llm.CallError{Provider: "openai", Model: req.Model, Kind: llm.KindMalformed, Message: "200 with empty content"}
	})
	d := domainFixture()

	got := h.crawler.ProcessDomain(context.Background(), "w", d)

	require.Equal(t, OutcomeFailed, got)
	// Two malformed attempts stay retryable, the third hardens. Per cell.
	require.Len(t, h.client.calls, 6)
	require.Len(t, h.sink.rows, 2)
	for _, row := range h.sink.rows {
		require.Equal(t, store.OutcomePermanentError, row.Outcome)
		require.Equal(t, 3, row.Attempt)
	}
}

func TestProcessDomainReleasesOnStorageFailure(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ int, req llm.Request) (llm.Result, error) {
		return okResult("answer")
	})
	h.sink.insertErrs = 100 // beyond the write retry budget
	d := domainFixture()

	got := h.crawler.ProcessDomain(context.Background(), "w", d)

	require.Equal(t, OutcomeReleased, got)
	require.Equal(t, []uuid.UUID{d.ID}, h.queue.released)
	require.Empty(t, h.queue.completed)
	require.Empty(t, h.queue.failed)
}

func TestProcessDomainSkipsOpenBreaker(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ int, req llm.Request) (llm.Result, error) {
		return okResult("unreachable")
	})
	h.breaker.open = map[string]bool{"openai/gpt-4o-mini": true}
	d := domainFixture()

	got := h.crawler.ProcessDomain(context.Background(), "w", d)

	require.Equal(t, OutcomeFailed, got)
	require.Empty(t, h.client.calls)
	require.Empty(t, h.sink.rows)
	require.Contains(t, h.queue.failMsgs[0], "breaker open")
}

func TestProcessDomainSkipsSettledCells(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ int, req llm.Request) (llm.Result, error) {
		return okResult("fresh")
	})
	h.sink.settled = map[string]string{
		store.CellKey("brand_recall", "gpt-4o-mini"): store.OutcomeOK,
	}
	d := domainFixture()

	got := h.crawler.ProcessDomain(context.Background(), "w", d)

	require.Equal(t, OutcomeCompleted, got)
	require.Len(t, h.client.calls, 1)
	require.Equal(t, "sentiment", h.client.calls[0].PromptID)
}

func TestProcessDomainAllKeysBlocked(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ int, req llm.Request) (llm.Result, error) {
		return okResult("unreachable")
	})
	h.keys.blocked = map[int]bool{0: true, 1: true}
	d := domainFixture()

	got := h.crawler.ProcessDomain(context.Background(), "w", d)

	// Every attempt fails before reaching the provider, so the cells settle
	// as error rows instead of burning a fresh ladder each pass.
	require.Equal(t, OutcomeFailed, got)
	require.Empty(t, h.client.calls)
	require.Len(t, h.sink.rows, 2)
	for _, row := range h.sink.rows {
		require.Equal(t, store.OutcomePermanentError, row.Outcome)
		require.Contains(t, row.Response, "all keys blocked")
	}
}

func TestProcessDomainFansOutConcurrently(t *testing.T) {
	cfg := testConfig()
	cfg.Providers[0].Models = []string{"gpt-4o-mini", "gpt-4o"}

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	h := newHarness(t, cfg, func(_ int, req llm.Request) (llm.Result, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return okResult("answer")
	})
	d := domainFixture()

	got := h.crawler.ProcessDomain(context.Background(), "w", d)

	require.Equal(t, OutcomeCompleted, got)
	require.Len(t, h.sink.rows, 4)
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, maxInFlight, 2, "cells must dispatch in parallel, not one after another")
}

func TestProcessDomainTransientExhaustionSettlesCell(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ int, req llm.Request) (llm.Result, error) {
		return llm.Result{}, &llm.CallError{Provider: "openai", Model: req.Model, Kind: llm.KindTransient, Status: 503, Message: "overloaded"}
	})
	d := domainFixture()

	got := h.crawler.ProcessDomain(context.Background(), "w", d)

	require.Equal(t, OutcomeFailed, got)
	require.Len(t, h.client.calls, 6) // full ladder per cell
	require.Len(t, h.sink.rows, 2)
	for _, row := range h.sink.rows {
		require.Equal(t, store.OutcomePermanentError, row.Outcome)
		require.Equal(t, 3, row.Attempt)
		require.Contains(t, row.Response, "overloaded")
	}

	// The cells are settled for the window: a second pass spends nothing.
	require.Equal(t, OutcomeFailed, h.crawler.ProcessDomain(context.Background(), "w", d))
	require.Len(t, h.client.calls, 6)
}

func TestProcessDomainDeadlineFailsPass(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.DomainDeadline = 20 * time.Millisecond
	h := newHarness(t, cfg, func(_ int, req llm.Request) (llm.Result, error) {
		time.Sleep(80 * time.Millisecond)
		return llm.Result{}, &llm.CallError{Provider: "openai", Model: req.Model, Kind: llm.KindTransient, Status: 503, Message: "overloaded"}
	})
	d := domainFixture()

	got := h.crawler.ProcessDomain(context.Background(), "w", d)

	require.Equal(t, OutcomeFailed, got)
	require.Empty(t, h.sink.rows)
	require.Contains(t, h.queue.failMsgs[0], "deadline")
}

func TestPromptInterpolatesDomain(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ int, req llm.Request) (llm.Result, error) {
		return okResult("answer")
	})
	d := domainFixture()

	h.crawler.ProcessDomain(context.Background(), "w", d)

	require.NotEmpty(t, h.client.calls)
	for _, call := range h.client.calls {
		require.Contains(t, call.Prompt, "example.com")
		require.NotContains(t, call.Prompt, "{domain}")
	}
}

func TestPlanOrdersFastTierFirst(t *testing.T) {
	cfg := testConfig()
	cfg.Providers = []config.ProviderConfig{
		{Name: "anthropic", Tier: config.TierSlow, Models: []string{"claude-3-5-haiku"}, Keys: []string{"a"}},
		{Name: "openai", Tier: config.TierFast, Models: []string{"gpt-4o-mini"}, Keys: []string{"b"}},
	}
	c := New(cfg, testPrompts(), Deps{})

	require.Equal(t, 4, c.PlanSize())
	require.Equal(t, "openai", c.plan[0].Provider)
	require.Equal(t, "anthropic", c.plan[len(c.plan)-1].Provider)
}

func TestSupervisorProcessBatch(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ int, req llm.Request) (llm.Result, error) {
		return okResult("answer")
	})
	h.queue.claimable = []store.Domain{domainFixture(), domainFixture(), domainFixture()}

	sup := NewSupervisor(h.crawler)
	res, err := sup.ProcessBatch(context.Background())

	require.NoError(t, err)
	require.Equal(t, 3, res.Claimed)
	require.Equal(t, 3, res.Completed)
	require.Zero(t, res.Failed)
	require.Zero(t, res.Released)
	require.Len(t, h.sink.rows, 6)
}

func TestProcessBatchClaimsWithBatchScaledTTL(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ int, req llm.Request) (llm.Result, error) {
		return okResult("answer")
	})
	h.queue.claimable = []store.Domain{domainFixture()}

	sup := NewSupervisor(h.crawler)
	_, err := sup.ProcessBatch(context.Background())

	require.NoError(t, err)
	require.Equal(t, h.crawler.cfg.ClaimTTL(), h.queue.lastTTL)
	require.GreaterOrEqual(t, h.queue.lastTTL,
		time.Duration(h.crawler.cfg.Worker.BatchSize)*h.crawler.cfg.Worker.DomainDeadline)
}

func TestFullJitterBounds(t *testing.T) {
	for n := 0; n < 6; n++ {
		d := FullJitter(n, 100*time.Millisecond, time.Second)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, time.Second)
	}
}
