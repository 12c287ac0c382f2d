package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Tier is the pacing class of a provider.
type Tier string

const (
	TierFast   Tier = "fast"
	TierMedium Tier = "medium"
	TierSlow   Tier = "slow"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom log forwarding configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// ProviderConfig describes one enabled provider family.
type ProviderConfig struct {
	Name    string
	Tier    Tier
	Models  []string
	BaseURL string
	Keys    []string
}

// TierConfig is the pacing policy for one tier.
type TierConfig struct {
	MaxInFlight int
	MinSpacing  time.Duration
}

// RateConfig holds per-tier pacing.
type RateConfig struct {
	Fast   TierConfig
	Medium TierConfig
	Slow   TierConfig
}

// RetryConfig is the per-cell retry policy.
type RetryConfig struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// WorkerConfig defines domain worker behavior and limits.
type WorkerConfig struct {
	Count          int
	BatchSize      int
	DomainDeadline time.Duration
	MaxAttempts    int
	Grace          time.Duration
	CallTimeout    time.Duration
	PollInterval   time.Duration
}

// GuardianConfig controls the maintenance loop.
type GuardianConfig struct {
	Interval       time.Duration
	StuckAfter     time.Duration
	AuditWindow    time.Duration
	AuditThreshold float64
	DisableOnAudit bool
}

// KeyPoolConfig controls credential cooldowns.
type KeyPoolConfig struct {
	Quarantine time.Duration
	Cooldown   time.Duration
}

// CoverageConfig defines the completion predicate.
type CoverageConfig struct {
	RequiredFraction float64
	Window           time.Duration
}

// StoreConfig holds database connectivity.
type StoreConfig struct {
	DatabaseURL  string
	MaxConns     int
	WriteRetries int
}

// BreakerConfig holds the Redis-backed breaker settings.
type BreakerConfig struct {
	RedisURL    string
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// ArchiveConfig controls the optional S3 raw payload mirror.
type ArchiveConfig struct {
	Enabled bool
	Bucket  string
	Prefix  string
}

// Config is the top-level immutable configuration, constructed once at
// startup and handed down explicitly.
type Config struct {
	Logging     LoggingConfig
	Axiom       AxiomConfig
	Providers   []ProviderConfig
	PromptsFile string
	Rate        RateConfig
	Retry       RetryConfig
	Worker      WorkerConfig
	Guardian    GuardianConfig
	KeyPool     KeyPoolConfig
	Coverage    CoverageConfig
	Store       StoreConfig
	Breaker     BreakerConfig
	Archive     ArchiveConfig
	HTTPPort    string
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/llmcrawler.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_llmcrawler",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Providers = providersFromEnv()
	cfg.PromptsFile = getEnv("PROMPTS_FILE", "prompts.json")

	cfg.Rate = RateConfig{
		Fast: TierConfig{
			MaxInFlight: parseInt(getEnv("RATE_FAST_MAX_INFLIGHT", "8"), 8),
			MinSpacing:  parseDuration(getEnv("RATE_FAST_MIN_SPACING", "0s"), 0),
		},
		Medium: TierConfig{
			MaxInFlight: parseInt(getEnv("RATE_MEDIUM_MAX_INFLIGHT", "4"), 4),
			MinSpacing:  parseDuration(getEnv("RATE_MEDIUM_MIN_SPACING", "1s"), time.Second),
		},
		Slow: TierConfig{
			MaxInFlight: parseInt(getEnv("RATE_SLOW_MAX_INFLIGHT", "1"), 1),
			MinSpacing:  parseDuration(getEnv("RATE_SLOW_MIN_SPACING", "6s"), 6*time.Second),
		},
	}

	cfg.Retry = RetryConfig{
		Base:        parseDuration(getEnv("RETRY_BASE", "2s"), 2*time.Second),
		Cap:         parseDuration(getEnv("RETRY_CAP", "30s"), 30*time.Second),
		MaxAttempts: parseInt(getEnv("RETRY_MAX", "4"), 4),
	}

	cfg.Worker = WorkerConfig{
		Count:          parseInt(getEnv("WORKER_COUNT", "4"), 4),
		BatchSize:      parseInt(getEnv("WORKER_BATCH_SIZE", "5"), 5),
		DomainDeadline: parseDuration(getEnv("WORKER_DOMAIN_DEADLINE", "5m"), 5*time.Minute),
		MaxAttempts:    parseInt(getEnv("WORKER_MAX_ATTEMPTS", "3"), 3),
		Grace:          parseDuration(getEnv("WORKER_GRACE", "15s"), 15*time.Second),
		CallTimeout:    parseDuration(getEnv("CALL_TIMEOUT", "60s"), 60*time.Second),
		PollInterval:   parseDuration(getEnv("WORKER_POLL_INTERVAL", "2s"), 2*time.Second),
	}

	cfg.Guardian = GuardianConfig{
		Interval:       parseDuration(getEnv("GUARDIAN_INTERVAL", "1m"), time.Minute),
		StuckAfter:     parseDuration(getEnv("GUARDIAN_STUCK_AFTER", "10m"), 10*time.Minute),
		AuditWindow:    parseDuration(getEnv("GUARDIAN_AUDIT_WINDOW", "30m"), 30*time.Minute),
		AuditThreshold: parseFloat(getEnv("GUARDIAN_AUDIT_THRESHOLD", "0.5"), 0.5),
		DisableOnAudit: parseBool(getEnv("GUARDIAN_DISABLE_ON_AUDIT", "0")),
	}

	cfg.KeyPool = KeyPoolConfig{
		Quarantine: parseDuration(getEnv("KEY_QUARANTINE", "15m"), 15*time.Minute),
		Cooldown:   parseDuration(getEnv("KEY_COOLDOWN", "1m"), time.Minute),
	}

	cfg.Coverage = CoverageConfig{
		RequiredFraction: parseFloat(getEnv("COVERAGE_REQUIRED_FRACTION", "1.0"), 1.0),
		Window:           parseDuration(getEnv("CRAWL_WINDOW", "168h"), 168*time.Hour),
	}

	cfg.Store = StoreConfig{
		DatabaseURL:  getEnv("DATABASE_URL", "postgres://localhost:5432/llmcrawler?sslmode=disable"),
		MaxConns:     parseInt(getEnv("DB_MAX_CONNS", "0"), 0),
		WriteRetries: parseInt(getEnv("STORE_WRITE_RETRIES", "2"), 2),
	}
	if cfg.Store.MaxConns <= 0 {
		// K workers + guardian + admin headroom
		cfg.Store.MaxConns = cfg.Worker.Count + 4
	}

	cfg.Breaker = BreakerConfig{
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		BaseBackoff: parseDuration(getEnv("BREAKER_BASE_BACKOFF", "30s"), 30*time.Second),
		MaxBackoff:  parseDuration(getEnv("BREAKER_MAX_BACKOFF", "5m"), 5*time.Minute),
	}

	cfg.Archive = ArchiveConfig{
		Enabled: parseBool(getEnv("ARCHIVE_ENABLED", "0")),
		Bucket:  getEnv("ARCHIVE_BUCKET", ""),
		Prefix:  getEnv("ARCHIVE_PREFIX", "responses"),
	}

	cfg.HTTPPort = getEnv("PORT", "8080")

	return cfg
}

// providersFromEnv assembles the enabled provider set from per-family env
// blocks. A family is enabled when it has at least one model configured.
func providersFromEnv() []ProviderConfig {
	var out []ProviderConfig

	families := []struct {
		name       string
		envPrefix  string
		defModels  string
		defTier    string
		defBaseURL string
	}{
		{"openai", "OPENAI", "gpt-4o-mini", "fast", "https://api.openai.com"},
		{"anthropic", "ANTHROPIC", "claude-3-5-haiku-latest", "medium", "https://api.anthropic.com"},
		{"google", "GOOGLE", "gemini-2.0-flash", "medium", "https://generativelanguage.googleapis.com"},
	}

	for _, f := range families {
		if !parseBool(getEnv(f.envPrefix+"_ENABLED", "1")) {
			continue
		}
		models := splitCSV(getEnv(f.envPrefix+"_MODELS", f.defModels))
		if len(models) == 0 {
			continue
		}
		out = append(out, ProviderConfig{
			Name:    f.name,
			Tier:    Tier(getEnv(f.envPrefix+"_TIER", f.defTier)),
			Models:  models,
			BaseURL: strings.TrimRight(getEnv(f.envPrefix+"_BASE_URL", f.defBaseURL), "/"),
			Keys:    splitCSV(getEnv(f.envPrefix+"_API_KEYS", os.Getenv(f.envPrefix+"_API_KEY"))),
		})
	}

	return out
}

// Validate fails fast on configuration that cannot run a crawl.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers enabled")
	}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if len(p.Keys) == 0 {
			return fmt.Errorf("provider %q enabled with no API keys", p.Name)
		}
		switch p.Tier {
		case TierFast, TierMedium, TierSlow:
		default:
			return fmt.Errorf("provider %q has unknown tier %q", p.Name, p.Tier)
		}
	}
	if c.Coverage.RequiredFraction < 0 || c.Coverage.RequiredFraction > 1 {
		return fmt.Errorf("coverage required fraction %v out of [0,1]", c.Coverage.RequiredFraction)
	}
	if c.Worker.Count <= 0 || c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker count and batch size must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	return nil
}

// TierFor returns the pacing policy for a tier.
func (c Config) TierFor(t Tier) TierConfig {
	switch t {
	case TierFast:
		return c.Rate.Fast
	case TierSlow:
		return c.Rate.Slow
	default:
		return c.Rate.Medium
	}
}

// ClaimTTL is how long a claim stays valid before the guardian treats the
// domain as stuck. The configured horizon is raised to cover a worst-case
// batch: every claimed domain waiting out the full domain deadline, plus the
// shutdown grace.
func (c Config) ClaimTTL() time.Duration {
	floor := time.Duration(c.Worker.BatchSize)*c.Worker.DomainDeadline + c.Worker.Grace
	if c.Guardian.StuckAfter > floor {
		return c.Guardian.StuckAfter
	}
	return floor
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
