package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	require.Equal(t, 4, cfg.Worker.Count)
	require.Equal(t, 5*time.Minute, cfg.Worker.DomainDeadline)
	require.Equal(t, 1.0, cfg.Coverage.RequiredFraction)
	require.Equal(t, 168*time.Hour, cfg.Coverage.Window)
	require.Equal(t, time.Second, cfg.Rate.Medium.MinSpacing)
	require.NotEmpty(t, cfg.Providers)
}

func TestValidateRejectsKeylessProvider(t *testing.T) {
	cfg := FromEnv()
	cfg.Providers = []ProviderConfig{{Name: "openai", Tier: TierFast, Models: []string{"gpt-4o-mini"}}}

	err := cfg.Validate()
	require.ErrorContains(t, err, "no API keys")
}

func TestValidateRejectsBadFraction(t *testing.T) {
	cfg := FromEnv()
	cfg.Providers = []ProviderConfig{{Name: "openai", Tier: TierFast, Models: []string{"m"}, Keys: []string{"k"}}}
	cfg.Coverage.RequiredFraction = 1.5

	err := cfg.Validate()
	require.ErrorContains(t, err, "out of [0,1]")
}

func TestValidateRejectsUnknownTier(t *testing.T) {
	cfg := FromEnv()
	cfg.Providers = []ProviderConfig{{Name: "openai", Tier: "warp", Models: []string{"m"}, Keys: []string{"k"}}}

	err := cfg.Validate()
	require.ErrorContains(t, err, "unknown tier")
}

func TestClaimTTLCoversWholeBatch(t *testing.T) {
	cfg := FromEnv()
	cfg.Worker.BatchSize = 5
	cfg.Worker.DomainDeadline = 5 * time.Minute
	cfg.Worker.Grace = 15 * time.Second
	cfg.Guardian.StuckAfter = 10 * time.Minute

	// The stuck horizon is below the batch worst case; the floor wins so a
	// claim cannot expire while earlier domains in the batch are still
	// being processed.
	require.Equal(t, 5*5*time.Minute+15*time.Second, cfg.ClaimTTL())

	cfg.Guardian.StuckAfter = time.Hour
	require.Equal(t, time.Hour, cfg.ClaimTTL())
}

func TestLoadPrompts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.json")
	body := `[
		{"prompt_id": "brand_recall", "text": "What do you know about {domain}?", "version": 2},
		{"prompt_id": "trust", "text": "Would you recommend {domain}?", "version": 1}
	]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	prompts, err := LoadPrompts(path)
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	require.Equal(t, "brand_recall", prompts[0].ID)
	require.Equal(t, 2, prompts[0].Version)
}

func TestLoadPromptsRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.json")
	body := `[
		{"prompt_id": "p1", "text": "a", "version": 1},
		{"prompt_id": "p1", "text": "b", "version": 1}
	]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := LoadPrompts(path)
	require.ErrorContains(t, err, "duplicate prompt_id")
}
