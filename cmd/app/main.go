package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/local/llmcrawler/internal/archive"
	"github.com/local/llmcrawler/internal/breaker"
	"github.com/local/llmcrawler/internal/config"
	"github.com/local/llmcrawler/internal/crawler"
	"github.com/local/llmcrawler/internal/governor"
	"github.com/local/llmcrawler/internal/keypool"
	"github.com/local/llmcrawler/internal/llm"
	logpkg "github.com/local/llmcrawler/internal/logger"
	"github.com/local/llmcrawler/internal/metrics"
	"github.com/local/llmcrawler/internal/store"
	"github.com/local/llmcrawler/internal/web"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	if err := logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	}); err != nil {
		log.Fatal().Err(err).Msg("logger init failed")
	}
	defer logpkg.Close()

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	metrics.Init()

	prompts, err := config.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.PromptsFile).Msg("load prompts failed")
	}

	ctx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := store.Open(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
	cancelBoot()
	if err != nil {
		log.Fatal().Err(err).Msg("database init failed")
	}
	defer pool.Close()

	queue := store.NewQueue(pool)
	responses := store.NewResponses(pool)

	brk, err := breaker.New(cfg.Breaker.RedisURL, cfg.Breaker.BaseBackoff, cfg.Breaker.MaxBackoff)
	if err != nil {
		log.Fatal().Err(err).Msg("breaker init failed")
	}
	defer brk.Close()

	keys := keypool.New(keypool.Options{
		Quarantine: cfg.KeyPool.Quarantine,
		Cooldown:   cfg.KeyPool.Cooldown,
	})
	pacer := governor.New()
	clients := make(map[string]llm.Client, len(cfg.Providers))
	for _, p := range cfg.Providers {
		client, err := llm.NewClient(p.Name, p.BaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("provider init failed")
		}
		clients[p.Name] = client
		keys.Register(p.Name, p.Keys)
		pacer.Register(p.Name, p.Tier, cfg.TierFor(p.Tier))
		log.Info().Str("provider", p.Name).Str("tier", string(p.Tier)).
			Strs("models", p.Models).Int("keys", len(p.Keys)).Msg("provider enabled")
	}

	probeModels(clients, cfg.Providers)

	var arch crawler.Archiver
	if cfg.Archive.Enabled {
		a, err := archive.New(context.Background(), cfg.Archive.Bucket, cfg.Archive.Prefix)
		if err != nil {
			log.Fatal().Err(err).Msg("archive init failed")
		}
		arch = a
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("raw payload archive enabled")
	}

	crawl := crawler.New(cfg, prompts, crawler.Deps{
		Queue:   queue,
		Sink:    responses,
		Keys:    keys,
		Pacer:   pacer,
		Breaker: brk,
		Clients: clients,
		Archive: arch,
	})
	log.Info().Int("cells_per_domain", crawl.PlanSize()).Int("prompts", len(prompts)).Msg("cell plan built")

	supervisor := crawler.NewSupervisor(crawl)
	supervisor.Start()
	defer supervisor.Stop()

	guardianCtx, stopGuardian := context.WithCancel(context.Background())
	defer stopGuardian()
	go crawler.NewGuardian(crawl, queue, responses, brk).Run(guardianCtx)

	mux := http.NewServeMux()
	web.New(queue, responses, supervisor, cfg.Coverage.Window).RegisterRoutes(mux)
	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: mux}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.Grace+5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// probeModels fires one minimal request per model at startup so a renamed or
// retired model surfaces immediately instead of as a wall of permanent
// errors mid-crawl. Failures log loudly but do not block startup.
func probeModels(clients map[string]llm.Client, providers []config.ProviderConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, p := range providers {
		client := clients[p.Name]
		if client == nil || len(p.Keys) == 0 {
			continue
		}
		for _, model := range p.Models {
			if err := client.Probe(ctx, model, p.Keys[0]); err != nil {
				log.Error().Err(err).Str("provider", p.Name).Str("model", model).
					Msg("model probe failed, crawl will likely record errors for it")
			} else {
				log.Debug().Str("provider", p.Name).Str("model", model).Msg("model probe ok")
			}
		}
	}
}
