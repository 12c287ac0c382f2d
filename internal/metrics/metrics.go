package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	providerReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmcrawler",
			Name:      "provider_requests_total",
			Help:      "Total provider requests by provider, model and result",
		},
		[]string{"provider", "model", "result"},
	)

	providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "llmcrawler",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of provider requests by provider and model",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	domainsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmcrawler",
			Name:      "domains_processed_total",
			Help:      "Domains finished by outcome (completed, failed, released)",
		},
		[]string{"outcome"},
	)

	cellsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmcrawler",
			Name:      "response_rows_total",
			Help:      "Response rows written by outcome (ok, permanent_error, duplicate)",
		},
		[]string{"outcome"},
	)

	keyEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmcrawler",
			Name:      "key_pool_events_total",
			Help:      "Key pool events by provider and action (cooldown, quarantine, exhausted)",
		},
		[]string{"provider", "action"},
	)

	breakerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmcrawler",
			Name:      "breaker_events_total",
			Help:      "Circuit breaker events by provider, model and action",
		},
		[]string{"provider", "model", "action"},
	)

	queuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "llmcrawler",
			Name:      "queue_pending_domains",
			Help:      "Domains currently in pending status",
		},
	)

	guardianRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmcrawler",
			Name:      "guardian_actions_total",
			Help:      "Guardian maintenance actions (reset_stuck, reopened, audit_alert)",
		},
		[]string{"action"},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(providerReqs, providerLatency, domainsProcessed, cellsStored, keyEvents, breakerEvents, queuePending, guardianRepairs)
}

// Handler returns the http.Handler for /metrics.
func Handler() http.Handler { return promhttp.Handler() }

func ObserveProvider(provider, model, result string, dur time.Duration) {
	providerReqs.WithLabelValues(provider, model, result).Inc()
	providerLatency.WithLabelValues(provider, model).Observe(dur.Seconds())
}

func IncDomain(outcome string)  { domainsProcessed.WithLabelValues(outcome).Inc() }
func IncRow(outcome string)     { cellsStored.WithLabelValues(outcome).Inc() }
func SetPending(n int64)        { queuePending.Set(float64(n)) }
func IncGuardian(action string) { guardianRepairs.WithLabelValues(action).Inc() }

func KeyCooldown(provider string)   { keyEvents.WithLabelValues(provider, "cooldown").Inc() }
func KeyQuarantine(provider string) { keyEvents.WithLabelValues(provider, "quarantine").Inc() }
func KeysExhausted(provider string) { keyEvents.WithLabelValues(provider, "exhausted").Inc() }

func BreakerOpened(provider, model string) {
	breakerEvents.WithLabelValues(provider, model, "opened").Inc()
}
func BreakerClosed(provider, model string) {
	breakerEvents.WithLabelValues(provider, model, "closed").Inc()
}
