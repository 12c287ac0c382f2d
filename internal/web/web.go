package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/llmcrawler/internal/crawler"
	"github.com/local/llmcrawler/internal/metrics"
)

// AdminQueue is the queue surface exposed through the admin API.
type AdminQueue interface {
	InsertDomains(ctx context.Context, hosts []string, source string) (int64, error)
	PendingCount(ctx context.Context) (int64, error)
	ResetStuck(ctx context.Context) (int64, error)
	Reopen(ctx context.Context, domainID uuid.UUID) error
}

// AdminSink is the response-store surface exposed through the admin API.
type AdminSink interface {
	DeleteCell(ctx context.Context, domainID uuid.UUID, promptID, model string, since time.Time) (int64, error)
}

// BatchRunner runs one synchronous claim-and-process pass.
type BatchRunner interface {
	ProcessBatch(ctx context.Context) (crawler.BatchResult, error)
}

// Admin is the operational HTTP surface: health, metrics and a handful of
// queue verbs. It serves JSON only; the crawl itself never depends on it.
type Admin struct {
	queue    AdminQueue
	sink     AdminSink
	batch    BatchRunner
	window   time.Duration
	username string
	password string
}

func New(queue AdminQueue, sink AdminSink, batch BatchRunner, window time.Duration) *Admin {
	return &Admin{
		queue:    queue,
		sink:     sink,
		batch:    batch,
		window:   window,
		username: os.Getenv("ADMIN_USERNAME"),
		password: os.Getenv("ADMIN_PASSWORD"),
	}
}

func (a *Admin) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/admin/domains", a.requireAuth(a.handleDomains))
	mux.HandleFunc("/admin/pending", a.requireAuth(a.handlePending))
	mux.HandleFunc("/admin/process_batch", a.requireAuth(a.handleProcessBatch))
	mux.HandleFunc("/admin/reset_stuck", a.requireAuth(a.handleResetStuck))
	mux.HandleFunc("/admin/reopen", a.requireAuth(a.handleReopen))
	mux.HandleFunc("/admin/reprocess_cell", a.requireAuth(a.handleReprocessCell))
}

// requireAuth enforces basic auth when ADMIN_USERNAME/ADMIN_PASSWORD are
// set. With no credentials configured the admin verbs are refused outright;
// only /healthz and /metrics stay open.
func (a *Admin) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.username == "" || a.password == "" {
			http.Error(w, "ADMIN_USERNAME/ADMIN_PASSWORD not set", http.StatusForbidden)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="llmcrawler"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (a *Admin) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDomains seeds hostnames into the queue.
//
//	POST /admin/domains {"domains": ["example.com"], "source": "manual"}
func (a *Admin) handleDomains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Domains []string `json:"domains"`
		Source  string   `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Domains) == 0 {
		http.Error(w, "body must carry a non-empty domains list", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = "admin"
	}

	inserted, err := a.queue.InsertDomains(r.Context(), req.Domains, req.Source)
	if err != nil {
		log.Error().Err(err).Msg("domain seeding failed")
		http.Error(w, "insert failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"inserted": inserted})
}

func (a *Admin) handlePending(w http.ResponseWriter, r *http.Request) {
	n, err := a.queue.PendingCount(r.Context())
	if err != nil {
		http.Error(w, "count failed", http.StatusInternalServerError)
		return
	}
	metrics.SetPending(n)
	writeJSON(w, http.StatusOK, map[string]int64{"pending": n})
}

func (a *Admin) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	res, err := a.batch.ProcessBatch(ctx)
	if err != nil {
		log.Error().Err(err).Msg("manual batch failed")
		http.Error(w, "batch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *Admin) handleResetStuck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n, err := a.queue.ResetStuck(r.Context())
	if err != nil {
		http.Error(w, "reset failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

// handleReopen forces one domain back to pending.
//
//	POST /admin/reopen {"domain_id": "<uuid>"}
func (a *Admin) handleReopen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DomainID string `json:"domain_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(req.DomainID)
	if err != nil {
		http.Error(w, "domain_id must be a UUID", http.StatusBadRequest)
		return
	}
	if err := a.queue.Reopen(r.Context(), id); err != nil {
		http.Error(w, "reopen failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reopened": req.DomainID})
}

// handleReprocessCell deletes a cell's rows within the window and reopens
// the domain, forcing a fresh call for that cell on the next pass.
//
//	POST /admin/reprocess_cell {"domain_id": "<uuid>", "prompt_id": "p", "model": "m"}
func (a *Admin) handleReprocessCell(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DomainID string `json:"domain_id"`
		PromptID string `json:"prompt_id"`
		Model    string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PromptID == "" || req.Model == "" {
		http.Error(w, "body must carry domain_id, prompt_id and model", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(req.DomainID)
	if err != nil {
		http.Error(w, "domain_id must be a UUID", http.StatusBadRequest)
		return
	}

	deleted, err := a.sink.DeleteCell(r.Context(), id, req.PromptID, req.Model, time.Now().Add(-a.window))
	if err != nil {
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	if err := a.queue.Reopen(r.Context(), id); err != nil {
		http.Error(w, "reopen failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted_rows": deleted, "reopened": req.DomainID})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
