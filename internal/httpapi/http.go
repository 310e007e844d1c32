package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"murmurscreen/internal/backfill"
	"murmurscreen/internal/config"
	"murmurscreen/internal/jobs"
	"murmurscreen/internal/metrics"
	"murmurscreen/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// BackfillFunc runs one backfill pass over at most limit recordings.
type BackfillFunc func(ctx context.Context, limit int) (backfill.Summary, error)

// Router serves the agent's /ops endpoints.
type Router struct {
	cfg      config.Config
	store    *store.Store
	runner   *jobs.Runner
	metrics  *metrics.Metrics
	backfill BackfillFunc
	log      *zap.Logger
}

func NewRouter(cfg config.Config, st *store.Store, runner *jobs.Runner, m *metrics.Metrics, bf BackfillFunc, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Router{cfg: cfg, store: st, runner: runner, metrics: m, backfill: bf, log: log.Named("http")}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ops/health", r.health)
	mux.HandleFunc("GET /ops/status", r.status)
	mux.HandleFunc("GET /ops/jobs", r.listJobs)
	mux.HandleFunc("POST /ops/jobs/enqueue", r.enqueue)
	mux.HandleFunc("GET /ops/jobs/{id}", r.jobDetail)
	mux.HandleFunc("GET /ops/jobs/{id}/logs", r.jobLogs)
	mux.HandleFunc("POST /ops/jobs/{id}/retry", r.retry)
	mux.HandleFunc("GET /ops/submissions", r.submissions)
	mux.HandleFunc("GET /ops/results/{request_id}", r.result)
	mux.HandleFunc("POST /ops/backfill", r.runBackfill)
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !r.runner.Healthy() {
		http.Error(w, "job runner not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	subs, err := r.store.ListSubmissions(ctx, 10)
	if err != nil {
		r.fail(w, err)
		return
	}
	recent, err := r.store.ListJobs(ctx, 10)
	if err != nil {
		r.fail(w, err)
		return
	}
	r.respondJSON(w, http.StatusOK, map[string]any{
		"api_url":     r.cfg.APIURL,
		"inbox":       r.cfg.InboxDir,
		"submissions": subs,
		"jobs":        recent,
		"queue":       r.runner.Stats(),
		"metrics":     r.metrics.Snapshot(),
	})
}

func (r *Router) listJobs(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListJobs(req.Context(), listLimit(req))
	if err != nil {
		r.fail(w, err)
		return
	}
	r.respondJSON(w, http.StatusOK, list)
}

func (r *Router) enqueue(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Subject string         `json:"subject"`
		Stage   string         `json:"stage"`
		Params  map[string]any `json:"params"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Subject == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}
	stage, err := jobs.ParseStage(body.Stage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job, err := r.runner.Enqueue(req.Context(), body.Subject, stage, body.Params)
	if errors.Is(err, jobs.ErrQueueFull) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		r.fail(w, err)
		return
	}
	r.respondJSON(w, http.StatusAccepted, job)
}

func (r *Router) jobDetail(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	job, err := r.store.GetJob(req.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, req)
		return
	}
	if err != nil {
		r.fail(w, err)
		return
	}
	r.respondJSON(w, http.StatusOK, job)
}

// jobLogs prefers the in-memory tail and falls back to persisted lines after a restart.
func (r *Router) jobLogs(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	lines := r.runner.Logs(id)
	if len(lines) == 0 {
		var err error
		if lines, err = r.store.JobLogs(req.Context(), id); err != nil {
			r.fail(w, err)
			return
		}
	}
	if lines == nil {
		lines = []string{}
	}
	r.respondJSON(w, http.StatusOK, lines)
}

func (r *Router) retry(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	job, err := r.runner.Retry(req.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.NotFound(w, req)
	case errors.Is(err, jobs.ErrNotRetried):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, jobs.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		r.fail(w, err)
	default:
		r.respondJSON(w, http.StatusAccepted, job)
	}
}

func (r *Router) submissions(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListSubmissions(req.Context(), listLimit(req))
	if err != nil {
		r.fail(w, err)
		return
	}
	r.respondJSON(w, http.StatusOK, list)
}

func (r *Router) result(w http.ResponseWriter, req *http.Request) {
	res, err := r.store.GetResult(req.Context(), req.PathValue("request_id"))
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, req)
		return
	}
	if err != nil {
		r.fail(w, err)
		return
	}
	r.respondJSON(w, http.StatusOK, res)
}

func (r *Router) runBackfill(w http.ResponseWriter, req *http.Request) {
	if r.backfill == nil {
		http.Error(w, "backfill not configured", http.StatusNotImplemented)
		return
	}
	limit := config.MaxBackfillLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, config.MaxBackfillLimit)
	}
	summary, err := r.backfill(req.Context(), limit)
	if err != nil {
		r.fail(w, err)
		return
	}
	r.respondJSON(w, http.StatusOK, summary)
}

func pathID(w http.ResponseWriter, req *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func listLimit(req *http.Request) int {
	n, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func (r *Router) fail(w http.ResponseWriter, err error) {
	r.log.Error("request failed", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (r *Router) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.log.Warn("write json", zap.Error(err))
	}
}
