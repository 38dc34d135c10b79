// Package api is the HTTP control surface of the prefetch service
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/clip-prefetch/pkg/logging"
	"github.com/psantana5/clip-prefetch/pkg/metrics"
	"github.com/psantana5/clip-prefetch/pkg/models"
	"github.com/psantana5/clip-prefetch/pkg/prefetch"
	"github.com/psantana5/clip-prefetch/pkg/store"
)

// PrefetchRequest is the body of POST /prefetch
type PrefetchRequest struct {
	Owner      string       `json:"owner"`
	Clip       *models.Clip `json:"clip"`
	SceneStart int          `json:"scene_start"`
	SceneEnd   int          `json:"scene_end"`
	Frame      int          `json:"frame"`
	RenderSize string       `json:"render_size,omitempty"`
	Undistort  bool         `json:"undistorted,omitempty"`
	// Fallback reads the original footage where a proxy file is missing
	Fallback bool `json:"fallback_render,omitempty"`
}

// PrefetchResponse reports what POST /prefetch did
type PrefetchResponse struct {
	Started bool              `json:"started"`
	Job     *models.JobRecord `json:"job"`
}

// Handler serves the control API
type Handler struct {
	scheduler *prefetch.Scheduler
	metrics   *metrics.Collector
	cache     metrics.CacheStats
	logger    *logging.Logger
	startTime time.Time
}

// NewHandler creates a handler. m and cache may be nil.
func NewHandler(s *prefetch.Scheduler, m *metrics.Collector, cache metrics.CacheStats, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		scheduler: s,
		metrics:   m,
		cache:     cache,
		logger:    logger.WithField("component", "api"),
		startTime: time.Now(),
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/prefetch", h.StartPrefetch).Methods("POST")
	r.HandleFunc("/cancel", h.CancelAll).Methods("POST")

	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")

	r.HandleFunc("/sessions/{owner}", h.CloseSession).Methods("DELETE")

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	}
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// RouteName labels requests by their route template
func RouteName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// StartPrefetch handles POST /prefetch
func (h *Handler) StartPrefetch(w http.ResponseWriter, r *http.Request) {
	var req PrefetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Clip != nil {
		if err := req.Clip.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	size, err := models.ParseRenderSize(req.RenderSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var flag models.RenderFlag
	if req.Undistort {
		flag |= models.RenderUndistorted
	}
	if req.Fallback {
		flag |= models.RenderFallback
	}

	job, started := h.scheduler.Start(r.Context(), prefetch.Request{
		Owner:      req.Owner,
		Clip:       req.Clip,
		SceneStart: req.SceneStart,
		SceneEnd:   req.SceneEnd,
		Frame:      req.Frame,
		Size:       size,
		Flag:       flag,
	})

	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, PrefetchResponse{Started: started, Job: job.Record()})
}

// ListJobs handles GET /jobs?owner=&clip=&status=&limit=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{
		Owner:  q.Get("owner"),
		ClipID: q.Get("clip"),
		Status: models.JobStatus(q.Get("status")),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	jobs, err := h.scheduler.History(filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
		return
	}

	// live records carry fresher progress than the stored snapshot
	for i, rec := range jobs {
		if job, err := h.scheduler.Job(rec.ID); err == nil {
			jobs[i] = job.Record()
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob handles GET /jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := h.scheduler.Record(id)
	if errors.Is(err, prefetch.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CancelJob handles POST /jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.scheduler.Cancel(id); err != nil {
		if errors.Is(err, prefetch.ErrJobNotFound) {
			http.Error(w, "Job not found or already finished", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Info("Job cancel requested", map[string]interface{}{"job_id": id})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "id": id})
}

// CancelAll handles POST /cancel, the user break observed by every job
func (h *Handler) CancelAll(w http.ResponseWriter, r *http.Request) {
	h.scheduler.CancelAll()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "cancelling",
		"jobs":   len(h.scheduler.Active()),
	})
}

// CloseSession handles DELETE /sessions/{owner}
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	stopped := h.scheduler.CloseSession(owner)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner":   owner,
		"stopped": stopped,
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"jobs_running":   len(h.scheduler.Active()),
	}
	if h.cache != nil {
		resp["cache_frames"] = h.cache.Len()
		resp["cache_bytes"] = h.cache.Bytes()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
