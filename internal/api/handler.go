package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"SendLane/internal/csvparser"
	"SendLane/internal/db"
	"SendLane/internal/email"
	"SendLane/internal/models"
	"SendLane/internal/processor"
	"SendLane/internal/queue"
	"SendLane/internal/ratelimit"
)

// JobHistory looks up jobs that have left the in-memory queue.
type JobHistory interface {
	Get(ctx context.Context, jobID string) (db.Entry, error)
}

type Handler struct {
	Store     *queue.Store
	Processor *processor.Processor
	Limiter   *ratelimit.Limiter
	// History is optional.
	History JobHistory

	DefaultFrom    string
	MaxUploadBytes int64
	Log            *zap.Logger
}

func (h *Handler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Post("/send", h.SendEmail)
	r.Post("/send/bulk", h.SendBulk)

	r.Route("/queues", func(r chi.Router) {
		r.Get("/", h.ListQueues)
		r.Post("/pause", h.PauseAll)
		r.Post("/resume", h.ResumeAll)
		r.Get("/{name}", h.GetQueue)
		r.Post("/{name}/pause", h.PauseQueue)
		r.Post("/{name}/resume", h.ResumeQueue)
	})

	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", h.GetJob)
		r.Delete("/", h.DeleteJob)
		r.Post("/retry", h.RetryJob)
	})

	r.Get("/failed", h.FailedJobs)
	r.Get("/stats", h.Stats)
	r.Get("/health", h.Health)
	r.Get("/tracking/{domain}/{account}", h.Tracking)

	return r
}

// ----------------------------
// Enqueue
// ----------------------------

func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var in models.NewEmailJob
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if in.From == "" {
		in.From = h.DefaultFrom
	}

	job := models.CreateEmailJob(in)
	if err := job.Validate(); err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
			return
		}
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Store.AddEmail(job)
	if errors.Is(err, queue.ErrDuplicateJob) {
		h.respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}

	h.log().Info("email queued",
		zap.String("job_id", res.ID),
		zap.String("queue", res.Queue),
		zap.String("to", email.RedactAddress(job.To)),
	)
	h.respondJSON(w, http.StatusAccepted, res)
}

type bulkResponse struct {
	Queued  int      `json:"queued"`
	Skipped int      `json:"skipped"`
	IDs     []string `json:"ids"`
}

func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	limit := h.MaxUploadBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	tmpl := csvparser.Template{
		From:      r.FormValue("from"),
		Subject:   r.FormValue("subject"),
		HTML:      r.FormValue("html"),
		Text:      r.FormValue("text"),
		AccountID: r.FormValue("account_id"),
	}
	if tmpl.From == "" {
		tmpl.From = h.DefaultFrom
	}
	if v := r.FormValue("account_age_days"); v != "" {
		age, err := strconv.Atoi(v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "account_age_days must be an integer")
			return
		}
		tmpl.AccountAgeInDays = &age
	}

	batch, err := csvparser.Parse(file, tmpl, 0)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := bulkResponse{Skipped: batch.Skipped, IDs: make([]string, 0, len(batch.Jobs))}
	for _, job := range batch.Jobs {
		res, err := h.Store.AddEmail(job)
		if err != nil {
			resp.Skipped++
			continue
		}
		resp.IDs = append(resp.IDs, res.ID)
	}
	resp.Queued = len(resp.IDs)

	h.log().Info("bulk upload queued",
		zap.Int("queued", resp.Queued),
		zap.Int("skipped", resp.Skipped),
	)
	h.respondJSON(w, http.StatusAccepted, resp)
}

// ----------------------------
// Queue admin
// ----------------------------

type queueSummary struct {
	Name   string      `json:"name"`
	Paused bool        `json:"paused"`
	Stats  queue.Stats `json:"stats"`
}

func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	out := make([]queueSummary, 0, len(queue.Names()))
	for _, name := range queue.Names() {
		out = append(out, queueSummary{
			Name:   name,
			Paused: h.Store.IsPaused(name),
			Stats:  h.Store.Stats(name),
		})
	}
	h.respondJSON(w, http.StatusOK, out)
}

func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.Store.Queue(chi.URLParam(r, "name"))
	if !ok {
		h.respondError(w, http.StatusNotFound, queue.ErrUnknownQueue.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, snap)
}

func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, chi.URLParam(r, "name"), true)
}

func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, chi.URLParam(r, "name"), false)
}

func (h *Handler) setPaused(w http.ResponseWriter, name string, paused bool) {
	var ok bool
	if paused {
		ok = h.Store.Pause(name)
	} else {
		ok = h.Store.Resume(name)
	}
	if !ok {
		h.respondError(w, http.StatusNotFound, queue.ErrUnknownQueue.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"queue": name, "paused": paused})
}

func (h *Handler) PauseAll(w http.ResponseWriter, r *http.Request) {
	h.Store.PauseAll()
	h.respondJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handler) ResumeAll(w http.ResponseWriter, r *http.Request) {
	h.Store.ResumeAll()
	h.respondJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// ----------------------------
// Jobs
// ----------------------------

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if rec, ok := h.Store.Job(id); ok {
		h.respondJSON(w, http.StatusOK, rec)
		return
	}

	if h.History != nil {
		entry, err := h.History.Get(r.Context(), id)
		switch {
		case err == nil:
			h.respondJSON(w, http.StatusOK, entry)
			return
		case !errors.Is(err, db.ErrNotFound):
			h.internalError(w, err)
			return
		}
	}
	h.respondError(w, http.StatusNotFound, "job not found")
}

func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if !h.Processor.RemoveJob(chi.URLParam(r, "id")) {
		h.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.Processor.RequeueJob(id) {
		h.respondError(w, http.StatusNotFound, "job is not in the dead-letter queue")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"id": id, "requeued": true})
}

func (h *Handler) FailedJobs(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.Store.FailedJobs())
}

// ----------------------------
// Status
// ----------------------------

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"processor": h.Processor.Stats(),
		"queues":    h.Processor.QueueStats(),
	})
}

type healthResponse struct {
	Status     string                 `json:"status"`
	Running    bool                   `json:"running"`
	Provider   email.HealthResult     `json:"provider"`
	Validation email.ValidationResult `json:"validation"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:     "ok",
		Running:    h.Processor.IsRunning(),
		Provider:   h.Processor.CheckProviderHealth(ctx),
		Validation: h.Processor.ValidateProvider(ctx),
	}
	status := http.StatusOK
	if !resp.Provider.Healthy || !resp.Validation.Valid {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	h.respondJSON(w, status, resp)
}

type trackingResponse struct {
	ratelimit.RateTracking
	Tier ratelimit.Tier `json:"tier"`
}

func (h *Handler) Tracking(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	account := chi.URLParam(r, "account")

	t, ok := h.Limiter.Tracking(domain, account)
	if !ok {
		h.respondError(w, http.StatusNotFound, "no tracking for sender")
		return
	}

	resp := trackingResponse{RateTracking: t}
	if v := r.URL.Query().Get("age"); v != "" {
		if age, err := strconv.Atoi(v); err == nil {
			resp.Tier = h.Limiter.Schedule().TierFor(age)
		}
	}
	h.respondJSON(w, http.StatusOK, resp)
}
