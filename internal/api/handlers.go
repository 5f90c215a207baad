// Package api exposes the relay over HTTP. Handlers translate between JSON
// and the service facade; all queue and provider semantics live below.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/email-relay/internal/pkg/httputil"
	"github.com/ignite/email-relay/internal/mail"
	"github.com/ignite/email-relay/internal/queue"
	"github.com/ignite/email-relay/internal/service"
)

// Handlers holds the HTTP handlers for the relay API.
type Handlers struct {
	svc *service.Service
}

// NewHandlers creates the handler set.
func NewHandlers(svc *service.Service) *Handlers {
	return &Handlers{svc: svc}
}

// EnqueueEmail handles POST /api/emails.
func (h *Handlers) EnqueueEmail(w http.ResponseWriter, r *http.Request) {
	var job mail.Job
	if !httputil.Decode(w, r, &job) {
		return
	}

	id, err := h.svc.Enqueue(r.Context(), &job)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.Created(w, map[string]string{"job_id": id, "status": string(mail.StatusQueued)})
}

// EnqueueBatch handles POST /api/emails/batch. Each job is admitted
// independently; the response carries a result per input position.
func (h *Handlers) EnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Jobs []*mail.Job `json:"jobs"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Jobs) == 0 {
		httputil.BadRequest(w, "batch contains no jobs")
		return
	}

	results := h.svc.EnqueueBatch(r.Context(), req.Jobs)
	accepted := 0
	for i := range results {
		if results[i].Err == nil {
			accepted++
		} else {
			results[i].Error = results[i].Err.Error()
		}
	}
	httputil.JSON(w, http.StatusMultiStatus, map[string]interface{}{
		"accepted": accepted,
		"rejected": len(results) - accepted,
		"results":  results,
	})
}

// GetEmail handles GET /api/emails/{id}.
func (h *Handlers) GetEmail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.svc.Job(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		httputil.NotFound(w, "job not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, job)
}

// RetryEmail handles POST /api/emails/{id}/retry. Only dead-lettered jobs
// may be re-admitted.
func (h *Handlers) RetryEmail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.svc.RetryJob(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotRetryable):
		httputil.Conflict(w, "job is not dead-lettered")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]string{"job_id": id, "status": string(mail.StatusQueued)})
	}
}

// CancelEmail handles DELETE /api/emails/{id}. Only scheduled jobs that have
// not become visible can be cancelled.
func (h *Handlers) CancelEmail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.svc.CancelScheduled(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotCancellable):
		httputil.Conflict(w, "job is not a pending scheduled job")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.NoContent(w)
	}
}

// GetQueueMetrics handles GET /api/queue/metrics.
func (h *Handlers) GetQueueMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.svc.QueueMetrics(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, metrics)
}

// PauseQueue handles POST /api/queue/pause. An optional ?lane= pauses one
// lane; without it the whole queue stops claiming.
func (h *Handlers) PauseQueue(w http.ResponseWriter, r *http.Request) {
	lane := mail.Priority(r.URL.Query().Get("lane"))
	var err error
	if lane == "" {
		err = h.svc.PauseAll(r.Context())
	} else {
		err = h.svc.PauseLane(r.Context(), lane)
	}
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.OK(w, map[string]string{"status": "paused"})
}

// ResumeQueue handles POST /api/queue/resume.
func (h *Handlers) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	lane := mail.Priority(r.URL.Query().Get("lane"))
	var err error
	if lane == "" {
		err = h.svc.ResumeAll(r.Context())
	} else {
		err = h.svc.ResumeLane(r.Context(), lane)
	}
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.OK(w, map[string]string{"status": "resumed"})
}

// GetDeadLetters handles GET /api/queue/dead-letters.
func (h *Handlers) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	records, err := h.svc.DeadLetters(r.Context(), limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"count": len(records), "records": records})
}

// GetHealth handles GET /api/health.
func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	report := h.svc.Health(r.Context())
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, report)
}

// GetProviders handles GET /api/providers.
func (h *Handlers) GetProviders(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.svc.Health(r.Context()).Providers)
}

// GetProvider handles GET /api/providers/{name}.
func (h *Handlers) GetProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	health, ok := h.svc.ProviderHealth(name)
	if !ok {
		httputil.NotFound(w, "unknown provider")
		return
	}
	httputil.OK(w, health)
}

// SetProviderHealth handles PUT /api/providers/{name}/health. This is the
// manual operator override for draining or restoring a provider.
func (h *Handlers) SetProviderHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Healthy bool `json:"healthy"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := h.svc.SetProviderHealth(name, req.Healthy); err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.OK(w, map[string]interface{}{"provider": name, "healthy": req.Healthy})
}

// TestProviders handles POST /api/providers/test. Probes every registered
// adapter once and reports which credentials actually work.
func (h *Handlers) TestProviders(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.svc.TestConfiguration(r.Context()))
}
