package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shaiso/bookingfleet/internal/domain"
	"github.com/shaiso/bookingfleet/internal/queue"
	"github.com/shaiso/bookingfleet/internal/repo"
)

const (
	defaultJobsLimit = 50
	maxJobsLimit     = 500
)

// ListQueues возвращает состояние всех очередей.
// GET /api/v1/queues
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.platform.ListQueues(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}
	List(w, queues, len(queues))
}

// PauseQueue ставит очередь на паузу.
// POST /api/v1/queues/{queue}/pause
func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	ok, err := h.platform.PauseQueue(r.Context(), name)
	if HandleError(w, h.logger, err) {
		return
	}
	if !ok {
		NotFound(w, "queue not found")
		return
	}
	Success(w, QueueStateResponse{Queue: domain.NormalizeQueueName(name), Paused: true})
}

// ResumeQueue снимает очередь с паузы.
// POST /api/v1/queues/{queue}/resume
func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	ok, err := h.platform.ResumeQueue(r.Context(), name)
	if HandleError(w, h.logger, err) {
		return
	}
	if !ok {
		NotFound(w, "queue not found")
		return
	}
	Success(w, QueueStateResponse{Queue: domain.NormalizeQueueName(name), Paused: false})
}

// ListJobs возвращает задачи очереди.
// GET /api/v1/queues/{queue}/jobs?status=waiting&limit=50
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := queue.StatusWaiting
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := queue.ParseStatus(s)
		if err != nil {
			BadRequest(w, err.Error())
			return
		}
		status = parsed
	}

	limit := defaultJobsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		limit = min(n, maxJobsLimit)
	}

	jobs, err := h.platform.ListJobs(r.Context(), chi.URLParam(r, "queue"), status, limit)
	if HandleError(w, h.logger, err) {
		return
	}

	result := make([]JobResponse, len(jobs))
	for i, j := range jobs {
		result[i] = JobFromQueue(j)
	}
	List(w, result, len(result))
}

// GetRun возвращает запись журнала задачи.
// GET /api/v1/queues/{queue}/jobs/{jobID}/run
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.platform.GetRun(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "jobID"))
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, run)
}

// ListRuns ищет записи журнала задач.
// GET /api/v1/runs?module=order.submit&queue=orders&state=failed&order_item_id=...&limit=50
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.TaskRunFilter{
		ModuleID:  q.Get("module"),
		QueueName: q.Get("queue"),
		Limit:     defaultJobsLimit,
	}

	if s := q.Get("state"); s != "" {
		state, err := domain.ParseJobState(s)
		if err != nil {
			BadRequest(w, err.Error())
			return
		}
		filter.State = state
	}

	if s := q.Get("order_item_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			BadRequest(w, "invalid order_item_id")
			return
		}
		filter.OrderItemID = &id
	}

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		filter.Limit = min(n, maxJobsLimit)
	}

	runs, err := h.platform.ListRuns(r.Context(), filter)
	if HandleError(w, h.logger, err) {
		return
	}
	if runs == nil {
		runs = []domain.TaskRun{}
	}
	List(w, runs, len(runs))
}

// CheckProxies запускает проверку всех прокси.
// POST /api/v1/proxies/health-check
func (h *Handler) CheckProxies(w http.ResponseWriter, r *http.Request) {
	if h.proxies == nil {
		NotFound(w, "proxy health check is not configured")
		return
	}
	report, err := h.proxies.CheckAll(r.Context())
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, report)
}
