package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router собирает маршруты API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery(h.logger), Logging(h.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Modules
		r.Get("/modules", h.ListModules)
		r.Post("/modules/sync", h.SyncModules)
		r.Post("/modules/{moduleID}/jobs", h.Enqueue)

		// Order items
		r.Post("/order-items/{itemID}/{action}", h.OrderAction)

		// Queues
		r.Get("/queues", h.ListQueues)
		r.Post("/queues/{queue}/pause", h.PauseQueue)
		r.Post("/queues/{queue}/resume", h.ResumeQueue)
		r.Get("/queues/{queue}/jobs", h.ListJobs)
		r.Get("/queues/{queue}/jobs/{jobID}/run", h.GetRun)

		// Task runs
		r.Get("/runs", h.ListRuns)

		// Proxies
		r.Post("/proxies/health-check", h.CheckProxies)
	})
	return r
}
