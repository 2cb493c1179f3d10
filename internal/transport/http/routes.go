package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	// Worker routes are mounted in both modes; on the leader they answer
	// 403 after signature verification.
	r.Route("/worker", func(r chi.Router) {
		r.Post("/execute", h.ExecuteJob)
		r.Post("/cancel/{jobID}", h.CancelWorkerJob)
		r.Get("/status", h.WorkerStatus)
	})

	if h.sched != nil {
		r.Route("/api/jobs", func(r chi.Router) {
			r.Post("/", h.CreateJob)
			r.Get("/", h.ListJobs)
			r.Get("/{id}", h.GetJob)
			r.Post("/{id}/cancel", h.CancelJob)
			r.Post("/{id}/retry", h.RetryJob)
			r.Post("/{id}/progress", h.IngestProgress)
		})

		r.Get("/swagger/*", httpSwagger.Handler(
			httpSwagger.URL("/swagger/doc.json"),
		))
	}

	return r
}
