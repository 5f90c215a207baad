package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Link"},
		MaxAge:         300,
	}))

	// Liveness probe (no body, no dependencies)
	r.Get("/health", h.GetHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/emails", func(r chi.Router) {
			r.Post("/", h.EnqueueEmail)
			r.Post("/batch", h.EnqueueBatch)
			r.Get("/{id}", h.GetEmail)
			r.Post("/{id}/retry", h.RetryEmail)
			r.Delete("/{id}", h.CancelEmail)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/metrics", h.GetQueueMetrics)
			r.Post("/pause", h.PauseQueue)
			r.Post("/resume", h.ResumeQueue)
			r.Get("/dead-letters", h.GetDeadLetters)
		})

		r.Get("/health", h.GetHealth)

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", h.GetProviders)
			r.Post("/test", h.TestProviders)
			r.Get("/{name}", h.GetProvider)
			r.Put("/{name}/health", h.SetProviderHealth)
		})
	})

	return r
}
