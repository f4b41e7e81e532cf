package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Route("/events", func(r chi.Router) {
				r.Post("/service", h.LogService)
				r.Post("/anonymous", h.LogAnonymous)
				r.Post("/guest", h.RegisterGuest)
				r.Post("/replace-card", h.ReplaceCard)
				r.Post("/clothing", h.PurchaseClothing)
			})

			r.Route("/sync", func(r chi.Router) {
				r.Post("/", h.Sync)
				r.Post("/foreground", h.Foreground)
				r.Get("/status", h.SyncStatus)
				r.Get("/queue", h.Queue)
				r.Get("/ws", h.StatusStream)
			})

			r.Route("/guests", func(r chi.Router) {
				r.Get("/", h.SearchGuests)
				r.Get("/{id}", h.GetGuest)
				r.Post("/{id}/budget/refresh", h.RefreshBudget)
			})
		})
	})

	return r
}
