package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	custommiddleware "github.com/bountyfunding/bountyfunding/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса bountyfunding.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(chimw.Timeout(h.timeout))

	r.Get("/version", h.Version)

	r.Group(func(r chi.Router) {
		r.Use(h.token.Middleware)

		r.Post("/issues", h.CreateIssue)

		r.Route("/issue/{ref}", func(r chi.Router) {
			r.Get("/", h.GetIssue)
			r.Delete("/", h.DeleteIssue)
			r.Put("/status", h.UpdateIssueStatus)

			r.Get("/sponsorships", h.ListSponsorships)
			r.Post("/sponsorships", h.Sponsor)

			r.Route("/sponsorship/{user}", func(r chi.Router) {
				r.Get("/", h.GetSponsorship)
				r.Delete("/", h.DeleteSponsorship)
				r.Put("/status", h.UpdateSponsorshipStatus)

				r.Get("/payment", h.GetPayment)
				r.Put("/payment", h.ConfirmPayment)
				r.Post("/payments", h.CreatePayment)
			})
		})

		r.Delete("/user/{name}", h.DeleteUser)

		r.Get("/emails", h.ListEmails)
		r.Delete("/email/{id}", h.DeleteEmail)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: http.StatusText(http.StatusNotFound), Code: "NOT_FOUND"})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: http.StatusText(http.StatusMethodNotAllowed), Code: "METHOD_NOT_ALLOWED"})
	})

	return r
}
