package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the router: public endpoints (health, provider
// webhook ingest, unsubscribe) plus the tenant-scoped /api tree.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://app.beaconmail.io", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	// Provider events arrive signed; no tenant identity on this path.
	r.Post("/events/{provider}", h.IngestProviderEvents)

	// Unsubscribe links are public by nature; the token is the credential.
	r.Get("/unsubscribe/{token}", h.UnsubscribeInfo)
	r.Post("/unsubscribe/{token}", h.Unsubscribe)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireTenant)

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/", h.CreateCampaign)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCampaign)
				r.Put("/", h.UpdateCampaign)
				r.Delete("/", h.DeleteCampaign)

				r.With(h.limitAction("send")).Post("/send", h.SendCampaign)
				r.Post("/schedule", h.ScheduleCampaign)
				r.Post("/unschedule", h.UnscheduleCampaign)
				r.Post("/pause", h.PauseCampaign)
				r.Post("/resume", h.ResumeCampaign)
				r.Post("/cancel", h.CancelCampaign)

				r.Get("/stats", h.CampaignStats)
				r.Get("/failures", h.CampaignFailures)
			})
		})

		r.Route("/contacts", func(r chi.Router) {
			r.Get("/", h.ListContacts)
			r.With(h.limitAction("import")).Post("/", h.CreateContact)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetContact)
				r.Put("/", h.UpdateContact)
				r.Delete("/", h.DeleteContact)
				r.Post("/unsubscribe", h.UnsubscribeContact)
			})
		})

		r.Route("/lists", func(r chi.Router) {
			r.Get("/", h.ListLists)
			r.Post("/", h.CreateList)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetList)
				r.Delete("/", h.DeleteList)
				r.Post("/contacts/{contactID}", h.AddContactToList)
				r.Delete("/contacts/{contactID}", h.RemoveContactFromList)
			})
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", h.ListWebhooks)
			r.Post("/", h.CreateWebhook)
			r.Delete("/{id}", h.DeleteWebhook)
			r.Get("/{id}/deliveries", h.WebhookDeliveries)
		})
	})

	return r
}
