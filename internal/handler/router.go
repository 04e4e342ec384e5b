package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unclebandit/salonflow-messaging/internal/controller"
)

// API groups every HTTP surface of the service.
type API struct {
	Campaigns   *controller.CampaignController
	Templates   *TemplateHandler
	Automations *AutomationHandler
	Settings    *SettingsHandler
	Webhooks    *WebhookHandler
	// Health reports readiness; nil means always healthy.
	Health func(r *http.Request) error
}

func NewRouter(api API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if api.Health != nil {
			if err := api.Health(req); err != nil {
				controller.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		controller.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", promhttp.Handler())

	if api.Webhooks != nil {
		api.Webhooks.Routes(r)
	}

	r.Group(func(r chi.Router) {
		r.Use(controller.RequireTenant)
		if api.Campaigns != nil {
			api.Campaigns.Routes(r)
		}
		if api.Templates != nil {
			api.Templates.Routes(r)
		}
		if api.Automations != nil {
			api.Automations.Routes(r)
		}
		if api.Settings != nil {
			api.Settings.Routes(r)
		}
	})
	return r
}
