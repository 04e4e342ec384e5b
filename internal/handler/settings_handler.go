package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/salonflow-messaging/internal/controller"
	"github.com/unclebandit/salonflow-messaging/internal/service"
)

// SettingsHandler exposes a tenant's provider credentials. Secrets are
// only ever returned masked.
type SettingsHandler struct {
	Service *service.CredentialService
}

func (h *SettingsHandler) Routes(r chi.Router) {
	r.Get("/settings/providers", h.GetProvidersHandler)
	r.Put("/settings/providers", h.UpdateProvidersHandler)
}

func (h *SettingsHandler) GetProvidersHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.Get(r.Context(), controller.TenantID(r))
	if err != nil {
		controller.WriteError(w, r, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, view)
}

func (h *SettingsHandler) UpdateProvidersHandler(w http.ResponseWriter, r *http.Request) {
	var payload service.CredentialInput
	if !controller.DecodeJSON(w, r, &payload) {
		return
	}
	view, err := h.Service.Update(r.Context(), controller.TenantID(r), payload)
	if err != nil {
		controller.WriteError(w, r, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, view)
}
