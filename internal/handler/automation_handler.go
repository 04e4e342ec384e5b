package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/salonflow-messaging/internal/controller"
	"github.com/unclebandit/salonflow-messaging/internal/service"
)

type AutomationHandler struct {
	Service *service.AutomationService
}

func (h *AutomationHandler) Routes(r chi.Router) {
	r.Post("/automations", h.CreateAutomationHandler)
	r.Get("/automations", h.ListAutomationsHandler)
	r.Post("/automations/{id}/activate", h.setActive(true))
	r.Post("/automations/{id}/deactivate", h.setActive(false))
}

func (h *AutomationHandler) CreateAutomationHandler(w http.ResponseWriter, r *http.Request) {
	var payload service.AutomationInput
	if !controller.DecodeJSON(w, r, &payload) {
		return
	}
	a, err := h.Service.CreateAutomation(r.Context(), controller.TenantID(r), payload)
	if err != nil {
		controller.WriteError(w, r, err)
		return
	}
	controller.WriteJSON(w, http.StatusCreated, a)
}

func (h *AutomationHandler) ListAutomationsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.ListAutomations(r.Context(), controller.TenantID(r))
	if err != nil {
		controller.WriteError(w, r, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": list})
}

func (h *AutomationHandler) setActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := controller.URLUUID(w, r, "id")
		if !ok {
			return
		}
		a, err := h.Service.SetActive(r.Context(), controller.TenantID(r), id, active)
		if err != nil {
			controller.WriteError(w, r, err)
			return
		}
		controller.WriteJSON(w, http.StatusOK, a)
	}
}
