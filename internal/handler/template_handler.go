// internal/handler/template_handler.go
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/salonflow-messaging/internal/controller"
	"github.com/unclebandit/salonflow-messaging/internal/service"
)

// TemplateHandler serves the message template API.
type TemplateHandler struct {
	Service *service.TemplateService
}

func (h *TemplateHandler) Routes(r chi.Router) {
	r.Post("/templates", h.CreateTemplateHandler)
	r.Get("/templates", h.ListTemplatesHandler)
	r.Get("/templates/{id}", h.GetTemplateHandler)
}

func (h *TemplateHandler) CreateTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var payload service.TemplateInput
	if !controller.DecodeJSON(w, r, &payload) {
		return
	}
	tpl, err := h.Service.CreateTemplate(r.Context(), controller.TenantID(r), payload)
	if err != nil {
		controller.WriteError(w, r, err)
		return
	}
	controller.WriteJSON(w, http.StatusCreated, tpl)
}

func (h *TemplateHandler) ListTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	templates, err := h.Service.ListTemplates(r.Context(), controller.TenantID(r))
	if err != nil {
		controller.WriteError(w, r, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": templates})
}

func (h *TemplateHandler) GetTemplateHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := controller.URLUUID(w, r, "id")
	if !ok {
		return
	}
	tpl, err := h.Service.GetTemplate(r.Context(), controller.TenantID(r), id)
	if err != nil {
		controller.WriteError(w, r, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, tpl)
}
