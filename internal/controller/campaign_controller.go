// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/unclebandit/salonflow-messaging/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
}

// Routes mounts the campaign API. The caller applies RequireTenant.
func (c *CampaignController) Routes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", c.CreateCampaign)
		r.Get("/", c.ListCampaigns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", c.GetCampaignDetails)
			r.Put("/", c.UpdateCampaign)
			r.Delete("/", c.DeleteCampaign)
			r.Post("/send", c.SendCampaign)
			r.Post("/cancel", c.CancelCampaign)
			r.Get("/audience", c.CampaignAudience)
			r.Post("/personalized-preview", c.PersonalizedPreview)
		})
	})
	r.Post("/segments/preview", c.PreviewSegment)
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := URLUUID(w, r, "id")
	if !ok {
		return
	}

	var body struct {
		ClientID         uuid.UUID `json:"client_id"`
		OverrideTemplate *string   `json:"override_template"`
	}
	if !DecodeJSON(w, r, &body) {
		return
	}

	preview, err := c.CampaignService.RenderPreview(r.Context(), TenantID(r), campaignID, body.ClientID, body.OverrideTemplate)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"messages":      preview.Messages,
		"used_template": body.OverrideTemplate,
		"client_id":     preview.ClientID,
	})
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CampaignInput
	if !DecodeJSON(w, r, &body) {
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), TenantID(r), body)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := URLUUID(w, r, "id")
	if !ok {
		return
	}
	var body service.CampaignInput
	if !DecodeJSON(w, r, &body) {
		return
	}

	campaign, err := c.CampaignService.UpdateCampaign(r.Context(), TenantID(r), id, body)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters; the service applies defaults and bounds.
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	channel := r.URL.Query().Get("channel")
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), TenantID(r), page, pageSize, channel, status)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := URLUUID(w, r, "id")
	if !ok {
		return
	}

	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), TenantID(r), id)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, details)
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := URLUUID(w, r, "id")
	if !ok {
		return
	}
	if err := c.CampaignService.DeleteCampaign(r.Context(), TenantID(r), id); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := URLUUID(w, r, "id")
	if !ok {
		return
	}

	result, err := c.CampaignService.SendCampaign(r.Context(), TenantID(r), id)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, result)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := URLUUID(w, r, "id")
	if !ok {
		return
	}
	if err := c.CampaignService.CancelCampaign(r.Context(), TenantID(r), id); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"campaign_id": id.String(), "status": "cancelled"})
}

func (c *CampaignController) CampaignAudience(w http.ResponseWriter, r *http.Request) {
	id, ok := URLUUID(w, r, "id")
	if !ok {
		return
	}
	preview, err := c.CampaignService.PreviewCampaignAudience(r.Context(), TenantID(r), id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, preview)
}

// PreviewSegment counts and samples the audience of an unsaved filter.
func (c *CampaignController) PreviewSegment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SegmentFilter json.RawMessage `json:"segment_filter"`
	}
	if !DecodeJSON(w, r, &body) {
		return
	}
	preview, err := c.CampaignService.PreviewAudience(r.Context(), TenantID(r), body.SegmentFilter)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, preview)
}
