package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/salonflow-messaging/internal/controller"
	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/service"
)

const (
	SignatureHeader       = "X-Signature"
	TimestampHeader       = "X-Timestamp"
	TwilioSignatureHeader = "X-Twilio-Signature"

	maxCallbackBytes = 64 << 10
)

// WebhookHandler receives SMS delivery status callbacks. It sits outside
// the tenant middleware; the signed body names the tenant.
type WebhookHandler struct {
	Reconciler *service.WebhookReconciler
	// PublicBaseURL is the externally visible origin Twilio signs against.
	// Empty means the request's own scheme and host.
	PublicBaseURL string
}

func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/webhooks/sms/status", h.StatusCallbackHandler)
	r.Get("/webhooks/sms/status", h.RejectGet)
	r.Post("/webhooks/twilio/status", h.TwilioStatusHandler)
}

func (h *WebhookHandler) StatusCallbackHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes+1))
	if err != nil {
		controller.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	if len(body) > maxCallbackBytes {
		controller.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}

	status, err := h.Reconciler.Reconcile(r.Context(), r.Header.Get(TimestampHeader), r.Header.Get(SignatureHeader), body)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Status callback rejected")
		controller.WriteError(w, r, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// TwilioStatusHandler receives Twilio's own form-encoded status callbacks.
// The tenant comes from the callback URL the sender registered.
func (h *WebhookHandler) TwilioStatusHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes+1))
	if err != nil {
		controller.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	if len(body) > maxCallbackBytes {
		controller.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}
	tenantID, _ := uuid.Parse(r.URL.Query().Get("tenant_id"))

	status, err := h.Reconciler.ReconcileTwilio(r.Context(), service.TwilioCallback{
		URL:       h.signedURL(r),
		Body:      body,
		Signature: r.Header.Get(TwilioSignatureHeader),
		TenantID:  tenantID,
	})
	if errors.Is(err, appErrors.ErrReplay) {
		// Twilio treats anything but 2xx as a failed delivery.
		controller.WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Twilio status callback rejected")
		controller.WriteError(w, r, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (h *WebhookHandler) signedURL(r *http.Request) string {
	if h.PublicBaseURL != "" {
		return strings.TrimRight(h.PublicBaseURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// RejectGet refuses query-string callbacks so secrets never land in URL logs.
func (h *WebhookHandler) RejectGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", http.MethodPost)
	controller.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "use POST with a signed body"})
}
