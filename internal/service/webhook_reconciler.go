package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/twilio/twilio-go/client"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/monitoring"
	"github.com/unclebandit/salonflow-messaging/internal/repository"
)

const (
	DefaultReplayWindow = 5 * time.Minute
	DefaultReplayTTL    = 15 * time.Minute
)

// StatusCallback is the signed body of a delivery status callback.
type StatusCallback struct {
	EventID           string    `json:"event_id"`
	LogID             uuid.UUID `json:"log_id"`
	TenantID          uuid.UUID `json:"tenant_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	Status            string    `json:"status"`
}

// WebhookReconciler authenticates SMS status callbacks and applies them to
// the matching message log.
type WebhookReconciler struct {
	LogRepo    repository.MessageLogRepositoryInterface
	ReplayRepo repository.ReplayCacheInterface
	Secret     []byte
	// TwilioTokens verifies callbacks Twilio posts directly.
	TwilioTokens TwilioTokenSource
	Window       time.Duration
	ReplayTTL    time.Duration
	Now          func() time.Time
}

// Sign computes the hex HMAC-SHA256 of "timestamp.body".
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Reconcile verifies and applies one callback. It returns the log's status
// after the update.
func (r *WebhookReconciler) Reconcile(ctx context.Context, timestamp, signature string, body []byte) (model.LogStatus, error) {
	status, err := r.reconcile(ctx, timestamp, signature, body)
	monitoring.WebhookCallbacks.WithLabelValues(callbackResult(err)).Inc()
	return status, err
}

func (r *WebhookReconciler) reconcile(ctx context.Context, timestamp, signature string, body []byte) (model.LogStatus, error) {
	if err := r.verify(timestamp, signature, body); err != nil {
		return "", err
	}

	var cb StatusCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return "", appErrors.NewValidation("body", "malformed callback: %v", err)
	}
	if cb.LogID == uuid.Nil || cb.TenantID == uuid.Nil || cb.ProviderMessageID == "" {
		return "", appErrors.NewValidation("body", "log_id, tenant_id and provider_message_id are required")
	}
	resolve, err := CallbackStatus(cb.Status)
	if err != nil {
		return "", err
	}

	eventID := cb.EventID
	if eventID == "" {
		sum := sha256.Sum256(body)
		eventID = hex.EncodeToString(sum[:])
	}
	return r.apply(ctx, eventID, repository.CallbackTarget{
		LogID:             cb.LogID,
		TenantID:          cb.TenantID,
		ProviderMessageID: cb.ProviderMessageID,
		Channel:           model.ChannelSMS,
	}, resolve)
}

// apply claims eventID in the replay cache and updates the target log.
func (r *WebhookReconciler) apply(ctx context.Context, eventID string, target repository.CallbackTarget, resolve repository.StatusResolver) (model.LogStatus, error) {
	fresh, err := r.ReplayRepo.Remember(ctx, eventID, r.now().Add(r.replayTTL()))
	if err != nil {
		return "", fmt.Errorf("replay cache: %w", err)
	}
	if !fresh {
		return "", appErrors.ErrReplay
	}

	status, err := r.LogRepo.ApplyCallback(ctx, target, resolve)
	if err != nil {
		if !errors.Is(err, appErrors.ErrAmbiguousTarget) {
			// Let the provider's redelivery through once the store recovers.
			if ferr := r.ReplayRepo.Forget(ctx, eventID); ferr != nil {
				log.Error().Err(ferr).Str("event_id", eventID).Msg("Failed to release replay entry")
			}
		}
		return "", err
	}

	log.Info().Str("tenant_id", target.TenantID.String()).Str("log_id", target.LogID.String()).
		Str("status", string(status)).Msg("Delivery status applied")
	return status, nil
}

// ====================== Twilio ======================

// TwilioTokenSource returns a tenant's decrypted Twilio auth token.
type TwilioTokenSource interface {
	TwilioAuthToken(ctx context.Context, tenantID uuid.UUID) (string, error)
}

// TwilioCallback is a status callback as Twilio posts it: form fields
// signed with the tenant's auth token over the full callback URL.
type TwilioCallback struct {
	URL       string
	Body      []byte
	Signature string
	TenantID  uuid.UUID
}

// twilioStatuses folds Twilio message statuses into the ones
// CallbackStatus understands.
var twilioStatuses = map[string]string{
	"accepted":    "sent",
	"scheduled":   "sent",
	"queued":      "sent",
	"sending":     "sent",
	"sent":        "sent",
	"delivered":   "delivered",
	"read":        "delivered",
	"undelivered": "failed",
	"failed":      "failed",
	"canceled":    "failed",
}

// ReconcileTwilio verifies a Twilio status callback and applies it to the
// log carrying its MessageSid.
func (r *WebhookReconciler) ReconcileTwilio(ctx context.Context, cb TwilioCallback) (model.LogStatus, error) {
	status, err := r.reconcileTwilio(ctx, cb)
	monitoring.WebhookCallbacks.WithLabelValues(callbackResult(err)).Inc()
	return status, err
}

func (r *WebhookReconciler) reconcileTwilio(ctx context.Context, cb TwilioCallback) (model.LogStatus, error) {
	if cb.Signature == "" {
		return "", appErrors.ErrMissingSignature
	}
	if cb.TenantID == uuid.Nil || r.TwilioTokens == nil {
		return "", appErrors.ErrInvalidSignature
	}
	token, err := r.TwilioTokens.TwilioAuthToken(ctx, cb.TenantID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return "", appErrors.ErrInvalidSignature
		}
		return "", fmt.Errorf("load twilio auth token: %w", err)
	}
	validator := client.NewRequestValidator(token)
	if !validator.ValidateBody(cb.URL, cb.Body, cb.Signature) {
		return "", appErrors.ErrInvalidSignature
	}

	form, err := url.ParseQuery(string(cb.Body))
	if err != nil {
		return "", appErrors.NewValidation("body", "malformed callback: %v", err)
	}
	sid, raw := form.Get("MessageSid"), form.Get("MessageStatus")
	if sid == "" || raw == "" {
		return "", appErrors.NewValidation("body", "MessageSid and MessageStatus are required")
	}
	mapped, ok := twilioStatuses[raw]
	if !ok {
		return "", appErrors.NewValidation("MessageStatus", "unknown callback status %q", raw)
	}
	resolve, err := CallbackStatus(mapped)
	if err != nil {
		return "", err
	}

	logID, err := r.LogRepo.FindByProviderMessageID(ctx, cb.TenantID, model.ChannelSMS, sid)
	if err != nil {
		return "", err
	}
	return r.apply(ctx, "twilio:"+sid+":"+raw, repository.CallbackTarget{
		LogID:             logID,
		TenantID:          cb.TenantID,
		ProviderMessageID: sid,
		Channel:           model.ChannelSMS,
	}, resolve)
}

func (r *WebhookReconciler) verify(timestamp, signature string, body []byte) error {
	if timestamp == "" || signature == "" {
		return appErrors.ErrMissingSignature
	}
	if len(r.Secret) == 0 {
		return fmt.Errorf("webhook secret not configured")
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return appErrors.ErrInvalidSignature
	}
	expected := Sign(r.Secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return appErrors.ErrInvalidSignature
	}

	skew := r.now().Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > r.window() {
		return appErrors.ErrStaleTimestamp
	}
	return nil
}

// CallbackStatus maps a provider status to a resolver over the log's
// current status. A late "sent" never downgrades a delivered or bounced
// log, and a failure after hand-off is a bounce.
func CallbackStatus(status string) (repository.StatusResolver, error) {
	switch status {
	case "sent":
		return func(cur model.LogStatus) (model.LogStatus, error) {
			if cur == model.LogDelivered || cur == model.LogBounced {
				return cur, nil
			}
			return model.LogSent, nil
		}, nil
	case "delivered":
		return func(model.LogStatus) (model.LogStatus, error) { return model.LogDelivered, nil }, nil
	case "failed":
		return func(cur model.LogStatus) (model.LogStatus, error) {
			if cur == model.LogSent || cur == model.LogDelivered {
				return model.LogBounced, nil
			}
			return model.LogFailed, nil
		}, nil
	}
	return nil, appErrors.NewValidation("status", "unknown callback status %q", status)
}

func callbackResult(err error) string {
	var ve *appErrors.ValidationError
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, appErrors.ErrMissingSignature), errors.Is(err, appErrors.ErrInvalidSignature):
		return "unauthorized"
	case errors.Is(err, appErrors.ErrStaleTimestamp):
		return "stale"
	case errors.Is(err, appErrors.ErrReplay):
		return "replay"
	case errors.Is(err, appErrors.ErrAmbiguousTarget):
		return "ambiguous"
	case errors.As(err, &ve):
		return "invalid"
	}
	return "error"
}

func (r *WebhookReconciler) window() time.Duration {
	if r.Window <= 0 {
		return DefaultReplayWindow
	}
	return r.Window
}

func (r *WebhookReconciler) replayTTL() time.Duration {
	if r.ReplayTTL <= 0 {
		return DefaultReplayTTL
	}
	return r.ReplayTTL
}

func (r *WebhookReconciler) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}
