package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
)

// TenantHeader carries the authenticated tenant, set by the API gateway.
const TenantHeader = "X-Tenant-ID"

type ctxKey int

const tenantKey ctxKey = iota

// RequireTenant rejects requests without a valid tenant header and stores
// the tenant id in the request context.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(TenantHeader))
		if err != nil || id == uuid.Nil {
			WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid " + TenantHeader})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, id)))
	})
}

// TenantID returns the tenant stored by RequireTenant.
func TenantID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(tenantKey).(uuid.UUID)
	return id
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// WriteError maps the error taxonomy onto HTTP statuses.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve   *appErrors.ValidationError
		nf   *appErrors.NotFoundError
		ise  *appErrors.InvalidStateError
		qe   *appErrors.QuotaExceededError
		plan *appErrors.FeatureNotInPlanError
	)
	body := map[string]any{"error": err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &ve):
		status = http.StatusUnprocessableEntity
		if ve.Field != "" {
			body["field"] = ve.Field
		}
	case errors.As(err, &nf):
		status = http.StatusNotFound
	case errors.As(err, &ise):
		status = http.StatusConflict
		body["status"] = ise.Status
	case errors.As(err, &qe):
		status = http.StatusForbidden
		body["channel"] = qe.Channel
		body["current"] = qe.Current
		body["requested"] = qe.Requested
		body["limit"] = qe.Limit
		body["projected"] = qe.Projected
		body["upgrade_url"] = qe.UpgradeURL
	case errors.As(err, &plan):
		status = http.StatusForbidden
		body["feature"] = plan.Feature
		body["upgrade_url"] = plan.UpgradeURL
	case errors.Is(err, appErrors.ErrMissingSignature),
		errors.Is(err, appErrors.ErrInvalidSignature),
		errors.Is(err, appErrors.ErrStaleTimestamp):
		status = http.StatusUnauthorized
	case errors.Is(err, appErrors.ErrReplay), errors.Is(err, appErrors.ErrAmbiguousTarget):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
		body["error"] = "internal error"
	}
	WriteJSON(w, status, body)
}

// DecodeJSON reads a JSON body, rejecting unknown fields.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return false
	}
	return true
}

// URLUUID parses a chi URL parameter as a uuid, writing a 400 on failure.
func URLUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}
