// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	ErrMissingSignature = errors.New("webhook: missing signature")
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	ErrStaleTimestamp   = errors.New("webhook: timestamp outside replay window")
	ErrReplay           = errors.New("webhook: replayed event")
	ErrAmbiguousTarget  = errors.New("webhook: callback does not match exactly one message log")

	ErrTamperedSecret = errors.New("vault: secret failed authentication")
)

// NotFoundError is returned when a tenant-scoped lookup finds nothing.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

func NewNotFound(entity string, id fmt.Stringer) error {
	return &NotFoundError{Entity: entity, ID: id.String()}
}

// ValidationError is surfaced synchronously to the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvalidStateError rejects a lifecycle action the current status forbids.
type InvalidStateError struct {
	Entity string
	ID     string
	Status string
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Action, e.Entity, e.ID, e.Status)
}

// QuotaExceededError carries the figures behind a pre-flight rejection.
type QuotaExceededError struct {
	Channel    string
	Current    int
	Requested  int
	Limit      int
	Projected  int
	UpgradeURL string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly %s quota exceeded: %d used + %d requested = %d > limit %d",
		e.Channel, e.Current, e.Requested, e.Projected, e.Limit)
}

// FeatureNotInPlanError rejects use of something the tenant's plan lacks.
type FeatureNotInPlanError struct {
	Feature    string
	Tier       string
	UpgradeURL string
}

func (e *FeatureNotInPlanError) Error() string {
	return fmt.Sprintf("%s is not available on the %s plan", e.Feature, e.Tier)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
