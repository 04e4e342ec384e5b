// Package segment turns a declarative audience filter into a tenant-scoped
// client query.
//
// A Filter is a closed, versioned set of optional predicates combined with
// logical AND. Unknown fields are rejected at decode time. An empty filter
// selects every active client of the tenant.
package segment

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
)

const FilterVersion = 1

type Filter struct {
	Version int `json:"version,omitempty"`

	LastVisitAfter         *time.Time `json:"last_visit_after,omitempty"`
	LastVisitBefore        *time.Time `json:"last_visit_before,omitempty"`
	LastVisitWithinDays    *int       `json:"last_visit_within_days,omitempty"`
	LastVisitOlderThanDays *int       `json:"last_visit_older_than_days,omitempty"`

	MinVisits *int `json:"min_visits,omitempty"`
	MaxVisits *int `json:"max_visits,omitempty"`

	MinSpent *decimal.Decimal `json:"min_spent,omitempty"`
	MaxSpent *decimal.Decimal `json:"max_spent,omitempty"`

	Tags []string `json:"tags,omitempty"`

	HasEmail   *bool `json:"has_email,omitempty"`
	HasPhone   *bool `json:"has_phone,omitempty"`
	EmailOptIn *bool `json:"email_opt_in,omitempty"`
	SMSOptIn   *bool `json:"sms_opt_in,omitempty"`

	// Origin annotates campaigns synthesized by an automation. It is not a
	// predicate and does not change the audience.
	Origin *Origin `json:"origin,omitempty"`
}

type Origin struct {
	AutomationID uuid.UUID         `json:"automation_id"`
	Trigger      model.TriggerType `json:"trigger"`
	RunAt        time.Time         `json:"run_at"`
}

// Decode parses and validates a stored or submitted filter.
func Decode(raw []byte) (Filter, error) {
	var f Filter
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return f, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return Filter{}, appErrors.NewValidation("segment_filter", "%v", err)
	}
	if dec.More() {
		return Filter{}, appErrors.NewValidation("segment_filter", "trailing data after filter object")
	}
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}
	return f, nil
}

// Encode serializes the filter with its version stamped.
func (f Filter) Encode() (json.RawMessage, error) {
	f.Version = FilterVersion
	return json.Marshal(f)
}

func (f Filter) Validate() error {
	if f.Version != 0 && f.Version != FilterVersion {
		return appErrors.NewValidation("version", "unsupported filter version %d", f.Version)
	}
	for name, v := range map[string]*int{
		"last_visit_within_days":     f.LastVisitWithinDays,
		"last_visit_older_than_days": f.LastVisitOlderThanDays,
		"min_visits":                 f.MinVisits,
		"max_visits":                 f.MaxVisits,
	} {
		if v != nil && *v < 0 {
			return appErrors.NewValidation(name, "must not be negative")
		}
	}
	if f.MinVisits != nil && f.MaxVisits != nil && *f.MinVisits > *f.MaxVisits {
		return appErrors.NewValidation("min_visits", "greater than max_visits")
	}
	if f.MinSpent != nil && f.MinSpent.IsNegative() {
		return appErrors.NewValidation("min_spent", "must not be negative")
	}
	if f.MaxSpent != nil && f.MaxSpent.IsNegative() {
		return appErrors.NewValidation("max_spent", "must not be negative")
	}
	if f.MinSpent != nil && f.MaxSpent != nil && f.MinSpent.GreaterThan(*f.MaxSpent) {
		return appErrors.NewValidation("min_spent", "greater than max_spent")
	}
	if f.LastVisitAfter != nil && f.LastVisitBefore != nil && f.LastVisitAfter.After(*f.LastVisitBefore) {
		return appErrors.NewValidation("last_visit_after", "after last_visit_before")
	}
	for _, tag := range f.Tags {
		if strings.TrimSpace(tag) == "" {
			return appErrors.NewValidation("tags", "empty tag")
		}
	}
	return nil
}

// Empty reports whether the filter has no predicates.
func (f Filter) Empty() bool {
	return f.LastVisitAfter == nil && f.LastVisitBefore == nil &&
		f.LastVisitWithinDays == nil && f.LastVisitOlderThanDays == nil &&
		f.MinVisits == nil && f.MaxVisits == nil &&
		f.MinSpent == nil && f.MaxSpent == nil &&
		len(f.Tags) == 0 &&
		f.HasEmail == nil && f.HasPhone == nil &&
		f.EmailOptIn == nil && f.SMSOptIn == nil
}

func daysAgo(now time.Time, days int) time.Time {
	return now.AddDate(0, 0, -days)
}

// Matches evaluates the filter against one client in process. It must agree
// with the SQL produced by Compile.
func (f Filter) Matches(c *model.Client, tenantID uuid.UUID, now time.Time) bool {
	if c.TenantID != tenantID || c.Deleted {
		return false
	}

	lv := c.LastVisitAt
	if f.LastVisitAfter != nil && (lv == nil || lv.Before(*f.LastVisitAfter)) {
		return false
	}
	if f.LastVisitBefore != nil && (lv == nil || lv.After(*f.LastVisitBefore)) {
		return false
	}
	if f.LastVisitWithinDays != nil && (lv == nil || lv.Before(daysAgo(now, *f.LastVisitWithinDays))) {
		return false
	}
	if f.LastVisitOlderThanDays != nil && (lv == nil || lv.After(daysAgo(now, *f.LastVisitOlderThanDays))) {
		return false
	}

	if f.MinVisits != nil && c.VisitCount < *f.MinVisits {
		return false
	}
	if f.MaxVisits != nil && c.VisitCount > *f.MaxVisits {
		return false
	}
	if f.MinSpent != nil && c.TotalSpent.LessThan(*f.MinSpent) {
		return false
	}
	if f.MaxSpent != nil && c.TotalSpent.GreaterThan(*f.MaxSpent) {
		return false
	}

	if len(f.Tags) > 0 {
		have := make(map[string]bool, len(c.Tags))
		for _, t := range c.Tags {
			have[t] = true
		}
		for _, t := range f.Tags {
			if !have[t] {
				return false
			}
		}
	}

	if f.HasEmail != nil && (c.Email != "") != *f.HasEmail {
		return false
	}
	if f.HasPhone != nil && (c.Phone != "") != *f.HasPhone {
		return false
	}
	if f.EmailOptIn != nil && c.EmailOptIn != *f.EmailOptIn {
		return false
	}
	if f.SMSOptIn != nil && c.SMSOptIn != *f.SMSOptIn {
		return false
	}
	return true
}
