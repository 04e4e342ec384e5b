package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TriggerType string

const (
	TriggerNoVisitDays TriggerType = "no_visit_days"
	TriggerBirthday    TriggerType = "birthday"
	TriggerAfterVisit  TriggerType = "after_visit"
	TriggerVisitCount  TriggerType = "visit_count"
)

// TriggerParams carries the parameters of every trigger type; each type
// reads only its own field.
type TriggerParams struct {
	Days       int `json:"days,omitempty"`
	Count      int `json:"count,omitempty"`
	OffsetDays int `json:"offset_days,omitempty"`
}

type Automation struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	TenantID      uuid.UUID       `db:"tenant_id" json:"tenant_id"`
	Name          string          `db:"name" json:"name"`
	TriggerType   TriggerType     `db:"trigger_type" json:"trigger_type"`
	TriggerParams json.RawMessage `db:"trigger_params" json:"trigger_params"`
	Channel       Channel         `db:"channel" json:"channel"`
	TemplateID    uuid.UUID       `db:"template_id" json:"template_id"`
	Active        bool            `db:"active" json:"active"`
	LastRunAt     *time.Time      `db:"last_run_at" json:"last_run_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

func (a *Automation) Params() (TriggerParams, error) {
	var p TriggerParams
	if len(a.TriggerParams) == 0 {
		return p, nil
	}
	err := json.Unmarshal(a.TriggerParams, &p)
	return p, err
}
