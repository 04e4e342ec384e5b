// internal/model/campaign.go
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Editable reports whether the campaign fields may still be changed.
func (s CampaignStatus) Editable() bool { return s == CampaignDraft }

// Sendable reports whether a send may be requested in this status.
func (s CampaignStatus) Sendable() bool { return s == CampaignDraft || s == CampaignScheduled }

// Cancellable reports whether the campaign may move to cancelled.
func (s CampaignStatus) Cancellable() bool { return s == CampaignDraft || s == CampaignScheduled }

// Deletable reports whether the campaign row may be removed.
func (s CampaignStatus) Deletable() bool { return s != CampaignSending }

type Campaign struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	TenantID       uuid.UUID       `db:"tenant_id" json:"tenant_id"`
	Name           string          `db:"name" json:"name"`
	Channel        Channel         `db:"channel" json:"channel"`
	TemplateID     uuid.UUID       `db:"template_id" json:"template_id"`
	SegmentFilter  json.RawMessage `db:"segment_filter" json:"segment_filter"`
	Status         CampaignStatus  `db:"status" json:"status"`
	ScheduledAt    *time.Time      `db:"scheduled_at" json:"scheduled_at,omitempty"`
	RecipientCount int             `db:"recipient_count" json:"recipient_count"`
	SentCount      int             `db:"sent_count" json:"sent_count"`
	FailedCount    int             `db:"failed_count" json:"failed_count"`
	QueueHandle    string          `db:"queue_handle" json:"queue_handle,omitempty"`
	AutomationID   *uuid.UUID      `db:"automation_id" json:"automation_id,omitempty"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      *time.Time      `db:"updated_at" json:"updated_at,omitempty"`
}

// Complete reports whether every recipient has a terminal outcome.
func (c *Campaign) Complete() bool {
	return c.SentCount+c.FailedCount >= c.RecipientCount
}
