// internal/model/message.go
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type MessageTemplate struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TenantID  uuid.UUID `db:"tenant_id" json:"tenant_id"`
	Name      string    `db:"name" json:"name"`
	Channel   Channel   `db:"channel" json:"channel"`
	Subject   string    `db:"subject" json:"subject,omitempty"`
	Body      string    `db:"body" json:"body"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type LogStatus string

const (
	LogPending   LogStatus = "pending"
	LogSent      LogStatus = "sent"
	LogFailed    LogStatus = "failed"
	LogDelivered LogStatus = "delivered"
	LogBounced   LogStatus = "bounced"
)

// MessageLog records one delivery attempt.
type MessageLog struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	TenantID          uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	CampaignID        *uuid.UUID `db:"campaign_id" json:"campaign_id,omitempty"`
	AutomationID      *uuid.UUID `db:"automation_id" json:"automation_id,omitempty"`
	ClientID          uuid.UUID  `db:"client_id" json:"client_id"`
	Channel           Channel    `db:"channel" json:"channel"`
	Recipient         string     `db:"recipient" json:"recipient"`
	Subject           string     `db:"subject" json:"subject,omitempty"`
	Body              string     `db:"body" json:"body"`
	Status            LogStatus  `db:"status" json:"status"`
	ProviderMessageID string     `db:"provider_message_id" json:"provider_message_id,omitempty"`
	Error             string     `db:"error" json:"error,omitempty"`
	Attempt           int        `db:"attempt" json:"attempt"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	SentAt            *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// UsageCounter is the monthly per-channel send tally of a tenant.
type UsageCounter struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Period   string    `json:"period"`
	Channel  Channel   `json:"channel"`
	Count    int       `json:"count"`
}

// UsagePeriod is the calendar-month key of a usage counter.
func UsagePeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// WorkerJob is the queue payload for one (recipient, channel) delivery.
type WorkerJob struct {
	TenantID     uuid.UUID  `json:"tenant_id"`
	CampaignID   uuid.UUID  `json:"campaign_id"`
	ClientID     uuid.UUID  `json:"client_id"`
	Channel      Channel    `json:"channel"`
	AutomationID *uuid.UUID `json:"automation_id,omitempty"`
}

func (j WorkerJob) Marshal() ([]byte, error) { return json.Marshal(j) }

func UnmarshalWorkerJob(b []byte) (WorkerJob, error) {
	var j WorkerJob
	err := json.Unmarshal(b, &j)
	return j, err
}
