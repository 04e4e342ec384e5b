package model

import (
	"time"

	"github.com/google/uuid"
)

type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// Tenant is one salon account.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Phone     string    `json:"phone"`
	PlanTier  PlanTier  `json:"plan_tier"`
	CreatedAt time.Time `json:"created_at"`
}

// ProviderCredentials holds a tenant's provider settings. Secret fields
// carry the vault's encrypted envelope when loaded from storage.
type ProviderCredentials struct {
	TenantID         uuid.UUID `json:"tenant_id"`
	TwilioAccountSID string    `json:"twilio_account_sid"`
	TwilioAuthToken  string    `json:"twilio_auth_token"`
	SMSFrom          string    `json:"sms_from"`
	SMTPHost         string    `json:"smtp_host"`
	SMTPPort         int       `json:"smtp_port"`
	SMTPUsername     string    `json:"smtp_username"`
	SMTPPassword     string    `json:"smtp_password"`
	EmailFrom        string    `json:"email_from"`
	UpdatedAt        time.Time `json:"updated_at"`
}
