package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/salonflow-messaging/internal/crypto"
	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/repository"
)

// CredentialView is what callers see of a tenant's provider settings.
// Secrets never leave the service; only whether they are set.
type CredentialView struct {
	TwilioAccountSID          string `json:"twilio_account_sid"`
	TwilioAuthToken           string `json:"twilio_auth_token"`
	TwilioAuthTokenConfigured bool   `json:"twilio_auth_token_configured"`
	SMSFrom                   string `json:"sms_from"`
	SMTPHost                  string `json:"smtp_host"`
	SMTPPort                  int    `json:"smtp_port"`
	SMTPUsername              string `json:"smtp_username"`
	SMTPPassword              string `json:"smtp_password"`
	SMTPPasswordConfigured    bool   `json:"smtp_password_configured"`
	EmailFrom                 string `json:"email_from"`
}

// CredentialInput is a full replacement of the settings. Secret fields
// accept the mask sentinel to keep the stored value and "" to clear it.
type CredentialInput struct {
	TwilioAccountSID string `json:"twilio_account_sid"`
	TwilioAuthToken  string `json:"twilio_auth_token"`
	SMSFrom          string `json:"sms_from"`
	SMTPHost         string `json:"smtp_host"`
	SMTPPort         int    `json:"smtp_port"`
	SMTPUsername     string `json:"smtp_username"`
	SMTPPassword     string `json:"smtp_password"`
	EmailFrom        string `json:"email_from"`
}

type CredentialService struct {
	CredentialRepo repository.CredentialRepositoryInterface
	Vault          *crypto.Vault
}

func (s *CredentialService) Get(ctx context.Context, tenantID uuid.UUID) (*CredentialView, error) {
	stored, err := s.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return maskCredentials(stored), nil
}

func (s *CredentialService) Update(ctx context.Context, tenantID uuid.UUID, in CredentialInput) (*CredentialView, error) {
	if s.Vault == nil {
		return nil, fmt.Errorf("credential vault not configured")
	}
	if in.SMTPPort < 0 || in.SMTPPort > 65535 {
		return nil, appErrors.NewValidation("smtp_port", "out of range")
	}
	stored, err := s.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	next := &model.ProviderCredentials{
		TenantID:         tenantID,
		TwilioAccountSID: in.TwilioAccountSID,
		SMSFrom:          in.SMSFrom,
		SMTPHost:         in.SMTPHost,
		SMTPPort:         in.SMTPPort,
		SMTPUsername:     in.SMTPUsername,
		EmailFrom:        in.EmailFrom,
	}
	if next.TwilioAuthToken, err = s.Vault.Resolve(stored.TwilioAuthToken, in.TwilioAuthToken); err != nil {
		return nil, fmt.Errorf("encrypt twilio_auth_token: %w", err)
	}
	if next.SMTPPassword, err = s.Vault.Resolve(stored.SMTPPassword, in.SMTPPassword); err != nil {
		return nil, fmt.Errorf("encrypt smtp_password: %w", err)
	}

	if err := s.CredentialRepo.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("save provider credentials: %w", err)
	}
	log.Info().Str("tenant_id", tenantID.String()).Msg("Provider credentials updated")
	return maskCredentials(next), nil
}

func (s *CredentialService) load(ctx context.Context, tenantID uuid.UUID) (*model.ProviderCredentials, error) {
	stored, err := s.CredentialRepo.Get(ctx, tenantID)
	if appErrors.IsNotFound(err) {
		return &model.ProviderCredentials{TenantID: tenantID}, nil
	}
	return stored, err
}

func maskCredentials(c *model.ProviderCredentials) *CredentialView {
	v := &CredentialView{
		TwilioAccountSID: c.TwilioAccountSID,
		SMSFrom:          c.SMSFrom,
		SMTPHost:         c.SMTPHost,
		SMTPPort:         c.SMTPPort,
		SMTPUsername:     c.SMTPUsername,
		EmailFrom:        c.EmailFrom,
	}
	v.TwilioAuthToken, v.TwilioAuthTokenConfigured = crypto.Mask(c.TwilioAuthToken)
	v.SMTPPassword, v.SMTPPasswordConfigured = crypto.Mask(c.SMTPPassword)
	return v
}
