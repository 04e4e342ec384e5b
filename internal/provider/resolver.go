package provider

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/unclebandit/salonflow-messaging/internal/crypto"
	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/monitoring"
)

type CredentialStore interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*model.ProviderCredentials, error)
}

// SMTPDefaults is the platform relay used when a tenant has no SMTP settings.
type SMTPDefaults struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Resolver builds a tenant's sender for a channel from its stored
// credentials, decrypting secrets through the vault.
type Resolver struct {
	Credentials       CredentialStore
	Vault             *crypto.Vault
	SMTP              SMTPDefaults
	StatusCallbackURL string
	// Fallback is used when nothing is configured for a channel. Leave nil
	// outside dev mode so misconfiguration fails the job.
	Fallback func(ch model.Channel) Sender

	newSMS   func(sid, token, from, callback string) Sender
	newEmail func(host string, port int, user, pass, from string) Sender
}

func NewResolver(creds CredentialStore, vault *crypto.Vault, smtpDefaults SMTPDefaults, statusCallbackURL string) *Resolver {
	return &Resolver{
		Credentials:       creds,
		Vault:             vault,
		SMTP:              smtpDefaults,
		StatusCallbackURL: statusCallbackURL,
	}
}

func (r *Resolver) SenderFor(ctx context.Context, tenantID uuid.UUID, ch model.Channel) (Sender, error) {
	creds, err := r.Credentials.Get(ctx, tenantID)
	if err != nil && !appErrors.IsNotFound(err) {
		return nil, fmt.Errorf("load provider credentials: %w", err)
	}
	if creds == nil {
		creds = &model.ProviderCredentials{TenantID: tenantID}
	}

	switch ch {
	case model.ChannelSMS:
		return r.smsSender(creds)
	case model.ChannelEmail:
		return r.emailSender(creds)
	}
	return nil, fmt.Errorf("no sender for channel %q", ch)
}

func (r *Resolver) smsSender(creds *model.ProviderCredentials) (Sender, error) {
	if creds.TwilioAccountSID == "" || creds.TwilioAuthToken == "" || creds.SMSFrom == "" {
		return r.fallback(model.ChannelSMS, creds.TenantID)
	}
	token, err := r.reveal(creds.TenantID, creds.TwilioAuthToken)
	if err != nil {
		return nil, err
	}
	build := r.newSMS
	if build == nil {
		build = func(sid, token, from, cb string) Sender { return NewTwilioSender(sid, token, from, cb) }
	}
	return build(creds.TwilioAccountSID, token, creds.SMSFrom, r.callbackFor(creds.TenantID)), nil
}

// callbackFor names the tenant in the callback URL; Twilio signs the URL
// with the tenant's token, so the handler needs the tenant before it can
// verify anything.
func (r *Resolver) callbackFor(tenantID uuid.UUID) string {
	if r.StatusCallbackURL == "" {
		return ""
	}
	return r.StatusCallbackURL + "?" + url.Values{"tenant_id": {tenantID.String()}}.Encode()
}

// TwilioAuthToken returns the tenant's decrypted Twilio auth token, or a
// not-found error when the tenant has no Twilio account configured.
func (r *Resolver) TwilioAuthToken(ctx context.Context, tenantID uuid.UUID) (string, error) {
	creds, err := r.Credentials.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if creds.TwilioAuthToken == "" {
		return "", appErrors.NewNotFound("twilio credentials", tenantID)
	}
	return r.reveal(tenantID, creds.TwilioAuthToken)
}

func (r *Resolver) emailSender(creds *model.ProviderCredentials) (Sender, error) {
	host, port, user, pass, from := r.SMTP.Host, r.SMTP.Port, r.SMTP.Username, r.SMTP.Password, r.SMTP.From
	if creds.SMTPHost != "" {
		host, port, user, from = creds.SMTPHost, creds.SMTPPort, creds.SMTPUsername, creds.EmailFrom
		pass = ""
		if creds.SMTPPassword != "" {
			var err error
			if pass, err = r.reveal(creds.TenantID, creds.SMTPPassword); err != nil {
				return nil, err
			}
		}
		if from == "" {
			from = r.SMTP.From
		}
	}
	if host == "" || from == "" {
		return r.fallback(model.ChannelEmail, creds.TenantID)
	}
	build := r.newEmail
	if build == nil {
		build = func(h string, p int, u, pw, f string) Sender { return NewSMTPSender(h, p, u, pw, f) }
	}
	return build(host, port, user, pass, from), nil
}

func (r *Resolver) reveal(tenantID uuid.UUID, envelope string) (string, error) {
	if r.Vault == nil {
		return "", fmt.Errorf("vault not configured")
	}
	plain, err := r.Vault.Decrypt(envelope)
	if err != nil {
		monitoring.Alert("provider secret failed to decrypt", map[string]string{"tenant_id": tenantID.String()})
		return "", fmt.Errorf("decrypt provider secret: %w", err)
	}
	return plain, nil
}

func (r *Resolver) fallback(ch model.Channel, tenantID uuid.UUID) (Sender, error) {
	if r.Fallback != nil {
		return r.Fallback(ch), nil
	}
	return nil, fmt.Errorf("%s provider not configured for tenant %s", ch, tenantID)
}
