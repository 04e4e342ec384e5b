package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
)

// CredentialRepository persists provider settings. Secret columns hold
// vault envelopes; this type never sees plaintext.
type CredentialRepository struct {
	DB *pgxpool.Pool
}

func (r *CredentialRepository) Get(ctx context.Context, tenantID uuid.UUID) (*model.ProviderCredentials, error) {
	var c model.ProviderCredentials
	err := r.DB.QueryRow(ctx, `
        SELECT tenant_id, twilio_account_sid, twilio_auth_token, sms_from,
               smtp_host, smtp_port, smtp_username, smtp_password, email_from, updated_at
        FROM provider_credentials WHERE tenant_id=$1`, tenantID).
		Scan(&c.TenantID, &c.TwilioAccountSID, &c.TwilioAuthToken, &c.SMSFrom,
			&c.SMTPHost, &c.SMTPPort, &c.SMTPUsername, &c.SMTPPassword, &c.EmailFrom, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appErrors.NewNotFound("provider credentials", tenantID)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CredentialRepository) Save(ctx context.Context, c *model.ProviderCredentials) error {
	c.UpdatedAt = time.Now()
	_, err := r.DB.Exec(ctx, `
        INSERT INTO provider_credentials (tenant_id, twilio_account_sid, twilio_auth_token, sms_from,
            smtp_host, smtp_port, smtp_username, smtp_password, email_from, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (tenant_id) DO UPDATE SET
            twilio_account_sid = EXCLUDED.twilio_account_sid,
            twilio_auth_token  = EXCLUDED.twilio_auth_token,
            sms_from           = EXCLUDED.sms_from,
            smtp_host          = EXCLUDED.smtp_host,
            smtp_port          = EXCLUDED.smtp_port,
            smtp_username      = EXCLUDED.smtp_username,
            smtp_password      = EXCLUDED.smtp_password,
            email_from         = EXCLUDED.email_from,
            updated_at         = EXCLUDED.updated_at`,
		c.TenantID, c.TwilioAccountSID, c.TwilioAuthToken, c.SMSFrom,
		c.SMTPHost, c.SMTPPort, c.SMTPUsername, c.SMTPPassword, c.EmailFrom, c.UpdatedAt)
	return err
}

var _ CredentialRepositoryInterface = (*CredentialRepository)(nil)
