// Package repository holds the tenant-scoped persistence contracts and their
// Postgres implementations. Every lookup takes the tenant id; counters are
// changed only through server-side increments.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/segment"
)

type TenantRepositoryInterface interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error)
}

type ClientRepositoryInterface interface {
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*model.Client, error)
	Count(ctx context.Context, a segment.Audience) (int, error)
	// Find returns matching clients ordered by creation. limit <= 0 means all.
	Find(ctx context.Context, a segment.Audience, limit int) ([]*model.Client, error)
}

type TemplateRepositoryInterface interface {
	Create(ctx context.Context, t *model.MessageTemplate) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*model.MessageTemplate, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]*model.MessageTemplate, error)
}

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, tenantID uuid.UUID, offset, limit int, channel, status string) ([]*model.Campaign, int, error)
	// UpdateDraft rewrites the editable fields if the campaign is still a draft.
	UpdateDraft(ctx context.Context, c *model.Campaign) (bool, error)
	// Delete removes the campaign unless it is sending.
	Delete(ctx context.Context, tenantID, id uuid.UUID) (bool, error)
	// Transition moves the campaign to `to` only from one of `from`.
	Transition(ctx context.Context, tenantID, id uuid.UUID, from []model.CampaignStatus, to model.CampaignStatus) (bool, error)
	// BeginSend moves a draft or scheduled campaign to `to` and resets its
	// counters to recipientCount/0/0.
	BeginSend(ctx context.Context, tenantID, id uuid.UUID, to model.CampaignStatus, recipientCount int) (bool, error)
	SetQueueHandle(ctx context.Context, tenantID, id uuid.UUID, handle string) error
	// AddCounts applies signed deltas to sent_count and failed_count atomically.
	AddCounts(ctx context.Context, tenantID, id uuid.UUID, sent, failed int) error
	// Finalize marks a scheduled or sending campaign sent once every
	// recipient has an outcome. Cancelled campaigns are never finalized.
	Finalize(ctx context.Context, tenantID, id uuid.UUID, at time.Time) (bool, error)
}

type AutomationRepositoryInterface interface {
	Create(ctx context.Context, a *model.Automation) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*model.Automation, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]*model.Automation, error)
	SetActive(ctx context.Context, tenantID, id uuid.UUID, active bool) (bool, error)
	// ListActive returns active automations of every tenant, most recently
	// updated first.
	ListActive(ctx context.Context, limit int) ([]*model.Automation, error)
	MarkRun(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error
}

// CallbackTarget identifies the single log row a provider callback may touch.
type CallbackTarget struct {
	LogID             uuid.UUID
	TenantID          uuid.UUID
	ProviderMessageID string
	Channel           model.Channel
}

// StatusResolver maps a log's current status to the status a callback
// should leave it in.
type StatusResolver func(current model.LogStatus) (model.LogStatus, error)

// CountDelta is applied to the owning campaign's counters together with a
// log status change, so a recorded outcome is never left uncounted.
type CountDelta struct {
	Sent   int
	Failed int
}

type MessageLogRepositoryInterface interface {
	Create(ctx context.Context, l *model.MessageLog) error
	// MarkSent and MarkFailed update the log and its campaign's counters in
	// one transaction.
	MarkSent(ctx context.Context, tenantID, id uuid.UUID, providerMessageID string, at time.Time, counts CountDelta) error
	MarkFailed(ctx context.Context, tenantID, id uuid.UUID, reason string, counts CountDelta) error
	// AttemptStatuses lists the statuses of earlier attempts for one job.
	AttemptStatuses(ctx context.Context, tenantID, campaignID, clientID uuid.UUID, ch model.Channel) ([]model.LogStatus, error)
	CampaignStats(ctx context.Context, tenantID, campaignID uuid.UUID) (map[model.LogStatus]int, error)
	// FindByProviderMessageID returns the id of the one log carrying the
	// provider's message id. Zero or several matches yield
	// appErrors.ErrAmbiguousTarget.
	FindByProviderMessageID(ctx context.Context, tenantID uuid.UUID, ch model.Channel, providerMessageID string) (uuid.UUID, error)
	// ApplyCallback updates exactly one row matching target, inside a
	// transaction. Zero matches yield appErrors.ErrAmbiguousTarget.
	ApplyCallback(ctx context.Context, target CallbackTarget, resolve StatusResolver) (model.LogStatus, error)
}

type UsageRepositoryInterface interface {
	Current(ctx context.Context, tenantID uuid.UUID, period string, ch model.Channel) (int, error)
	Increment(ctx context.Context, tenantID uuid.UUID, period string, ch model.Channel, n int) error
}

type ReplayCacheInterface interface {
	// Remember records eventID until expiresAt. It returns false if the id
	// is already present and unexpired.
	Remember(ctx context.Context, eventID string, expiresAt time.Time) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type CredentialRepositoryInterface interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*model.ProviderCredentials, error)
	Save(ctx context.Context, c *model.ProviderCredentials) error
}
