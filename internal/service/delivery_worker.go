package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/monitoring"
	"github.com/unclebandit/salonflow-messaging/internal/provider"
	"github.com/unclebandit/salonflow-messaging/internal/queue"
	"github.com/unclebandit/salonflow-messaging/internal/repository"
	"github.com/unclebandit/salonflow-messaging/internal/template"
)

// SenderResolver picks the provider sender for a tenant and channel.
type SenderResolver interface {
	SenderFor(ctx context.Context, tenantID uuid.UUID, ch model.Channel) (provider.Sender, error)
}

// Outcome is what one worker invocation did with its job.
type Outcome string

const (
	OutcomeSent              Outcome = "sent"
	OutcomeFailed            Outcome = "failed"
	OutcomeUnreachable       Outcome = "unreachable"
	OutcomeSkippedCancelled  Outcome = "skipped_cancelled"
	OutcomeSkippedDuplicate  Outcome = "skipped_duplicate"
	OutcomeSkippedNoCampaign Outcome = "skipped_no_campaign"
	OutcomeMissingClient     Outcome = "missing_client"
)

// DeliveryWorker handles one queued job per invocation. It may run many
// times for the same job; all state it acts on is re-read from the store
// and every counter change is a server-side increment.
type DeliveryWorker struct {
	CampaignRepo repository.CampaignRepositoryInterface
	ClientRepo   repository.ClientRepositoryInterface
	TemplateRepo repository.TemplateRepositoryInterface
	TenantRepo   repository.TenantRepositoryInterface
	LogRepo      repository.MessageLogRepositoryInterface
	UsageRepo    repository.UsageRepositoryInterface
	Senders      SenderResolver
	Renderer     *template.Renderer
	Now          func() time.Time
}

// HandleMessage adapts the worker to a queue subscription. A payload that
// cannot be decoded is dropped, since no retry could ever succeed.
func (w *DeliveryWorker) HandleMessage(ctx context.Context, msg queue.Message) error {
	job, err := model.UnmarshalWorkerJob(msg.Body)
	if err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("Dropping undecodable delivery job")
		monitoring.Deliveries.WithLabelValues("unknown", "invalid_payload").Inc()
		return nil
	}
	_, err = w.Process(ctx, job, msg.Attempt)
	return err
}

// Process runs one delivery attempt for job. A non-nil error asks the
// queue to retry.
func (w *DeliveryWorker) Process(ctx context.Context, job model.WorkerJob, attempt int) (Outcome, error) {
	logger := log.With().
		Str("tenant_id", job.TenantID.String()).
		Str("campaign_id", job.CampaignID.String()).
		Str("client_id", job.ClientID.String()).
		Str("channel", string(job.Channel)).
		Int("attempt", attempt).
		Logger()

	outcome, err := w.process(ctx, job, attempt, logger)
	monitoring.Deliveries.WithLabelValues(string(job.Channel), string(outcome)).Inc()
	if err != nil {
		logger.Warn().Err(err).Str("outcome", string(outcome)).Msg("Delivery attempt failed")
	} else {
		logger.Debug().Str("outcome", string(outcome)).Msg("Delivery attempt finished")
	}
	return outcome, err
}

func (w *DeliveryWorker) process(ctx context.Context, job model.WorkerJob, attempt int, logger zerolog.Logger) (Outcome, error) {
	campaign, err := w.CampaignRepo.GetByID(ctx, job.TenantID, job.CampaignID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return OutcomeSkippedNoCampaign, nil
		}
		return OutcomeFailed, fmt.Errorf("load campaign: %w", err)
	}
	if campaign.Status == model.CampaignCancelled {
		return OutcomeSkippedCancelled, nil
	}
	if campaign.Status == model.CampaignScheduled {
		if _, err := w.CampaignRepo.Transition(ctx, job.TenantID, job.CampaignID,
			[]model.CampaignStatus{model.CampaignScheduled}, model.CampaignSending); err != nil {
			return OutcomeFailed, fmt.Errorf("start scheduled campaign: %w", err)
		}
	}

	earlier, err := w.LogRepo.AttemptStatuses(ctx, job.TenantID, job.CampaignID, job.ClientID, job.Channel)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("load earlier attempts: %w", err)
	}
	priorFailure := false
	for _, st := range earlier {
		switch st {
		case model.LogSent, model.LogDelivered, model.LogBounced:
			return OutcomeSkippedDuplicate, nil
		case model.LogFailed:
			priorFailure = true
		}
	}

	entry := &model.MessageLog{
		TenantID:     job.TenantID,
		CampaignID:   &job.CampaignID,
		AutomationID: job.AutomationID,
		ClientID:     job.ClientID,
		Channel:      job.Channel,
		Status:       model.LogPending,
		Attempt:      attempt,
	}

	client, err := w.ClientRepo.GetByID(ctx, job.TenantID, job.ClientID)
	if err != nil {
		if !appErrors.IsNotFound(err) {
			return OutcomeFailed, fmt.Errorf("load client: %w", err)
		}
		if err := w.LogRepo.Create(ctx, entry); err != nil {
			return OutcomeFailed, fmt.Errorf("create message log: %w", err)
		}
		if err := w.fail(ctx, campaign, entry, "client not found or deleted", priorFailure); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeMissingClient, fmt.Errorf("client %s: %w", job.ClientID, err)
	}
	entry.Recipient = client.Address(job.Channel)

	tenant, err := w.TenantRepo.GetByID(ctx, job.TenantID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("load tenant: %w", err)
	}
	var rendered template.Rendered
	tpl, renderErr := w.TemplateRepo.GetByID(ctx, job.TenantID, campaign.TemplateID)
	if renderErr == nil {
		rendered, renderErr = w.Renderer.Render(tpl, job.Channel, w.Renderer.Variables(client, tenant))
	}
	entry.Subject, entry.Body = rendered.Subject, rendered.Body

	if err := w.LogRepo.Create(ctx, entry); err != nil {
		return OutcomeFailed, fmt.Errorf("create message log: %w", err)
	}

	// Content problems are permanent; retrying cannot fix them.
	if renderErr != nil {
		return OutcomeFailed, w.fail(ctx, campaign, entry, "render: "+renderErr.Error(), priorFailure)
	}
	if !client.Reachable(job.Channel) {
		reason := fmt.Sprintf("client has no %s address", job.Channel)
		if entry.Recipient != "" {
			reason = fmt.Sprintf("client opted out of %s", job.Channel)
		}
		return OutcomeUnreachable, w.fail(ctx, campaign, entry, reason, priorFailure)
	}

	providerID, sendErr := w.send(ctx, job, entry.Recipient, rendered)
	if sendErr != nil {
		if err := w.fail(ctx, campaign, entry, sendErr.Error(), priorFailure); err != nil {
			logger.Error().Err(err).Msg("Failed to record delivery failure")
		}
		return OutcomeFailed, sendErr
	}

	// A failed attempt already counted this recipient as failed; move it.
	now := w.now()
	counts := repository.CountDelta{Sent: 1}
	if priorFailure {
		counts.Failed = -1
	}
	if err := w.LogRepo.MarkSent(ctx, job.TenantID, entry.ID, providerID, now, counts); err != nil {
		return OutcomeSent, fmt.Errorf("mark log sent: %w", err)
	}
	if err := w.UsageRepo.Increment(ctx, job.TenantID, model.UsagePeriod(now), job.Channel, 1); err != nil {
		monitoring.Alert("usage counter increment failed", map[string]string{
			"tenant_id": job.TenantID.String(), "channel": string(job.Channel),
		})
		logger.Error().Err(err).Msg("Failed to increment usage")
	}
	if err := w.finalize(ctx, campaign); err != nil {
		return OutcomeSent, err
	}
	logger.Info().Str("log_id", entry.ID.String()).Str("provider_message_id", providerID).Msg("Message sent")
	return OutcomeSent, nil
}

func (w *DeliveryWorker) send(ctx context.Context, job model.WorkerJob, to string, r template.Rendered) (string, error) {
	sender, err := w.Senders.SenderFor(ctx, job.TenantID, job.Channel)
	if err != nil {
		return "", err
	}
	return sender.Send(ctx, provider.Outgoing{To: to, Subject: r.Subject, Body: r.Body})
}

// fail marks the log failed, counts the recipient once across retries and
// checks for completion.
func (w *DeliveryWorker) fail(ctx context.Context, c *model.Campaign, entry *model.MessageLog, reason string, priorFailure bool) error {
	var counts repository.CountDelta
	if !priorFailure {
		counts.Failed = 1
	}
	if err := w.LogRepo.MarkFailed(ctx, entry.TenantID, entry.ID, reason, counts); err != nil {
		return fmt.Errorf("mark log failed: %w", err)
	}
	return w.finalize(ctx, c)
}

func (w *DeliveryWorker) finalize(ctx context.Context, c *model.Campaign) error {
	done, err := w.CampaignRepo.Finalize(ctx, c.TenantID, c.ID, w.now())
	if err != nil {
		return fmt.Errorf("finalize campaign: %w", err)
	}
	if done {
		log.Info().Str("tenant_id", c.TenantID.String()).Str("campaign_id", c.ID.String()).Msg("Campaign completed")
	}
	return nil
}

func (w *DeliveryWorker) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}
