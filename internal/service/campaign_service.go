// internal/service/campaign_service.go
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/salonflow-messaging/internal/dispatch"
	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/repository"
	"github.com/unclebandit/salonflow-messaging/internal/segment"
	"github.com/unclebandit/salonflow-messaging/internal/template"
)

// QuotaEnforcer is the pre-flight monthly quota check.
type QuotaEnforcer interface {
	Enforce(ctx context.Context, tenantID uuid.UUID, requested map[model.Channel]int) error
}

type JobDispatcher interface {
	Dispatch(ctx context.Context, c *model.Campaign, jobs []model.WorkerJob) (dispatch.Result, error)
}

const (
	DefaultPageSize          = 20
	MaxPageSize              = 100
	DefaultPreviewSampleSize = 20
)

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	ClientRepo   repository.ClientRepositoryInterface
	TemplateRepo repository.TemplateRepositoryInterface
	TenantRepo   repository.TenantRepositoryInterface
	LogRepo      repository.MessageLogRepositoryInterface
	Quota        QuotaEnforcer
	Dispatcher   JobDispatcher
	Renderer     *template.Renderer

	PreviewSampleSize int
	Now               func() time.Time
}

// CampaignInput carries the editable fields of a draft.
type CampaignInput struct {
	Name          string          `json:"name"`
	Channel       string          `json:"channel"`
	TemplateID    uuid.UUID       `json:"template_id"`
	SegmentFilter json.RawMessage `json:"segment_filter"`
	ScheduledAt   *time.Time      `json:"scheduled_at,omitempty"`
}

// Result struct for SendCampaign
type SendCampaignResult struct {
	CampaignID     uuid.UUID            `json:"campaign_id"`
	Status         model.CampaignStatus `json:"status"`
	RecipientCount int                  `json:"recipient_count"`
	MessagesQueued int                  `json:"messages_queued"`
	EnqueueFailed  int                  `json:"enqueue_failed"`
	QueueHandle    string               `json:"queue_handle,omitempty"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}

type ClientSample struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"full_name"`
	HasEmail bool      `json:"has_email"`
	HasPhone bool      `json:"has_phone"`
}

type AudiencePreview struct {
	Count  int            `json:"count"`
	Sample []ClientSample `json:"sample"`
}

type PersonalizedPreview struct {
	ClientID uuid.UUID                           `json:"client_id"`
	Messages map[model.Channel]template.Rendered `json:"messages"`
}

// ====================== Drafts ======================

func (s *CampaignService) CreateCampaign(ctx context.Context, tenantID uuid.UUID, in CampaignInput) (*model.Campaign, error) {
	c := &model.Campaign{TenantID: tenantID, Status: model.CampaignDraft}
	if err := s.applyInput(ctx, c, in); err != nil {
		return nil, err
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	log.Info().Str("tenant_id", tenantID.String()).Str("campaign_id", c.ID.String()).Msg("Campaign draft created")
	return c, nil
}

func (s *CampaignService) UpdateCampaign(ctx context.Context, tenantID, id uuid.UUID, in CampaignInput) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.Editable() {
		return nil, invalidState(c, "edit")
	}
	if err := s.applyInput(ctx, c, in); err != nil {
		return nil, err
	}
	ok, err := s.CampaignRepo.UpdateDraft(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("update campaign: %w", err)
	}
	if !ok {
		return nil, s.lifecycleRejection(ctx, tenantID, id, "edit")
	}
	return s.CampaignRepo.GetByID(ctx, tenantID, id)
}

func (s *CampaignService) applyInput(ctx context.Context, c *model.Campaign, in CampaignInput) error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return appErrors.NewValidation("name", "is required")
	}
	ch, err := model.ParseChannel(in.Channel)
	if err != nil {
		return appErrors.NewValidation("channel", "%v", err)
	}
	tpl, err := s.TemplateRepo.GetByID(ctx, c.TenantID, in.TemplateID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return appErrors.NewValidation("template_id", "template %s not found", in.TemplateID)
		}
		return err
	}
	if !tpl.Channel.Covers(ch) {
		return appErrors.NewValidation("template_id", "template channel %s does not cover %s", tpl.Channel, ch)
	}
	f, err := segment.Decode(in.SegmentFilter)
	if err != nil {
		return err
	}
	encoded, err := f.Encode()
	if err != nil {
		return err
	}

	c.Name, c.Channel, c.TemplateID, c.SegmentFilter, c.ScheduledAt = name, ch, tpl.ID, encoded, in.ScheduledAt
	return nil
}

// ====================== Reads ======================

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, tenantID uuid.UUID, page, pageSize int, channel, status string) ([]*model.Campaign, Pagination, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	offset := (page - 1) * pageSize

	campaigns, total, err := s.CampaignRepo.ListCampaigns(ctx, tenantID, offset, pageSize, channel, status)
	if err != nil {
		return nil, Pagination{}, err
	}
	return campaigns, Pagination{
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, tenantID, id uuid.UUID) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.LogRepo.CampaignStats(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}

	stats := map[string]int{"total": 0}
	for status, n := range byStatus {
		stats[string(status)] = n
		stats["total"] += n
	}
	return &CampaignDetails{Campaign: c, Stats: stats}, nil
}

// PreviewAudience counts the filter's audience and returns a small sample.
func (s *CampaignService) PreviewAudience(ctx context.Context, tenantID uuid.UUID, rawFilter json.RawMessage) (*AudiencePreview, error) {
	f, err := segment.Decode(rawFilter)
	if err != nil {
		return nil, err
	}
	a := f.Audience(tenantID, s.now())

	count, err := s.ClientRepo.Count(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("count audience: %w", err)
	}
	preview := &AudiencePreview{Count: count, Sample: []ClientSample{}}
	if count == 0 {
		return preview, nil
	}

	size := s.PreviewSampleSize
	if size <= 0 {
		size = DefaultPreviewSampleSize
	}
	clients, err := s.ClientRepo.Find(ctx, a, size)
	if err != nil {
		return nil, fmt.Errorf("sample audience: %w", err)
	}
	for _, c := range clients {
		preview.Sample = append(preview.Sample, ClientSample{
			ID: c.ID, FullName: c.FullName, HasEmail: c.Email != "", HasPhone: c.Phone != "",
		})
	}
	return preview, nil
}

func (s *CampaignService) PreviewCampaignAudience(ctx context.Context, tenantID, id uuid.UUID) (*AudiencePreview, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return s.PreviewAudience(ctx, tenantID, c.SegmentFilter)
}

// RenderPreview renders the campaign's template for one client on every
// channel of the campaign. overrideBody, when set, replaces the template
// body for this preview only.
func (s *CampaignService) RenderPreview(ctx context.Context, tenantID, campaignID, clientID uuid.UUID, overrideBody *string) (*PersonalizedPreview, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	client, err := s.ClientRepo.GetByID(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}
	tpl, err := s.TemplateRepo.GetByID(ctx, tenantID, c.TemplateID)
	if err != nil {
		return nil, err
	}
	tenant, err := s.TenantRepo.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if overrideBody != nil && strings.TrimSpace(*overrideBody) != "" {
		copied := *tpl
		copied.Body = *overrideBody
		tpl = &copied
	}

	vars := s.Renderer.Variables(client, tenant)
	out := &PersonalizedPreview{ClientID: clientID, Messages: map[model.Channel]template.Rendered{}}
	for _, ch := range c.Channel.Expand() {
		r, err := s.Renderer.Render(tpl, ch, vars)
		if err != nil {
			return nil, err
		}
		out.Messages[ch] = r
	}
	return out, nil
}

// ====================== Lifecycle ======================

// SendCampaign resolves the audience, checks quota, and enqueues one job
// per reachable (recipient, channel). A campaign with a future schedule is
// marked scheduled and its jobs carry the corresponding delay.
func (s *CampaignService) SendCampaign(ctx context.Context, tenantID, id uuid.UUID) (*SendCampaignResult, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.Sendable() {
		return nil, invalidState(c, "send")
	}
	now := s.now()
	logger := log.With().Str("tenant_id", tenantID.String()).Str("campaign_id", id.String()).Logger()

	tpl, err := s.TemplateRepo.GetByID(ctx, tenantID, c.TemplateID)
	if err != nil {
		return nil, err
	}
	if !tpl.Channel.Covers(c.Channel) {
		return nil, appErrors.NewValidation("template_id", "template channel %s does not cover %s", tpl.Channel, c.Channel)
	}

	f, err := segment.Decode(c.SegmentFilter)
	if err != nil {
		return nil, err
	}
	recipients, err := s.ClientRepo.Find(ctx, f.Audience(tenantID, now), 0)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}

	jobs := dispatch.BuildJobs(c, recipients)
	if len(jobs) == 0 {
		return nil, appErrors.NewValidation("segment_filter", "no reachable recipients for channel %s", c.Channel)
	}
	if err := s.Quota.Enforce(ctx, tenantID, dispatch.CountByChannel(jobs)); err != nil {
		return nil, err
	}

	status := model.CampaignSending
	if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
		status = model.CampaignScheduled
	}
	ok, err := s.CampaignRepo.BeginSend(ctx, tenantID, id, status, len(jobs))
	if err != nil {
		return nil, fmt.Errorf("mark campaign %s: %w", status, err)
	}
	if !ok {
		return nil, s.lifecycleRejection(ctx, tenantID, id, "send")
	}
	c.Status, c.RecipientCount = status, len(jobs)

	res, dispatchErr := s.Dispatcher.Dispatch(ctx, c, jobs)
	if res.Handle != "" {
		if err := s.CampaignRepo.SetQueueHandle(ctx, tenantID, id, res.Handle); err != nil {
			logger.Warn().Err(err).Msg("Failed to store queue handle")
		}
	}
	if res.Failed > 0 {
		if err := recordUnpublished(ctx, s.CampaignRepo, c, res.Failed, now); err != nil {
			return nil, err
		}
	}
	if dispatchErr != nil {
		return nil, dispatchErr
	}

	logger.Info().Int("recipients", len(jobs)).Str("status", string(status)).Msg("Campaign send accepted")
	return &SendCampaignResult{
		CampaignID:     id,
		Status:         status,
		RecipientCount: len(jobs),
		MessagesQueued: res.Published,
		EnqueueFailed:  res.Failed,
		QueueHandle:    res.Handle,
	}, nil
}

// recordUnpublished counts jobs that never reached the queue as failed so
// the campaign can still finalize.
func recordUnpublished(ctx context.Context, repo repository.CampaignRepositoryInterface, c *model.Campaign, n int, now time.Time) error {
	if err := repo.AddCounts(ctx, c.TenantID, c.ID, 0, n); err != nil {
		return fmt.Errorf("record unpublished jobs: %w", err)
	}
	if _, err := repo.Finalize(ctx, c.TenantID, c.ID, now); err != nil {
		return fmt.Errorf("finalize campaign: %w", err)
	}
	return nil
}

// CancelCampaign stops a draft or scheduled campaign. Jobs already queued
// are skipped by the worker when it sees the cancelled status.
func (s *CampaignService) CancelCampaign(ctx context.Context, tenantID, id uuid.UUID) error {
	ok, err := s.CampaignRepo.Transition(ctx, tenantID, id,
		[]model.CampaignStatus{model.CampaignDraft, model.CampaignScheduled}, model.CampaignCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return s.lifecycleRejection(ctx, tenantID, id, "cancel")
	}
	log.Info().Str("tenant_id", tenantID.String()).Str("campaign_id", id.String()).Msg("Campaign cancelled")
	return nil
}

func (s *CampaignService) DeleteCampaign(ctx context.Context, tenantID, id uuid.UUID) error {
	ok, err := s.CampaignRepo.Delete(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !ok {
		return s.lifecycleRejection(ctx, tenantID, id, "delete")
	}
	return nil
}

// lifecycleRejection explains why a guarded update touched no row.
func (s *CampaignService) lifecycleRejection(ctx context.Context, tenantID, id uuid.UUID, action string) error {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return invalidState(c, action)
}

func invalidState(c *model.Campaign, action string) error {
	return &appErrors.InvalidStateError{Entity: "campaign", ID: c.ID.String(), Status: string(c.Status), Action: action}
}

func (s *CampaignService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
