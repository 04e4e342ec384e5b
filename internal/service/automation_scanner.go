package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/salonflow-messaging/internal/dispatch"
	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/monitoring"
	"github.com/unclebandit/salonflow-messaging/internal/repository"
	"github.com/unclebandit/salonflow-messaging/internal/segment"
)

const (
	DefaultMaxAutomationsPerRun = 100
	DefaultMaxRecipients        = 500
	DefaultJobBudget            = 5000
	DefaultDedupeWindow         = 30 * 24 * time.Hour
)

type ScannerConfig struct {
	MaxAutomations int
	MaxRecipients  int
	JobBudget      int
	DedupeWindow   time.Duration
	// Location defines calendar days for the day-based triggers.
	Location *time.Location
}

func (c ScannerConfig) withDefaults() ScannerConfig {
	if c.MaxAutomations <= 0 {
		c.MaxAutomations = DefaultMaxAutomationsPerRun
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = DefaultMaxRecipients
	}
	if c.JobBudget <= 0 {
		c.JobBudget = DefaultJobBudget
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = DefaultDedupeWindow
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// AutomationScanner turns active automations into campaigns. One Run is
// single-threaded; callers must not overlap runs.
type AutomationScanner struct {
	AutomationRepo repository.AutomationRepositoryInterface
	CampaignRepo   repository.CampaignRepositoryInterface
	ClientRepo     repository.ClientRepositoryInterface
	TemplateRepo   repository.TemplateRepositoryInterface
	Quota          QuotaEnforcer
	Dispatcher     JobDispatcher
	Config         ScannerConfig
	Now            func() time.Time
}

type ScanResult struct {
	Evaluated        int  `json:"evaluated"`
	CampaignsCreated int  `json:"campaigns_created"`
	JobsEnqueued     int  `json:"jobs_enqueued"`
	Skipped          int  `json:"skipped"`
	Errors           int  `json:"errors"`
	SafetyLimited    bool `json:"safety_limited"`
}

var errBudgetExhausted = errors.New("automation scan: job budget exhausted")

// Run evaluates active automations, most recently updated first, until
// the list or the run's job budget is exhausted.
func (s *AutomationScanner) Run(ctx context.Context) (ScanResult, error) {
	start := time.Now()
	defer func() { monitoring.AutomationScanDuration.Observe(time.Since(start).Seconds()) }()

	cfg := s.Config.withDefaults()
	now := s.now()
	var res ScanResult

	automations, err := s.AutomationRepo.ListActive(ctx, cfg.MaxAutomations+1)
	if err != nil {
		return res, fmt.Errorf("list active automations: %w", err)
	}
	if len(automations) > cfg.MaxAutomations {
		automations = automations[:cfg.MaxAutomations]
		res.SafetyLimited = true
	}

	remaining := cfg.JobBudget
	for _, a := range automations {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Evaluated++
		logger := log.With().Str("tenant_id", a.TenantID.String()).Str("automation_id", a.ID.String()).
			Str("trigger", string(a.TriggerType)).Logger()

		jobs, capped, err := s.runOne(ctx, a, cfg, now, remaining)
		if capped {
			res.SafetyLimited = true
			logger.Warn().Int("max_recipients", cfg.MaxRecipients).Msg("Automation audience capped")
		}
		var quotaErr *appErrors.QuotaExceededError
		var planErr *appErrors.FeatureNotInPlanError
		switch {
		case errors.Is(err, errBudgetExhausted):
			res.SafetyLimited = true
			logger.Warn().Int("remaining_budget", remaining).Msg("Automation scan stopped at job budget")
			return res, nil
		case errors.As(err, &quotaErr), errors.As(err, &planErr):
			res.Skipped++
			logger.Warn().Err(err).Msg("Automation skipped by quota")
		case err != nil:
			res.Errors++
			logger.Error().Err(err).Msg("Automation run failed")
		case jobs > 0:
			res.CampaignsCreated++
			res.JobsEnqueued += jobs
			remaining -= jobs
		}
	}
	log.Info().Int("evaluated", res.Evaluated).Int("campaigns", res.CampaignsCreated).
		Int("jobs", res.JobsEnqueued).Bool("safety_limited", res.SafetyLimited).Msg("Automation scan finished")
	return res, nil
}

// runOne processes one automation and returns the number of jobs enqueued.
// capped reports that more candidates matched than the per-automation cap;
// the rest are reached by later runs since reached clients drop out.
func (s *AutomationScanner) runOne(ctx context.Context, a *model.Automation, cfg ScannerConfig, now time.Time, budget int) (jobs int, capped bool, err error) {
	tq, err := TriggerQueryFor(a, now, cfg.Location)
	if err != nil {
		return 0, false, err
	}
	tq.SkipMessaged = &segment.Recency{AutomationID: a.ID, Since: now.Add(-cfg.DedupeWindow)}
	recipients, err := s.ClientRepo.Find(ctx, tq.Audience(a.TenantID), cfg.MaxRecipients+1)
	if err != nil {
		return 0, false, fmt.Errorf("find candidates: %w", err)
	}
	if len(recipients) > cfg.MaxRecipients {
		recipients = recipients[:cfg.MaxRecipients]
		capped = true
	}
	if len(recipients) == 0 {
		return 0, false, s.AutomationRepo.MarkRun(ctx, a.TenantID, a.ID, now)
	}
	jobs, err = s.enqueue(ctx, a, cfg, now, budget, recipients)
	return jobs, capped, err
}

func (s *AutomationScanner) enqueue(ctx context.Context, a *model.Automation, cfg ScannerConfig, now time.Time, budget int, recipients []*model.Client) (int, error) {
	tpl, err := s.TemplateRepo.GetByID(ctx, a.TenantID, a.TemplateID)
	if err != nil {
		return 0, fmt.Errorf("load template: %w", err)
	}
	if !tpl.Channel.Covers(a.Channel) {
		return 0, appErrors.NewValidation("template_id", "template channel %s does not cover %s", tpl.Channel, a.Channel)
	}

	filter, err := segment.Filter{Origin: &segment.Origin{AutomationID: a.ID, Trigger: a.TriggerType, RunAt: now}}.Encode()
	if err != nil {
		return 0, err
	}
	automationID := a.ID
	c := &model.Campaign{
		ID:            uuid.New(),
		TenantID:      a.TenantID,
		Name:          fmt.Sprintf("%s (%s)", a.Name, now.In(cfg.Location).Format("2006-01-02")),
		Channel:       a.Channel,
		TemplateID:    a.TemplateID,
		SegmentFilter: filter,
		Status:        model.CampaignSending,
		AutomationID:  &automationID,
	}
	jobs := dispatch.BuildJobs(c, recipients)
	if len(jobs) == 0 {
		return 0, s.AutomationRepo.MarkRun(ctx, a.TenantID, a.ID, now)
	}
	if len(jobs) > budget {
		return 0, errBudgetExhausted
	}
	if err := s.Quota.Enforce(ctx, a.TenantID, dispatch.CountByChannel(jobs)); err != nil {
		return 0, err
	}

	c.RecipientCount = len(jobs)
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return 0, fmt.Errorf("create campaign: %w", err)
	}
	res, dispatchErr := s.Dispatcher.Dispatch(ctx, c, jobs)
	if res.Handle != "" {
		if err := s.CampaignRepo.SetQueueHandle(ctx, a.TenantID, c.ID, res.Handle); err != nil {
			log.Warn().Err(err).Str("campaign_id", c.ID.String()).Msg("Failed to store queue handle")
		}
	}
	if res.Failed > 0 {
		if err := recordUnpublished(ctx, s.CampaignRepo, c, res.Failed, now); err != nil {
			return res.Published, err
		}
	}
	if dispatchErr != nil {
		return 0, dispatchErr
	}
	if err := s.AutomationRepo.MarkRun(ctx, a.TenantID, a.ID, now); err != nil {
		return res.Published, fmt.Errorf("mark automation run: %w", err)
	}
	monitoring.AutomationCampaigns.WithLabelValues(string(a.TriggerType)).Inc()
	return res.Published, nil
}

// TriggerQueryFor compiles an automation's trigger into a candidate query
// evaluated at now. Day boundaries are taken in loc.
func TriggerQueryFor(a *model.Automation, now time.Time, loc *time.Location) (segment.TriggerQuery, error) {
	p, err := ValidateTrigger(a.TriggerType, a.TriggerParams)
	if err != nil {
		return segment.TriggerQuery{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	var q segment.TriggerQuery
	switch a.TriggerType {
	case model.TriggerNoVisitDays:
		cutoff := now.AddDate(0, 0, -p.Days)
		q.LastVisitAtOrBefore = &cutoff
	case model.TriggerAfterVisit:
		from := today.AddDate(0, 0, -p.Days)
		to := from.AddDate(0, 0, 1)
		q.LastVisitFrom, q.LastVisitTo = &from, &to
	case model.TriggerVisitCount:
		count := p.Count
		q.VisitCount = &count
	case model.TriggerBirthday:
		md := segment.MonthDayOf(today.AddDate(0, 0, p.OffsetDays))
		q.Birthday = &md
	}
	return q, nil
}

func (s *AutomationScanner) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
