package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/repository"
)

// Birthday offsets beyond a year would wrap onto the same date again.
const maxBirthdayOffset = 365

type AutomationService struct {
	AutomationRepo repository.AutomationRepositoryInterface
	TemplateRepo   repository.TemplateRepositoryInterface
}

type AutomationInput struct {
	Name          string          `json:"name"`
	TriggerType   string          `json:"trigger_type"`
	TriggerParams json.RawMessage `json:"trigger_params"`
	Channel       string          `json:"channel"`
	TemplateID    uuid.UUID       `json:"template_id"`
	Active        bool            `json:"active"`
}

func (s *AutomationService) CreateAutomation(ctx context.Context, tenantID uuid.UUID, in AutomationInput) (*model.Automation, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, appErrors.NewValidation("name", "is required")
	}
	trigger := model.TriggerType(in.TriggerType)
	params, err := ValidateTrigger(trigger, in.TriggerParams)
	if err != nil {
		return nil, err
	}
	ch, err := model.ParseChannel(in.Channel)
	if err != nil {
		return nil, appErrors.NewValidation("channel", "%v", err)
	}
	tpl, err := s.TemplateRepo.GetByID(ctx, tenantID, in.TemplateID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil, appErrors.NewValidation("template_id", "template %s not found", in.TemplateID)
		}
		return nil, err
	}
	if !tpl.Channel.Covers(ch) {
		return nil, appErrors.NewValidation("template_id", "template channel %s does not cover %s", tpl.Channel, ch)
	}
	normalized, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	a := &model.Automation{
		TenantID:      tenantID,
		Name:          name,
		TriggerType:   trigger,
		TriggerParams: normalized,
		Channel:       ch,
		TemplateID:    tpl.ID,
		Active:        in.Active,
	}
	if err := s.AutomationRepo.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create automation: %w", err)
	}
	log.Info().Str("tenant_id", tenantID.String()).Str("automation_id", a.ID.String()).
		Str("trigger", string(trigger)).Msg("Automation created")
	return a, nil
}

func (s *AutomationService) ListAutomations(ctx context.Context, tenantID uuid.UUID) ([]*model.Automation, error) {
	return s.AutomationRepo.List(ctx, tenantID)
}

func (s *AutomationService) SetActive(ctx context.Context, tenantID, id uuid.UUID, active bool) (*model.Automation, error) {
	ok, err := s.AutomationRepo.SetActive(ctx, tenantID, id, active)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.NewNotFound("automation", id)
	}
	return s.AutomationRepo.GetByID(ctx, tenantID, id)
}

// ValidateTrigger decodes raw parameters strictly and checks the field the
// trigger type reads.
func ValidateTrigger(t model.TriggerType, raw json.RawMessage) (model.TriggerParams, error) {
	var p model.TriggerParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, appErrors.NewValidation("trigger_params", "%v", err)
		}
	}
	switch t {
	case model.TriggerNoVisitDays, model.TriggerAfterVisit:
		if p.Days < 1 {
			return p, appErrors.NewValidation("trigger_params.days", "must be at least 1")
		}
		return model.TriggerParams{Days: p.Days}, nil
	case model.TriggerVisitCount:
		if p.Count < 1 {
			return p, appErrors.NewValidation("trigger_params.count", "must be at least 1")
		}
		return model.TriggerParams{Count: p.Count}, nil
	case model.TriggerBirthday:
		if p.OffsetDays < -maxBirthdayOffset || p.OffsetDays > maxBirthdayOffset {
			return p, appErrors.NewValidation("trigger_params.offset_days", "must be within ±%d", maxBirthdayOffset)
		}
		return model.TriggerParams{OffsetDays: p.OffsetDays}, nil
	}
	return p, appErrors.NewValidation("trigger_type", "unknown trigger %q", t)
}
