// internal/service/template_service.go
package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/repository"
	"github.com/unclebandit/salonflow-messaging/internal/template"
)

type TemplateService struct {
	TemplateRepo repository.TemplateRepositoryInterface
}

type TemplateInput struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (s *TemplateService) CreateTemplate(ctx context.Context, tenantID uuid.UUID, in TemplateInput) (*model.MessageTemplate, error) {
	tpl, err := validateTemplate(in)
	if err != nil {
		return nil, err
	}
	tpl.TenantID = tenantID
	if err := s.TemplateRepo.Create(ctx, tpl); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	log.Info().Str("tenant_id", tenantID.String()).Str("template_id", tpl.ID.String()).Msg("Template created")
	return tpl, nil
}

func (s *TemplateService) GetTemplate(ctx context.Context, tenantID, id uuid.UUID) (*model.MessageTemplate, error) {
	return s.TemplateRepo.GetByID(ctx, tenantID, id)
}

func (s *TemplateService) ListTemplates(ctx context.Context, tenantID uuid.UUID) ([]*model.MessageTemplate, error) {
	return s.TemplateRepo.List(ctx, tenantID)
}

func validateTemplate(in TemplateInput) (*model.MessageTemplate, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, appErrors.NewValidation("name", "is required")
	}
	ch, err := model.ParseChannel(in.Channel)
	if err != nil {
		return nil, appErrors.NewValidation("channel", "%v", err)
	}
	if strings.TrimSpace(in.Body) == "" {
		return nil, appErrors.NewValidation("body", "is required")
	}
	if ch.IncludesEmail() && strings.TrimSpace(in.Subject) == "" {
		return nil, appErrors.NewValidation("subject", "is required for email templates")
	}
	for _, text := range []string{in.Subject, in.Body} {
		for _, p := range template.Placeholders(text) {
			if !template.Known(p) {
				return nil, appErrors.NewValidation("body", "unknown placeholder {{%s}}", p)
			}
		}
	}
	return &model.MessageTemplate{Name: name, Channel: ch, Subject: in.Subject, Body: in.Body}, nil
}
