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

type TemplateRepository struct {
	DB *pgxpool.Pool
}

func (r *TemplateRepository) Create(ctx context.Context, t *model.MessageTemplate) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now()
	_, err := r.DB.Exec(ctx, `
        INSERT INTO message_templates (id, tenant_id, name, channel, subject, body, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.TenantID, t.Name, t.Channel, t.Subject, t.Body, t.CreatedAt)
	return err
}

func (r *TemplateRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*model.MessageTemplate, error) {
	var t model.MessageTemplate
	err := r.DB.QueryRow(ctx, `
        SELECT id, tenant_id, name, channel, COALESCE(subject, ''), body, created_at
        FROM message_templates WHERE id=$1 AND tenant_id=$2`, id, tenantID).
		Scan(&t.ID, &t.TenantID, &t.Name, &t.Channel, &t.Subject, &t.Body, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appErrors.NewNotFound("template", id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TemplateRepository) List(ctx context.Context, tenantID uuid.UUID) ([]*model.MessageTemplate, error) {
	rows, err := r.DB.Query(ctx, `
        SELECT id, tenant_id, name, channel, COALESCE(subject, ''), body, created_at
        FROM message_templates WHERE tenant_id=$1 ORDER BY name, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.MessageTemplate{}
	for rows.Next() {
		var t model.MessageTemplate
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.Channel, &t.Subject, &t.Body, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
