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

type AutomationRepository struct {
	DB *pgxpool.Pool
}

const automationColumns = `id, tenant_id, name, trigger_type, trigger_params, channel, template_id, active,
	last_run_at, created_at, updated_at`

func scanAutomation(row pgx.Row) (*model.Automation, error) {
	var a model.Automation
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.TriggerType, &a.TriggerParams, &a.Channel, &a.TemplateID,
		&a.Active, &a.LastRunAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AutomationRepository) Create(ctx context.Context, a *model.Automation) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	_, err := r.DB.Exec(ctx, `
        INSERT INTO automations (id, tenant_id, name, trigger_type, trigger_params, channel, template_id, active, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.TenantID, a.Name, a.TriggerType, a.TriggerParams, a.Channel, a.TemplateID, a.Active, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *AutomationRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*model.Automation, error) {
	a, err := scanAutomation(r.DB.QueryRow(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE id=$1 AND tenant_id=$2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appErrors.NewNotFound("automation", id)
	}
	return a, err
}

func (r *AutomationRepository) List(ctx context.Context, tenantID uuid.UUID) ([]*model.Automation, error) {
	return r.query(ctx, `SELECT `+automationColumns+` FROM automations WHERE tenant_id=$1 ORDER BY created_at DESC`, tenantID)
}

func (r *AutomationRepository) ListActive(ctx context.Context, limit int) ([]*model.Automation, error) {
	return r.query(ctx, `SELECT `+automationColumns+` FROM automations WHERE active ORDER BY updated_at DESC, id LIMIT $1`, limit)
}

func (r *AutomationRepository) query(ctx context.Context, sql string, args ...any) ([]*model.Automation, error) {
	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.Automation{}
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AutomationRepository) SetActive(ctx context.Context, tenantID, id uuid.UUID, active bool) (bool, error) {
	tag, err := r.DB.Exec(ctx, `UPDATE automations SET active=$1, updated_at=NOW() WHERE id=$2 AND tenant_id=$3`, active, id, tenantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRun leaves updated_at alone so scan ordering reflects user edits only.
func (r *AutomationRepository) MarkRun(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error {
	_, err := r.DB.Exec(ctx, `UPDATE automations SET last_run_at=$1 WHERE id=$2 AND tenant_id=$3`, at, id, tenantID)
	return err
}

var _ AutomationRepositoryInterface = (*AutomationRepository)(nil)
