package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
)

type CampaignRepository struct {
	DB *pgxpool.Pool
}

const campaignColumns = `id, tenant_id, name, channel, template_id, segment_filter, status, scheduled_at,
	recipient_count, sent_count, failed_count, COALESCE(queue_handle, ''), automation_id, completed_at, created_at, updated_at`

func scanCampaign(row pgx.Row) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Channel, &c.TemplateID, &c.SegmentFilter, &c.Status, &c.ScheduledAt,
		&c.RecipientCount, &c.SentCount, &c.FailedCount, &c.QueueHandle, &c.AutomationID, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if len(c.SegmentFilter) == 0 {
		c.SegmentFilter = []byte("{}")
	}
	query := `
        INSERT INTO campaigns (id, tenant_id, name, channel, template_id, segment_filter, status, scheduled_at,
            recipient_count, automation_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `
	_, err := r.DB.Exec(ctx, query, c.ID, c.TenantID, c.Name, c.Channel, c.TemplateID, c.SegmentFilter, c.Status,
		c.ScheduledAt, c.RecipientCount, c.AutomationID, c.CreatedAt)
	return err
}

func (r *CampaignRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1 AND tenant_id=$2`
	c, err := scanCampaign(r.DB.QueryRow(ctx, query, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appErrors.NewNotFound("campaign", id)
	}
	return c, err
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, tenantID uuid.UUID, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE tenant_id=$1`
	args := []any{tenantID}
	argPos := 2

	if channel != "" {
		where += fmt.Sprintf(" AND channel=$%d", argPos)
		args = append(args, channel)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

func (r *CampaignRepository) UpdateDraft(ctx context.Context, c *model.Campaign) (bool, error) {
	query := `
        UPDATE campaigns
        SET name=$1, channel=$2, template_id=$3, segment_filter=$4, scheduled_at=$5, updated_at=NOW()
        WHERE id=$6 AND tenant_id=$7 AND status='draft'
    `
	tag, err := r.DB.Exec(ctx, query, c.Name, c.Channel, c.TemplateID, c.SegmentFilter, c.ScheduledAt, c.ID, c.TenantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *CampaignRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) (bool, error) {
	tag, err := r.DB.Exec(ctx, `DELETE FROM campaigns WHERE id=$1 AND tenant_id=$2 AND status <> 'sending'`, id, tenantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ====================== Lifecycle & counters ======================

func (r *CampaignRepository) Transition(ctx context.Context, tenantID, id uuid.UUID, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND tenant_id=$3 AND status = ANY($4)`
	tag, err := r.DB.Exec(ctx, query, to, id, tenantID, statusStrings(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *CampaignRepository) BeginSend(ctx context.Context, tenantID, id uuid.UUID, to model.CampaignStatus, recipientCount int) (bool, error) {
	query := `
        UPDATE campaigns
        SET status=$1, recipient_count=$2, sent_count=0, failed_count=0, updated_at=NOW()
        WHERE id=$3 AND tenant_id=$4 AND status IN ('draft', 'scheduled')
    `
	tag, err := r.DB.Exec(ctx, query, to, recipientCount, id, tenantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *CampaignRepository) SetQueueHandle(ctx context.Context, tenantID, id uuid.UUID, handle string) error {
	_, err := r.DB.Exec(ctx, `UPDATE campaigns SET queue_handle=$1, updated_at=NOW() WHERE id=$2 AND tenant_id=$3`, handle, id, tenantID)
	return err
}

func (r *CampaignRepository) AddCounts(ctx context.Context, tenantID, id uuid.UUID, sent, failed int) error {
	query := `
        UPDATE campaigns
        SET sent_count = sent_count + $1, failed_count = failed_count + $2, updated_at=NOW()
        WHERE id=$3 AND tenant_id=$4
    `
	_, err := r.DB.Exec(ctx, query, sent, failed, id, tenantID)
	return err
}

func (r *CampaignRepository) Finalize(ctx context.Context, tenantID, id uuid.UUID, at time.Time) (bool, error) {
	query := `
        UPDATE campaigns
        SET status='sent', completed_at=$1, updated_at=NOW()
        WHERE id=$2 AND tenant_id=$3
          AND status IN ('scheduled', 'sending')
          AND sent_count + failed_count >= recipient_count
    `
	tag, err := r.DB.Exec(ctx, query, at, id, tenantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func statusStrings(in []model.CampaignStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
