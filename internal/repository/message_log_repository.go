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

type MessageLogRepository struct {
	DB *pgxpool.Pool
}

// Create inserts a new log row. Status defaults to pending.
func (r *MessageLogRepository) Create(ctx context.Context, l *model.MessageLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = model.LogPending
	}
	l.CreatedAt = time.Now()
	l.UpdatedAt = l.CreatedAt
	query := `
        INSERT INTO message_logs (id, tenant_id, campaign_id, automation_id, client_id, channel, recipient,
            subject, body, status, attempt, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    `
	_, err := r.DB.Exec(ctx, query, l.ID, l.TenantID, l.CampaignID, l.AutomationID, l.ClientID, l.Channel, l.Recipient,
		l.Subject, l.Body, l.Status, l.Attempt, l.CreatedAt, l.UpdatedAt)
	return err
}

func (r *MessageLogRepository) MarkSent(ctx context.Context, tenantID, id uuid.UUID, providerMessageID string, at time.Time, counts CountDelta) error {
	return r.markWithCounts(ctx, tenantID, id, counts, `
        UPDATE message_logs SET status='sent', provider_message_id=$3, sent_at=$4, error=NULL, updated_at=NOW()
        WHERE id=$1 AND tenant_id=$2
        RETURNING campaign_id`, providerMessageID, at)
}

func (r *MessageLogRepository) MarkFailed(ctx context.Context, tenantID, id uuid.UUID, reason string, counts CountDelta) error {
	return r.markWithCounts(ctx, tenantID, id, counts, `
        UPDATE message_logs SET status='failed', error=$3, updated_at=NOW()
        WHERE id=$1 AND tenant_id=$2
        RETURNING campaign_id`, reason)
}

// markWithCounts runs a log update returning campaign_id and applies counts
// to that campaign before committing.
func (r *MessageLogRepository) markWithCounts(ctx context.Context, tenantID, id uuid.UUID, counts CountDelta, update string, args ...any) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var campaignID *uuid.UUID
	err = tx.QueryRow(ctx, update, append([]any{id, tenantID}, args...)...).Scan(&campaignID)
	if errors.Is(err, pgx.ErrNoRows) {
		return appErrors.NewNotFound("message log", id)
	}
	if err != nil {
		return err
	}
	if campaignID != nil && (counts.Sent != 0 || counts.Failed != 0) {
		_, err = tx.Exec(ctx, `
            UPDATE campaigns
            SET sent_count = sent_count + $1, failed_count = failed_count + $2, updated_at=NOW()
            WHERE id=$3 AND tenant_id=$4`, counts.Sent, counts.Failed, *campaignID, tenantID)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *MessageLogRepository) AttemptStatuses(ctx context.Context, tenantID, campaignID, clientID uuid.UUID, ch model.Channel) ([]model.LogStatus, error) {
	rows, err := r.DB.Query(ctx, `
        SELECT status FROM message_logs
        WHERE tenant_id=$1 AND campaign_id=$2 AND client_id=$3 AND channel=$4
        ORDER BY created_at`, tenantID, campaignID, clientID, ch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LogStatus
	for rows.Next() {
		var s model.LogStatus
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *MessageLogRepository) CampaignStats(ctx context.Context, tenantID, campaignID uuid.UUID) (map[model.LogStatus]int, error) {
	rows, err := r.DB.Query(ctx, `
        SELECT status, COUNT(*) FROM message_logs
        WHERE tenant_id=$1 AND campaign_id=$2 GROUP BY status`, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := emptyStats()
	for rows.Next() {
		var status model.LogStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *MessageLogRepository) FindByProviderMessageID(ctx context.Context, tenantID uuid.UUID, ch model.Channel, providerMessageID string) (uuid.UUID, error) {
	rows, err := r.DB.Query(ctx, `
        SELECT id FROM message_logs
        WHERE tenant_id=$1 AND channel=$2 AND provider_message_id=$3
        LIMIT 2`, tenantID, ch, providerMessageID)
	if err != nil {
		return uuid.Nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return uuid.Nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return uuid.Nil, err
	}
	if len(ids) != 1 {
		return uuid.Nil, fmt.Errorf("%w: %d rows", appErrors.ErrAmbiguousTarget, len(ids))
	}
	return ids[0], nil
}

func (r *MessageLogRepository) ApplyCallback(ctx context.Context, target CallbackTarget, resolve StatusResolver) (model.LogStatus, error) {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
        SELECT status FROM message_logs
        WHERE id=$1 AND tenant_id=$2 AND provider_message_id=$3 AND channel=$4
        FOR UPDATE`, target.LogID, target.TenantID, target.ProviderMessageID, target.Channel)
	if err != nil {
		return "", err
	}
	var matches []model.LogStatus
	for rows.Next() {
		var s model.LogStatus
		if err := rows.Scan(&s); err != nil {
			rows.Close()
			return "", err
		}
		matches = append(matches, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(matches) != 1 {
		return "", fmt.Errorf("%w: %d rows", appErrors.ErrAmbiguousTarget, len(matches))
	}

	next, err := resolve(matches[0])
	if err != nil {
		return "", err
	}
	_, err = tx.Exec(ctx, `
        UPDATE message_logs SET status=$1, updated_at=NOW()
        WHERE id=$2 AND tenant_id=$3 AND provider_message_id=$4 AND channel=$5`,
		next, target.LogID, target.TenantID, target.ProviderMessageID, target.Channel)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return next, nil
}

func emptyStats() map[model.LogStatus]int {
	return map[model.LogStatus]int{
		model.LogPending: 0, model.LogSent: 0, model.LogFailed: 0, model.LogDelivered: 0, model.LogBounced: 0,
	}
}

var _ MessageLogRepositoryInterface = (*MessageLogRepository)(nil)
