package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unclebandit/salonflow-messaging/internal/model"
)

type UsageRepository struct {
	DB *pgxpool.Pool
}

func (r *UsageRepository) Current(ctx context.Context, tenantID uuid.UUID, period string, ch model.Channel) (int, error) {
	var n int
	err := r.DB.QueryRow(ctx, `
        SELECT count FROM usage_counters WHERE tenant_id=$1 AND period=$2 AND channel=$3`,
		tenantID, period, ch).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// Increment upserts the counter so the first send of a month creates it.
func (r *UsageRepository) Increment(ctx context.Context, tenantID uuid.UUID, period string, ch model.Channel, n int) error {
	_, err := r.DB.Exec(ctx, `
        INSERT INTO usage_counters (tenant_id, period, channel, count) VALUES ($1, $2, $3, $4)
        ON CONFLICT (tenant_id, period, channel) DO UPDATE SET count = usage_counters.count + EXCLUDED.count`,
		tenantID, period, ch, n)
	return err
}

var _ UsageRepositoryInterface = (*UsageRepository)(nil)
