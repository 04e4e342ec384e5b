package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
)

type TenantRepository struct {
	DB *pgxpool.Pool
}

func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	var t model.Tenant
	err := r.DB.QueryRow(ctx, `
        SELECT id, name, slug, COALESCE(phone, ''), plan_tier, created_at FROM tenants WHERE id=$1`, id).
		Scan(&t.ID, &t.Name, &t.Slug, &t.Phone, &t.PlanTier, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appErrors.NewNotFound("tenant", id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedTenantRepository is a read-through redis cache in front of the
// tenant table. The worker and quota check read tenant display and plan
// fields on every job. Cache failures fall back to the database.
type CachedTenantRepository struct {
	Next  TenantRepositoryInterface
	Redis RedisClient
	TTL   time.Duration
}

func NewCachedTenantRepository(next TenantRepositoryInterface, rdb RedisClient, ttl time.Duration) *CachedTenantRepository {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedTenantRepository{Next: next, Redis: rdb, TTL: ttl}
}

func tenantKey(id uuid.UUID) string {
	return fmt.Sprintf("tenant:%s", id.String())
}

func (r *CachedTenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	key := tenantKey(id)
	cached, err := r.Redis.Get(ctx, key).Result()
	if err == nil {
		tenant := &model.Tenant{}
		if err := json.Unmarshal([]byte(cached), tenant); err == nil {
			return tenant, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		log.Warn().Err(err).Str("tenant_id", id.String()).Msg("Tenant cache read failed")
	}

	tenant, err := r.Next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(tenant)
	if err == nil {
		if err := r.Redis.SetEx(ctx, key, data, r.TTL).Err(); err != nil {
			log.Warn().Err(err).Str("tenant_id", id.String()).Msg("Tenant cache write failed")
		}
	}
	return tenant, nil
}

// Invalidate drops the cached copy, e.g. after a plan change.
func (r *CachedTenantRepository) Invalidate(ctx context.Context, id uuid.UUID) error {
	return r.Redis.Del(ctx, tenantKey(id)).Err()
}

var (
	_ TenantRepositoryInterface = (*TenantRepository)(nil)
	_ TenantRepositoryInterface = (*CachedTenantRepository)(nil)
)
