package repository

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DefaultSweepEvery is how many Remember calls pass between sweeps of
// expired replay entries.
const DefaultSweepEvery = 100

// ReplayCache stores webhook event ids in Postgres. An insert conflict with
// an unexpired row means the event was already seen.
type ReplayCache struct {
	DB         *pgxpool.Pool
	SweepEvery int64
	calls      atomic.Int64
}

func (r *ReplayCache) Remember(ctx context.Context, eventID string, expiresAt time.Time) (bool, error) {
	if r.shouldSweep() {
		if tag, err := r.DB.Exec(ctx, `DELETE FROM webhook_replay_cache WHERE expires_at < NOW()`); err != nil {
			log.Warn().Err(err).Msg("Replay cache sweep failed")
		} else if n := tag.RowsAffected(); n > 0 {
			log.Debug().Int64("removed", n).Msg("Replay cache swept")
		}
	}

	// An expired row is taken over in place rather than treated as a replay.
	tag, err := r.DB.Exec(ctx, `
        INSERT INTO webhook_replay_cache (event_id, expires_at) VALUES ($1, $2)
        ON CONFLICT (event_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
        WHERE webhook_replay_cache.expires_at < NOW()`, eventID, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ReplayCache) Forget(ctx context.Context, eventID string) error {
	_, err := r.DB.Exec(ctx, `DELETE FROM webhook_replay_cache WHERE event_id=$1`, eventID)
	return err
}

func (r *ReplayCache) shouldSweep() bool {
	every := r.SweepEvery
	if every <= 0 {
		every = DefaultSweepEvery
	}
	return r.calls.Add(1)%every == 0
}

var _ ReplayCacheInterface = (*ReplayCache)(nil)
