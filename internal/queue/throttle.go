package queue

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Throttle keeps one token bucket per key so a single tenant's burst cannot
// starve the others.
type Throttle struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewThrottle returns nil when perSecond is not positive, which disables
// throttling.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *Throttle) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[key] = l
	}
	return l
}

func (t *Throttle) Wait(ctx context.Context, key string) error {
	if t == nil {
		return nil
	}
	return t.limiter(key).Wait(ctx)
}

// Wrap returns a handler that waits for the message key's token first.
func (t *Throttle) Wrap(h Handler) Handler {
	if t == nil {
		return h
	}
	return func(ctx context.Context, msg Message) error {
		if err := t.Wait(ctx, msg.Key); err != nil {
			return err
		}
		return h(ctx, msg)
	}
}
