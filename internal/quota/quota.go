// Package quota implements the pre-flight monthly send-limit check.
//
// The check is an estimate: it reads the current usage counter and compares
// current+requested against the plan limit. It does not reserve capacity, so
// concurrent sends for the same tenant can jointly overshoot the limit.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/monitoring"
)

// Unlimited marks a (tier, channel) pair without a monthly cap.
const Unlimited = -1

type Key struct {
	Tier    model.PlanTier
	Channel model.Channel
}

// LimitTable maps (tier, channel) to a monthly send allowance. A limit of
// zero means the channel is not part of the plan.
type LimitTable map[Key]int

// DefaultLimits is the plan table the billing side publishes.
func DefaultLimits() LimitTable {
	return LimitTable{
		{model.PlanFree, model.ChannelEmail}:       200,
		{model.PlanFree, model.ChannelSMS}:         0,
		{model.PlanStarter, model.ChannelEmail}:    2000,
		{model.PlanStarter, model.ChannelSMS}:      200,
		{model.PlanPro, model.ChannelEmail}:        10000,
		{model.PlanPro, model.ChannelSMS}:          1000,
		{model.PlanEnterprise, model.ChannelEmail}: Unlimited,
		{model.PlanEnterprise, model.ChannelSMS}:   Unlimited,
	}
}

func (t LimitTable) Limit(tier model.PlanTier, ch model.Channel) (int, bool) {
	if tier == model.PlanEnterprise {
		return Unlimited, true
	}
	l, ok := t[Key{tier, ch}]
	return l, ok
}

type UsageReader interface {
	Current(ctx context.Context, tenantID uuid.UUID, period string, ch model.Channel) (int, error)
}

type TenantReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error)
}

type Guard struct {
	Limits     LimitTable
	Usage      UsageReader
	Tenants    TenantReader
	UpgradeURL string
	Now        func() time.Time
}

func NewGuard(limits LimitTable, usage UsageReader, tenants TenantReader, upgradeURL string) *Guard {
	return &Guard{Limits: limits, Usage: usage, Tenants: tenants, UpgradeURL: upgradeURL, Now: time.Now}
}

// Decision carries the figures behind an allow/reject outcome.
type Decision struct {
	Allowed    bool
	Channel    model.Channel
	Current    int
	Requested  int
	Limit      int
	Projected  int
	UpgradeURL string
}

func (d Decision) Unlimited() bool { return d.Limit == Unlimited }

// Err returns a QuotaExceededError for a rejected decision, nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &appErrors.QuotaExceededError{
		Channel:    string(d.Channel),
		Current:    d.Current,
		Requested:  d.Requested,
		Limit:      d.Limit,
		Projected:  d.Projected,
		UpgradeURL: d.UpgradeURL,
	}
}

// Check evaluates one channel. A channel outside the tenant's plan yields a
// FeatureNotInPlanError rather than a decision.
func (g *Guard) Check(ctx context.Context, tenantID uuid.UUID, ch model.Channel, requested int) (Decision, error) {
	tenant, err := g.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("quota: load tenant: %w", err)
	}

	limit, ok := g.Limits.Limit(tenant.PlanTier, ch)
	if !ok {
		return Decision{}, fmt.Errorf("quota: no limit configured for tier %s channel %s", tenant.PlanTier, ch)
	}
	if limit == 0 {
		return Decision{}, &appErrors.FeatureNotInPlanError{
			Feature:    string(ch) + " messaging",
			Tier:       string(tenant.PlanTier),
			UpgradeURL: g.UpgradeURL,
		}
	}

	d := Decision{Allowed: true, Channel: ch, Requested: requested, Limit: limit, UpgradeURL: g.UpgradeURL}
	if limit == Unlimited {
		d.Projected = requested
		return d, nil
	}

	current, err := g.Usage.Current(ctx, tenantID, model.UsagePeriod(g.now()), ch)
	if err != nil {
		return Decision{}, fmt.Errorf("quota: read usage: %w", err)
	}
	d.Current = current
	d.Projected = current + requested
	d.Allowed = d.Projected <= limit
	return d, nil
}

// Enforce checks every channel with a non-zero request and returns the first
// rejection as an error. Channels are checked email first, then sms.
func (g *Guard) Enforce(ctx context.Context, tenantID uuid.UUID, requested map[model.Channel]int) error {
	for _, ch := range model.ChannelBoth.Expand() {
		n := requested[ch]
		if n == 0 {
			continue
		}
		d, err := g.Check(ctx, tenantID, ch, n)
		if err != nil {
			return err
		}
		if !d.Allowed {
			monitoring.QuotaRejections.WithLabelValues(string(ch)).Inc()
			return d.Err()
		}
	}
	return nil
}

func (g *Guard) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}
