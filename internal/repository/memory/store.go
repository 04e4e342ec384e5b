// Package memory implements every repository contract in process. It backs
// dev mode when no DATABASE_URL is set and the service tests. All state
// sits behind one mutex, which makes each method atomic the way the
// equivalent single SQL statement is.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/repository"
	"github.com/unclebandit/salonflow-messaging/internal/segment"
)

type usageKey struct {
	tenant  uuid.UUID
	period  string
	channel model.Channel
}

type Store struct {
	mu sync.Mutex

	tenants     map[uuid.UUID]model.Tenant
	clients     map[uuid.UUID]model.Client
	templates   map[uuid.UUID]model.MessageTemplate
	campaigns   map[uuid.UUID]model.Campaign
	automations map[uuid.UUID]model.Automation
	logs        map[uuid.UUID]model.MessageLog
	logOrder    []uuid.UUID
	usage       map[usageKey]int
	replay      map[string]time.Time
	creds       map[uuid.UUID]model.ProviderCredentials

	// Now is the clock for replay expiry and log timestamps.
	Now func() time.Time
}

func New() *Store {
	return &Store{
		tenants:     map[uuid.UUID]model.Tenant{},
		clients:     map[uuid.UUID]model.Client{},
		templates:   map[uuid.UUID]model.MessageTemplate{},
		campaigns:   map[uuid.UUID]model.Campaign{},
		automations: map[uuid.UUID]model.Automation{},
		logs:        map[uuid.UUID]model.MessageLog{},
		usage:       map[usageKey]int{},
		replay:      map[string]time.Time{},
		creds:       map[uuid.UUID]model.ProviderCredentials{},
		Now:         time.Now,
	}
}

func (s *Store) Tenants() *Tenants         { return &Tenants{s} }
func (s *Store) Clients() *Clients         { return &Clients{s} }
func (s *Store) Templates() *Templates     { return &Templates{s} }
func (s *Store) Campaigns() *Campaigns     { return &Campaigns{s} }
func (s *Store) Automations() *Automations { return &Automations{s} }
func (s *Store) Logs() *Logs               { return &Logs{s} }
func (s *Store) Usage() *Usage             { return &Usage{s} }
func (s *Store) Replay() *Replay           { return &Replay{s} }
func (s *Store) Credentials() *Credentials { return &Credentials{s} }

// PutTenant and PutClient seed data owned by other subsystems.
func (s *Store) PutTenant(t model.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.tenants[t.ID] = t
}

func (s *Store) PutClient(c model.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.Tags = append([]string(nil), c.Tags...)
	s.clients[c.ID] = c
}

// PutLog inserts a log row as-is, keeping its timestamps.
func (s *Store) PutLog(l model.MessageLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	s.logs[l.ID] = l
	s.logOrder = append(s.logOrder, l.ID)
}

// AllLogs returns every log row in insertion order.
func (s *Store) AllLogs() []model.MessageLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.MessageLog, 0, len(s.logOrder))
	for _, id := range s.logOrder {
		out = append(out, s.logs[id])
	}
	return out
}

// ====================== Tenants ======================

type Tenants struct{ s *Store }

func (r *Tenants) GetByID(_ context.Context, id uuid.UUID) (*model.Tenant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tenants[id]
	if !ok {
		return nil, appErrors.NewNotFound("tenant", id)
	}
	return &t, nil
}

// ====================== Clients ======================

type Clients struct{ s *Store }

func (r *Clients) GetByID(_ context.Context, tenantID, id uuid.UUID) (*model.Client, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.clients[id]
	if !ok || c.TenantID != tenantID || c.Deleted {
		return nil, appErrors.NewNotFound("client", id)
	}
	return &c, nil
}

func (r *Clients) Count(_ context.Context, a segment.Audience) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	skip := r.s.messagedSince(a.TenantID, a.Exclude)
	n := 0
	for _, c := range r.s.clients {
		c := c
		if a.Includes(&c) && !skip[c.ID] {
			n++
		}
	}
	return n, nil
}

func (r *Clients) Find(_ context.Context, a segment.Audience, limit int) ([]*model.Client, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	skip := r.s.messagedSince(a.TenantID, a.Exclude)
	out := []*model.Client{}
	for _, c := range r.s.clients {
		c := c
		if a.Includes(&c) && !skip[c.ID] {
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ====================== Templates ======================

type Templates struct{ s *Store }

func (r *Templates) Create(_ context.Context, t *model.MessageTemplate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now()
	r.s.templates[t.ID] = *t
	return nil
}

func (r *Templates) GetByID(_ context.Context, tenantID, id uuid.UUID) (*model.MessageTemplate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.templates[id]
	if !ok || t.TenantID != tenantID {
		return nil, appErrors.NewNotFound("template", id)
	}
	return &t, nil
}

func (r *Templates) List(_ context.Context, tenantID uuid.UUID) ([]*model.MessageTemplate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.MessageTemplate{}
	for _, t := range r.s.templates {
		t := t
		if t.TenantID == tenantID {
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ====================== Campaigns ======================

type Campaigns struct{ s *Store }

func (r *Campaigns) Create(_ context.Context, c *model.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
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
	r.s.campaigns[c.ID] = *c
	return nil
}

func (r *Campaigns) GetByID(_ context.Context, tenantID, id uuid.UUID) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok || c.TenantID != tenantID {
		return nil, appErrors.NewNotFound("campaign", id)
	}
	return &c, nil
}

func (r *Campaigns) ListCampaigns(_ context.Context, tenantID uuid.UUID, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var filtered []*model.Campaign
	for _, c := range r.s.campaigns {
		c := c
		if c.TenantID != tenantID {
			continue
		}
		if channel != "" && string(c.Channel) != channel {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		filtered = append(filtered, &c)
	}
	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
		}
		return filtered[i].ID.String() > filtered[j].ID.String()
	})

	total := len(filtered)
	start := offset
	if start > total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[start:end], total, nil
}

// mutate applies fn to the tenant's campaign under the lock.
func (r *Campaigns) mutate(tenantID, id uuid.UUID, fn func(c *model.Campaign) bool) bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok || c.TenantID != tenantID {
		return false
	}
	if !fn(&c) {
		return false
	}
	now := time.Now()
	c.UpdatedAt = &now
	r.s.campaigns[id] = c
	return true
}

func (r *Campaigns) UpdateDraft(_ context.Context, in *model.Campaign) (bool, error) {
	return r.mutate(in.TenantID, in.ID, func(c *model.Campaign) bool {
		if c.Status != model.CampaignDraft {
			return false
		}
		c.Name, c.Channel, c.TemplateID = in.Name, in.Channel, in.TemplateID
		c.SegmentFilter, c.ScheduledAt = in.SegmentFilter, in.ScheduledAt
		return true
	}), nil
}

func (r *Campaigns) Delete(_ context.Context, tenantID, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok || c.TenantID != tenantID || c.Status == model.CampaignSending {
		return false, nil
	}
	delete(r.s.campaigns, id)
	return true, nil
}

func (r *Campaigns) Transition(_ context.Context, tenantID, id uuid.UUID, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	return r.mutate(tenantID, id, func(c *model.Campaign) bool {
		for _, f := range from {
			if c.Status == f {
				c.Status = to
				return true
			}
		}
		return false
	}), nil
}

func (r *Campaigns) BeginSend(_ context.Context, tenantID, id uuid.UUID, to model.CampaignStatus, recipientCount int) (bool, error) {
	return r.mutate(tenantID, id, func(c *model.Campaign) bool {
		if !c.Status.Sendable() {
			return false
		}
		c.Status = to
		c.RecipientCount, c.SentCount, c.FailedCount = recipientCount, 0, 0
		return true
	}), nil
}

func (r *Campaigns) SetQueueHandle(_ context.Context, tenantID, id uuid.UUID, handle string) error {
	r.mutate(tenantID, id, func(c *model.Campaign) bool {
		c.QueueHandle = handle
		return true
	})
	return nil
}

func (r *Campaigns) AddCounts(_ context.Context, tenantID, id uuid.UUID, sent, failed int) error {
	r.mutate(tenantID, id, func(c *model.Campaign) bool {
		c.SentCount += sent
		c.FailedCount += failed
		return true
	})
	return nil
}

func (r *Campaigns) Finalize(_ context.Context, tenantID, id uuid.UUID, at time.Time) (bool, error) {
	return r.mutate(tenantID, id, func(c *model.Campaign) bool {
		if c.Status != model.CampaignScheduled && c.Status != model.CampaignSending {
			return false
		}
		if !c.Complete() {
			return false
		}
		c.Status = model.CampaignSent
		c.CompletedAt = &at
		return true
	}), nil
}

// ====================== Automations ======================

type Automations struct{ s *Store }

func (r *Automations) Create(_ context.Context, a *model.Automation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	r.s.automations[a.ID] = *a
	return nil
}

func (r *Automations) GetByID(_ context.Context, tenantID, id uuid.UUID) (*model.Automation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.automations[id]
	if !ok || a.TenantID != tenantID {
		return nil, appErrors.NewNotFound("automation", id)
	}
	return &a, nil
}

func (r *Automations) List(_ context.Context, tenantID uuid.UUID) ([]*model.Automation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Automation{}
	for _, a := range r.s.automations {
		a := a
		if a.TenantID == tenantID {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *Automations) SetActive(_ context.Context, tenantID, id uuid.UUID, active bool) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.automations[id]
	if !ok || a.TenantID != tenantID {
		return false, nil
	}
	a.Active = active
	a.UpdatedAt = time.Now()
	r.s.automations[id] = a
	return true, nil
}

func (r *Automations) ListActive(_ context.Context, limit int) ([]*model.Automation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Automation{}
	for _, a := range r.s.automations {
		a := a
		if a.Active {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Automations) MarkRun(_ context.Context, tenantID, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.automations[id]
	if !ok || a.TenantID != tenantID {
		return appErrors.NewNotFound("automation", id)
	}
	a.LastRunAt = &at
	r.s.automations[id] = a
	return nil
}

// ====================== Message logs ======================

type Logs struct{ s *Store }

func (r *Logs) Create(_ context.Context, l *model.MessageLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = model.LogPending
	}
	l.CreatedAt = r.s.Now()
	l.UpdatedAt = l.CreatedAt
	r.s.logs[l.ID] = *l
	r.s.logOrder = append(r.s.logOrder, l.ID)
	return nil
}

// mark applies fn to the log and counts to its campaign under one lock.
func (r *Logs) mark(tenantID, id uuid.UUID, counts repository.CountDelta, fn func(l *model.MessageLog)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.logs[id]
	if !ok || l.TenantID != tenantID {
		return appErrors.NewNotFound("message log", id)
	}
	fn(&l)
	now := r.s.Now()
	l.UpdatedAt = now
	r.s.logs[id] = l

	if l.CampaignID == nil || (counts.Sent == 0 && counts.Failed == 0) {
		return nil
	}
	if c, ok := r.s.campaigns[*l.CampaignID]; ok && c.TenantID == tenantID {
		c.SentCount += counts.Sent
		c.FailedCount += counts.Failed
		c.UpdatedAt = &now
		r.s.campaigns[c.ID] = c
	}
	return nil
}

func (r *Logs) MarkSent(_ context.Context, tenantID, id uuid.UUID, providerMessageID string, at time.Time, counts repository.CountDelta) error {
	return r.mark(tenantID, id, counts, func(l *model.MessageLog) {
		l.Status, l.ProviderMessageID, l.SentAt, l.Error = model.LogSent, providerMessageID, &at, ""
	})
}

func (r *Logs) MarkFailed(_ context.Context, tenantID, id uuid.UUID, reason string, counts repository.CountDelta) error {
	return r.mark(tenantID, id, counts, func(l *model.MessageLog) {
		l.Status, l.Error = model.LogFailed, reason
	})
}

func (r *Logs) AttemptStatuses(_ context.Context, tenantID, campaignID, clientID uuid.UUID, ch model.Channel) ([]model.LogStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.LogStatus
	for _, id := range r.s.logOrder {
		l := r.s.logs[id]
		if l.TenantID == tenantID && l.CampaignID != nil && *l.CampaignID == campaignID &&
			l.ClientID == clientID && l.Channel == ch {
			out = append(out, l.Status)
		}
	}
	return out, nil
}

// messagedSince lists clients with a non-failed log tied to the automation
// named by rc. Callers hold s.mu.
func (s *Store) messagedSince(tenantID uuid.UUID, rc *segment.Recency) map[uuid.UUID]bool {
	out := map[uuid.UUID]bool{}
	if rc == nil {
		return out
	}
	for _, l := range s.logs {
		if l.TenantID == tenantID && l.AutomationID != nil && *l.AutomationID == rc.AutomationID &&
			!l.CreatedAt.Before(rc.Since) && l.Status != model.LogFailed {
			out[l.ClientID] = true
		}
	}
	return out
}

func (r *Logs) FindByProviderMessageID(_ context.Context, tenantID uuid.UUID, ch model.Channel, providerMessageID string) (uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []uuid.UUID
	for _, id := range r.s.logOrder {
		l := r.s.logs[id]
		if l.TenantID == tenantID && l.Channel == ch && l.ProviderMessageID != "" && l.ProviderMessageID == providerMessageID {
			ids = append(ids, id)
		}
	}
	if len(ids) != 1 {
		return uuid.Nil, fmt.Errorf("%w: %d rows", appErrors.ErrAmbiguousTarget, len(ids))
	}
	return ids[0], nil
}

func (r *Logs) CampaignStats(_ context.Context, tenantID, campaignID uuid.UUID) (map[model.LogStatus]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := map[model.LogStatus]int{
		model.LogPending: 0, model.LogSent: 0, model.LogFailed: 0, model.LogDelivered: 0, model.LogBounced: 0,
	}
	for _, l := range r.s.logs {
		if l.TenantID == tenantID && l.CampaignID != nil && *l.CampaignID == campaignID {
			stats[l.Status]++
		}
	}
	return stats, nil
}

func (r *Logs) ApplyCallback(_ context.Context, t repository.CallbackTarget, resolve repository.StatusResolver) (model.LogStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.logs[t.LogID]
	if !ok || l.TenantID != t.TenantID || l.ProviderMessageID != t.ProviderMessageID || l.Channel != t.Channel {
		return "", fmt.Errorf("%w: 0 rows", appErrors.ErrAmbiguousTarget)
	}
	next, err := resolve(l.Status)
	if err != nil {
		return "", err
	}
	l.Status = next
	l.UpdatedAt = time.Now()
	r.s.logs[t.LogID] = l
	return next, nil
}

// ====================== Usage ======================

type Usage struct{ s *Store }

func (r *Usage) Current(_ context.Context, tenantID uuid.UUID, period string, ch model.Channel) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.usage[usageKey{tenantID, period, ch}], nil
}

func (r *Usage) Increment(_ context.Context, tenantID uuid.UUID, period string, ch model.Channel, n int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.usage[usageKey{tenantID, period, ch}] += n
	return nil
}

// ====================== Replay cache ======================

type Replay struct{ s *Store }

func (r *Replay) Remember(_ context.Context, eventID string, expiresAt time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.Now()
	for id, exp := range r.s.replay {
		if exp.Before(now) {
			delete(r.s.replay, id)
		}
	}
	if _, seen := r.s.replay[eventID]; seen {
		return false, nil
	}
	r.s.replay[eventID] = expiresAt
	return true, nil
}

func (r *Replay) Forget(_ context.Context, eventID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.replay, eventID)
	return nil
}

// ====================== Credentials ======================

type Credentials struct{ s *Store }

func (r *Credentials) Get(_ context.Context, tenantID uuid.UUID) (*model.ProviderCredentials, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.creds[tenantID]
	if !ok {
		return nil, appErrors.NewNotFound("provider credentials", tenantID)
	}
	return &c, nil
}

func (r *Credentials) Save(_ context.Context, c *model.ProviderCredentials) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c.UpdatedAt = time.Now()
	r.s.creds[c.TenantID] = *c
	return nil
}

var (
	_ repository.TenantRepositoryInterface     = (*Tenants)(nil)
	_ repository.ClientRepositoryInterface     = (*Clients)(nil)
	_ repository.TemplateRepositoryInterface   = (*Templates)(nil)
	_ repository.CampaignRepositoryInterface   = (*Campaigns)(nil)
	_ repository.AutomationRepositoryInterface = (*Automations)(nil)
	_ repository.MessageLogRepositoryInterface = (*Logs)(nil)
	_ repository.UsageRepositoryInterface      = (*Usage)(nil)
	_ repository.ReplayCacheInterface          = (*Replay)(nil)
	_ repository.CredentialRepositoryInterface = (*Credentials)(nil)
)
