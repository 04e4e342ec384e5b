package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/salonflow-messaging/internal/dispatch"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/provider"
	"github.com/unclebandit/salonflow-messaging/internal/queue"
	"github.com/unclebandit/salonflow-messaging/internal/quota"
	"github.com/unclebandit/salonflow-messaging/internal/repository/memory"
	"github.com/unclebandit/salonflow-messaging/internal/service"
	"github.com/unclebandit/salonflow-messaging/internal/template"
)

// ====================== Fakes ======================

type published struct {
	Topic string
	Job   model.WorkerJob
	Opts  queue.PublishOptions
}

type recordingQueue struct {
	mu   sync.Mutex
	msgs []published
	// failAt makes the n-th publish (1-based) fail.
	failAt map[int]bool
	calls  int
}

func (q *recordingQueue) Publish(_ context.Context, topic string, body []byte, opts queue.PublishOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.failAt[q.calls] {
		return "", errors.New("broker unavailable")
	}
	job, err := model.UnmarshalWorkerJob(body)
	if err != nil {
		return "", err
	}
	q.msgs = append(q.msgs, published{Topic: topic, Job: job, Opts: opts})
	return fmt.Sprintf("msg-%d", q.calls), nil
}

func (q *recordingQueue) Subscribe(context.Context, string, queue.Handler) error { return nil }

func (q *recordingQueue) jobs() []model.WorkerJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.WorkerJob, len(q.msgs))
	for i, m := range q.msgs {
		out[i] = m.Job
	}
	return out
}

type fakeSender struct {
	mu   sync.Mutex
	sent []provider.Outgoing
	// errs are returned by successive calls before sends start succeeding.
	errs []error
}

func (s *fakeSender) Send(_ context.Context, msg provider.Outgoing) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return "", err
	}
	s.sent = append(s.sent, msg)
	return fmt.Sprintf("SM%d", len(s.sent)), nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type staticResolver struct{ sender provider.Sender }

func (r staticResolver) SenderFor(context.Context, uuid.UUID, model.Channel) (provider.Sender, error) {
	return r.sender, nil
}

// ====================== Environment ======================

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

type env struct {
	ctx    context.Context
	store  *memory.Store
	now    time.Time
	tenant model.Tenant
	tpl    *model.MessageTemplate
	queue  *recordingQueue
	sender *fakeSender
	guard  *quota.Guard

	campaigns *service.CampaignService
	worker    *service.DeliveryWorker
	scanner   *service.AutomationScanner

	seq int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		ctx:    context.Background(),
		store:  memory.New(),
		now:    testNow,
		queue:  &recordingQueue{},
		sender: &fakeSender{},
	}
	clock := func() time.Time { return e.now }
	e.store.Now = clock

	e.tenant = model.Tenant{ID: uuid.New(), Name: "Studio Lumi", Phone: "+15550100", PlanTier: model.PlanStarter}
	e.store.PutTenant(e.tenant)

	e.tpl = &model.MessageTemplate{
		TenantID: e.tenant.ID,
		Name:     "Spring",
		Channel:  model.ChannelBoth,
		Subject:  "Hi {{first_name}}",
		Body:     "Hello {{first_name}}, see you at {{salon_name}}!",
	}
	require.NoError(t, e.store.Templates().Create(e.ctx, e.tpl))

	renderer := template.NewRenderer("", time.UTC)
	renderer.Now = clock

	e.guard = quota.NewGuard(quota.DefaultLimits(), e.store.Usage(), e.store.Tenants(), "https://billing.example/upgrade")
	e.guard.Now = clock

	dispatcher := dispatch.NewDispatcher(e.queue, 3)
	dispatcher.Now = clock

	e.campaigns = &service.CampaignService{
		CampaignRepo: e.store.Campaigns(),
		ClientRepo:   e.store.Clients(),
		TemplateRepo: e.store.Templates(),
		TenantRepo:   e.store.Tenants(),
		LogRepo:      e.store.Logs(),
		Quota:        e.guard,
		Dispatcher:   dispatcher,
		Renderer:     renderer,
		Now:          clock,
	}
	e.worker = &service.DeliveryWorker{
		CampaignRepo: e.store.Campaigns(),
		ClientRepo:   e.store.Clients(),
		TemplateRepo: e.store.Templates(),
		TenantRepo:   e.store.Tenants(),
		LogRepo:      e.store.Logs(),
		UsageRepo:    e.store.Usage(),
		Senders:      staticResolver{sender: e.sender},
		Renderer:     renderer,
		Now:          clock,
	}
	e.scanner = &service.AutomationScanner{
		AutomationRepo: e.store.Automations(),
		CampaignRepo:   e.store.Campaigns(),
		ClientRepo:     e.store.Clients(),
		TemplateRepo:   e.store.Templates(),
		Quota:          e.guard,
		Dispatcher:     dispatcher,
		Now:            clock,
	}
	return e
}

// addClient seeds an active client reachable on both channels unless mods
// say otherwise. Creation times increase so audience order is stable.
func (e *env) addClient(name string, mods ...func(*model.Client)) *model.Client {
	e.seq++
	c := model.Client{
		ID:         uuid.New(),
		TenantID:   e.tenant.ID,
		FullName:   name,
		Email:      fmt.Sprintf("client%d@example.com", e.seq),
		Phone:      fmt.Sprintf("+1555000%04d", e.seq),
		EmailOptIn: true,
		SMSOptIn:   true,
		CreatedAt:  testNow.Add(-time.Duration(1000-e.seq) * time.Minute),
	}
	for _, m := range mods {
		m(&c)
	}
	e.store.PutClient(c)
	return &c
}

// sendingCampaign stores a campaign already accepted for delivery.
func (e *env) sendingCampaign(t *testing.T, ch model.Channel, recipients int) *model.Campaign {
	t.Helper()
	c := &model.Campaign{TenantID: e.tenant.ID, Name: "Direct", Channel: ch, TemplateID: e.tpl.ID}
	require.NoError(t, e.store.Campaigns().Create(e.ctx, c))
	ok, err := e.store.Campaigns().BeginSend(e.ctx, e.tenant.ID, c.ID, model.CampaignSending, recipients)
	require.NoError(t, err)
	require.True(t, ok)
	return e.campaign(t, c.ID)
}

func (e *env) campaign(t *testing.T, id uuid.UUID) *model.Campaign {
	t.Helper()
	c, err := e.store.Campaigns().GetByID(e.ctx, e.tenant.ID, id)
	require.NoError(t, err)
	return c
}

// drain runs every published job through the worker once.
func (e *env) drain(t *testing.T) {
	t.Helper()
	for _, job := range e.queue.jobs() {
		_, err := e.worker.Process(e.ctx, job, 1)
		require.NoError(t, err)
	}
}

func withoutPhone(c *model.Client)  { c.Phone = "" }
func emailOptedOut(c *model.Client) { c.EmailOptIn = false }
func smsOptedOut(c *model.Client)   { c.SMSOptIn = false }
func lastVisit(t time.Time) func(*model.Client) {
	return func(c *model.Client) { c.LastVisitAt = &t }
}
func birthday(y int, m time.Month, d int) func(*model.Client) {
	return func(c *model.Client) {
		b := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		c.Birthday = &b
	}
}
