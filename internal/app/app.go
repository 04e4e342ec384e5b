// Package app wires configuration into repositories, the queue and the
// services shared by every command.
package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/unclebandit/salonflow-messaging/internal/config"
	"github.com/unclebandit/salonflow-messaging/internal/controller"
	"github.com/unclebandit/salonflow-messaging/internal/crypto"
	"github.com/unclebandit/salonflow-messaging/internal/db"
	"github.com/unclebandit/salonflow-messaging/internal/dispatch"
	"github.com/unclebandit/salonflow-messaging/internal/handler"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/provider"
	"github.com/unclebandit/salonflow-messaging/internal/queue"
	"github.com/unclebandit/salonflow-messaging/internal/quota"
	"github.com/unclebandit/salonflow-messaging/internal/repository"
	"github.com/unclebandit/salonflow-messaging/internal/repository/memory"
	"github.com/unclebandit/salonflow-messaging/internal/service"
	"github.com/unclebandit/salonflow-messaging/internal/template"
)

// DemoTenantID is seeded into the in-memory store so a dev server is usable
// without a database.
var DemoTenantID = uuid.MustParse("5a1f0000-0000-4000-8000-000000000001")

// Repositories is the full set of storage contracts.
type Repositories struct {
	Tenants     repository.TenantRepositoryInterface
	Clients     repository.ClientRepositoryInterface
	Templates   repository.TemplateRepositoryInterface
	Campaigns   repository.CampaignRepositoryInterface
	Automations repository.AutomationRepositoryInterface
	Logs        repository.MessageLogRepositoryInterface
	Usage       repository.UsageRepositoryInterface
	Replay      repository.ReplayCacheInterface
	Credentials repository.CredentialRepositoryInterface
}

// PostgresRepositories builds the pgx repositories over one pool.
func PostgresRepositories(pool *pgxpool.Pool) Repositories {
	return Repositories{
		Tenants:     &repository.TenantRepository{DB: pool},
		Clients:     &repository.ClientRepository{DB: pool},
		Templates:   &repository.TemplateRepository{DB: pool},
		Campaigns:   &repository.CampaignRepository{DB: pool},
		Automations: &repository.AutomationRepository{DB: pool},
		Logs:        &repository.MessageLogRepository{DB: pool},
		Usage:       &repository.UsageRepository{DB: pool},
		Replay:      &repository.ReplayCache{DB: pool},
		Credentials: &repository.CredentialRepository{DB: pool},
	}
}

// MemoryRepositories exposes an in-memory store through the same contracts.
func MemoryRepositories(s *memory.Store) Repositories {
	return Repositories{
		Tenants:     s.Tenants(),
		Clients:     s.Clients(),
		Templates:   s.Templates(),
		Campaigns:   s.Campaigns(),
		Automations: s.Automations(),
		Logs:        s.Logs(),
		Usage:       s.Usage(),
		Replay:      s.Replay(),
		Credentials: s.Credentials(),
	}
}

// Deps holds everything the commands share.
type Deps struct {
	Config     *config.Config
	Repos      Repositories
	Queue      queue.Queue
	Vault      *crypto.Vault
	Renderer   *template.Renderer
	Quota      *quota.Guard
	Dispatcher *dispatch.Dispatcher
	Senders    *provider.Resolver
	Throttle   *queue.Throttle

	pool     *pgxpool.Pool
	redis    *redis.Client
	memQueue *queue.InMemoryQueue
	closers  []func()
}

// Build connects to whatever infrastructure cfg names and falls back to
// in-process implementations in dev mode.
func Build(ctx context.Context, cfg *config.Config) (*Deps, error) {
	d := &Deps{
		Config:   cfg,
		Renderer: template.NewRenderer(cfg.DateLayout, cfg.Location()),
		Throttle: queue.NewThrottle(cfg.SendRatePerTenant, cfg.SendBurstPerTenant),
	}
	if err := d.buildStorage(ctx); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.buildQueue(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.buildVault(); err != nil {
		d.Close()
		return nil, err
	}

	d.Quota = quota.NewGuard(quota.DefaultLimits(), d.Repos.Usage, d.Repos.Tenants, cfg.UpgradeURL)
	d.Dispatcher = dispatch.NewDispatcher(d.Queue, cfg.QueueRetryBudget)
	d.Senders = provider.NewResolver(d.Repos.Credentials, d.Vault, provider.SMTPDefaults{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, cfg.StatusCallbackURL())
	if cfg.DevMode() {
		d.Senders.Fallback = func(ch model.Channel) provider.Sender {
			return provider.LogSender{Channel: string(ch)}
		}
	}
	return d, nil
}

func (d *Deps) buildStorage(ctx context.Context) error {
	cfg := d.Config
	if cfg.DatabaseURL == "" {
		if !cfg.DevMode() {
			return fmt.Errorf("DATABASE_URL is required outside development")
		}
		store := memory.New()
		seedDemo(store)
		d.Repos = MemoryRepositories(store)
		log.Warn().Str("tenant_id", DemoTenantID.String()).Msg("Using in-memory store with demo tenant")
		return nil
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	d.pool = pool
	d.closers = append(d.closers, pool.Close)
	d.Repos = PostgresRepositories(pool)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		d.redis = rdb
		d.closers = append(d.closers, func() { rdb.Close() })
		d.Repos.Tenants = repository.NewCachedTenantRepository(d.Repos.Tenants, rdb, cfg.TenantCacheTTL)
		log.Info().Msg("Tenant cache enabled")
	}
	return nil
}

func (d *Deps) buildQueue() error {
	cfg := d.Config
	if cfg.AMQPURL == "" {
		if !cfg.DevMode() {
			return fmt.Errorf("AMQP_URL is required outside development")
		}
		mq := queue.NewInMemoryQueue()
		d.memQueue = mq
		d.Queue = mq
		d.closers = append(d.closers, mq.Close)
		log.Warn().Msg("Using in-memory queue")
		return nil
	}

	aq, err := queue.NewAMQPQueue(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPPrefetch)
	if err != nil {
		return err
	}
	d.Queue = aq
	d.closers = append(d.closers, func() {
		if err := aq.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close AMQP connection")
		}
	})
	return nil
}

func (d *Deps) buildVault() error {
	if d.Config.VaultKey != "" {
		v, err := crypto.NewVaultFromBase64(d.Config.VaultKey)
		if err != nil {
			return err
		}
		d.Vault = v
		return nil
	}
	// Dev only: secrets saved with this key do not survive a restart.
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate vault key: %w", err)
	}
	v, err := crypto.NewVault(key)
	if err != nil {
		return err
	}
	log.Warn().Msg("VAULT_KEY not set, using an ephemeral key")
	d.Vault = v
	return nil
}

// Close releases connections in reverse order of acquisition.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// Ping checks the backing services.
func (d *Deps) Ping(ctx context.Context) error {
	if d.pool != nil {
		if err := d.pool.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if d.redis != nil {
		if err := d.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// InProcessQueue reports whether jobs stay inside this process, in which
// case the caller must also run the delivery worker.
func (d *Deps) InProcessQueue() bool { return d.memQueue != nil }

// ====================== Services ======================

func (d *Deps) CampaignService() *service.CampaignService {
	return &service.CampaignService{
		CampaignRepo:      d.Repos.Campaigns,
		ClientRepo:        d.Repos.Clients,
		TemplateRepo:      d.Repos.Templates,
		TenantRepo:        d.Repos.Tenants,
		LogRepo:           d.Repos.Logs,
		Quota:             d.Quota,
		Dispatcher:        d.Dispatcher,
		Renderer:          d.Renderer,
		PreviewSampleSize: d.Config.PreviewSampleSize,
	}
}

func (d *Deps) DeliveryWorker() *service.DeliveryWorker {
	return &service.DeliveryWorker{
		CampaignRepo: d.Repos.Campaigns,
		ClientRepo:   d.Repos.Clients,
		TemplateRepo: d.Repos.Templates,
		TenantRepo:   d.Repos.Tenants,
		LogRepo:      d.Repos.Logs,
		UsageRepo:    d.Repos.Usage,
		Senders:      d.Senders,
		Renderer:     d.Renderer,
	}
}

func (d *Deps) AutomationScanner() *service.AutomationScanner {
	return &service.AutomationScanner{
		AutomationRepo: d.Repos.Automations,
		CampaignRepo:   d.Repos.Campaigns,
		ClientRepo:     d.Repos.Clients,
		TemplateRepo:   d.Repos.Templates,
		Quota:          d.Quota,
		Dispatcher:     d.Dispatcher,
		Config: service.ScannerConfig{
			MaxAutomations: d.Config.AutomationMaxPerRun,
			MaxRecipients:  d.Config.AutomationMaxRecipients,
			JobBudget:      d.Config.AutomationJobBudget,
			DedupeWindow:   d.Config.AutomationDedupeWindow,
			Location:       d.Config.Location(),
		},
	}
}

func (d *Deps) WebhookReconciler() *service.WebhookReconciler {
	return &service.WebhookReconciler{
		LogRepo:      d.Repos.Logs,
		ReplayRepo:   d.Repos.Replay,
		Secret:       []byte(d.Config.WebhookSecret),
		TwilioTokens: d.Senders,
		Window:       d.Config.WebhookReplayWindow,
		ReplayTTL:    d.Config.WebhookReplayTTL,
	}
}

// StartWorker subscribes the delivery worker to the delivery topic behind
// the per-tenant throttle.
func (d *Deps) StartWorker(ctx context.Context) error {
	w := d.DeliveryWorker()
	return d.Queue.Subscribe(ctx, queue.DeliveryTopic, d.Throttle.Wrap(w.HandleMessage))
}

// API assembles the HTTP surface.
func (d *Deps) API() handler.API {
	return handler.API{
		Campaigns: &controller.CampaignController{CampaignService: d.CampaignService()},
		Templates: &handler.TemplateHandler{Service: &service.TemplateService{TemplateRepo: d.Repos.Templates}},
		Automations: &handler.AutomationHandler{Service: &service.AutomationService{
			AutomationRepo: d.Repos.Automations,
			TemplateRepo:   d.Repos.Templates,
		}},
		Settings: &handler.SettingsHandler{Service: &service.CredentialService{
			CredentialRepo: d.Repos.Credentials,
			Vault:          d.Vault,
		}},
		Webhooks: &handler.WebhookHandler{
			Reconciler:    d.WebhookReconciler(),
			PublicBaseURL: d.Config.PublicBaseURL,
		},
		Health: func(r *http.Request) error {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			return d.Ping(ctx)
		},
	}
}

func seedDemo(s *memory.Store) {
	s.PutTenant(model.Tenant{ID: DemoTenantID, Name: "Demo Salon", Slug: "demo-salon", PlanTier: model.PlanStarter})
	lastVisit := time.Now().AddDate(0, 0, -45)
	s.PutClient(model.Client{
		ID: uuid.New(), TenantID: DemoTenantID, FullName: "Ada Lindqvist",
		Email: "ada@example.com", Phone: "+4712345678", EmailOptIn: true, SMSOptIn: true,
		Tags: []string{"vip"}, VisitCount: 12, LastVisitAt: &lastVisit, TotalSpent: decimal.NewFromInt(4200),
	})
	s.PutClient(model.Client{
		ID: uuid.New(), TenantID: DemoTenantID, FullName: "Jonas Berg",
		Email: "jonas@example.com", EmailOptIn: true, VisitCount: 2, TotalSpent: decimal.NewFromInt(650),
	})
}
