package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/repository"
	"github.com/unclebandit/salonflow-messaging/internal/segment"
)

func TestCampaigns_TenantScoped(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenant := uuid.New()
	c := &model.Campaign{TenantID: tenant, Name: "Spring", Channel: model.ChannelEmail}
	require.NoError(t, s.Campaigns().Create(ctx, c))

	_, err := s.Campaigns().GetByID(ctx, uuid.New(), c.ID)
	assert.True(t, appErrors.IsNotFound(err))

	got, err := s.Campaigns().GetByID(ctx, tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignDraft, got.Status)
}

func TestCampaigns_FinalizeGuard(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenant := uuid.New()
	c := &model.Campaign{TenantID: tenant, Channel: model.ChannelSMS}
	require.NoError(t, s.Campaigns().Create(ctx, c))

	ok, err := s.Campaigns().Finalize(ctx, tenant, c.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "drafts never finalize")

	ok, _ = s.Campaigns().BeginSend(ctx, tenant, c.ID, model.CampaignSending, 2)
	require.True(t, ok)
	require.NoError(t, s.Campaigns().AddCounts(ctx, tenant, c.ID, 1, 0))
	ok, _ = s.Campaigns().Finalize(ctx, tenant, c.ID, time.Now())
	assert.False(t, ok)

	require.NoError(t, s.Campaigns().AddCounts(ctx, tenant, c.ID, 0, 1))
	ok, _ = s.Campaigns().Finalize(ctx, tenant, c.ID, time.Now())
	assert.True(t, ok)
	ok, _ = s.Campaigns().Finalize(ctx, tenant, c.ID, time.Now())
	assert.False(t, ok, "already sent")

	got, _ := s.Campaigns().GetByID(ctx, tenant, c.ID)
	assert.Equal(t, model.CampaignSent, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestCampaigns_DeleteRefusesSending(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenant := uuid.New()
	c := &model.Campaign{TenantID: tenant, Status: model.CampaignSending}
	require.NoError(t, s.Campaigns().Create(ctx, c))
	ok, err := s.Campaigns().Delete(ctx, tenant, c.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClients_FindExcludesDeletedAndOtherTenants(t *testing.T) {
	s := New()
	tenant := uuid.New()
	base := time.Now()
	s.PutClient(model.Client{ID: uuid.New(), TenantID: tenant, FullName: "A", CreatedAt: base})
	s.PutClient(model.Client{ID: uuid.New(), TenantID: tenant, FullName: "B", CreatedAt: base.Add(time.Second)})
	s.PutClient(model.Client{ID: uuid.New(), TenantID: tenant, FullName: "gone", Deleted: true})
	s.PutClient(model.Client{ID: uuid.New(), TenantID: uuid.New(), FullName: "other"})

	a := segment.Filter{}.Audience(tenant, time.Now())
	n, err := s.Clients().Count(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Clients().Find(context.Background(), a, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].FullName)
}

func TestLogs_ApplyCallbackRequiresExactMatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenant := uuid.New()
	l := &model.MessageLog{TenantID: tenant, Channel: model.ChannelSMS, Status: model.LogSent, ProviderMessageID: "SM1"}
	require.NoError(t, s.Logs().Create(ctx, l))

	keep := func(cur model.LogStatus) (model.LogStatus, error) { return model.LogDelivered, nil }
	_, err := s.Logs().ApplyCallback(ctx, repository.CallbackTarget{
		LogID: l.ID, TenantID: tenant, ProviderMessageID: "SM2", Channel: model.ChannelSMS,
	}, keep)
	assert.True(t, errors.Is(err, appErrors.ErrAmbiguousTarget))

	next, err := s.Logs().ApplyCallback(ctx, repository.CallbackTarget{
		LogID: l.ID, TenantID: tenant, ProviderMessageID: "SM1", Channel: model.ChannelSMS,
	}, keep)
	require.NoError(t, err)
	assert.Equal(t, model.LogDelivered, next)
}

func TestLogs_MarkMovesCampaignCounts(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenant := uuid.New()
	c := &model.Campaign{TenantID: tenant, Channel: model.ChannelSMS}
	require.NoError(t, s.Campaigns().Create(ctx, c))

	first := &model.MessageLog{TenantID: tenant, CampaignID: &c.ID, Channel: model.ChannelSMS}
	require.NoError(t, s.Logs().Create(ctx, first))
	require.NoError(t, s.Logs().MarkFailed(ctx, tenant, first.ID, "timeout", repository.CountDelta{Failed: 1}))

	retry := &model.MessageLog{TenantID: tenant, CampaignID: &c.ID, Channel: model.ChannelSMS, Attempt: 2}
	require.NoError(t, s.Logs().Create(ctx, retry))
	require.NoError(t, s.Logs().MarkSent(ctx, tenant, retry.ID, "SM9", time.Now(), repository.CountDelta{Sent: 1, Failed: -1}))

	got, _ := s.Campaigns().GetByID(ctx, tenant, c.ID)
	assert.Equal(t, 1, got.SentCount)
	assert.Zero(t, got.FailedCount)

	err := s.Logs().MarkSent(ctx, uuid.New(), retry.ID, "SM9", time.Now(), repository.CountDelta{Sent: 1})
	assert.True(t, appErrors.IsNotFound(err))
	got, _ = s.Campaigns().GetByID(ctx, tenant, c.ID)
	assert.Equal(t, 1, got.SentCount, "a foreign tenant moves nothing")
}

func TestClients_FindSkipsRecentlyMessaged(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenant, automation := uuid.New(), uuid.New()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	reached := model.Client{ID: uuid.New(), TenantID: tenant, VisitCount: 2, CreatedAt: now}
	failed := model.Client{ID: uuid.New(), TenantID: tenant, VisitCount: 2, CreatedAt: now.Add(time.Second)}
	stale := model.Client{ID: uuid.New(), TenantID: tenant, VisitCount: 2, CreatedAt: now.Add(2 * time.Second)}
	for _, c := range []model.Client{reached, failed, stale} {
		s.PutClient(c)
	}
	s.PutLog(model.MessageLog{TenantID: tenant, AutomationID: &automation, ClientID: reached.ID, Status: model.LogSent, CreatedAt: now.Add(-time.Hour)})
	s.PutLog(model.MessageLog{TenantID: tenant, AutomationID: &automation, ClientID: failed.ID, Status: model.LogFailed, CreatedAt: now.Add(-time.Hour)})
	s.PutLog(model.MessageLog{TenantID: tenant, AutomationID: &automation, ClientID: stale.ID, Status: model.LogSent, CreatedAt: now.AddDate(0, 0, -40)})

	visits := 2
	q := segment.TriggerQuery{VisitCount: &visits, SkipMessaged: &segment.Recency{AutomationID: automation, Since: now.AddDate(0, 0, -30)}}
	found, err := s.Clients().Find(ctx, q.Audience(tenant), 0)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, failed.ID, found[0].ID)
	assert.Equal(t, stale.ID, found[1].ID)

	n, err := s.Clients().Count(ctx, q.Audience(tenant))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReplay_ExpiredEntriesAreReusable(t *testing.T) {
	s := New()
	now := time.Now()
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	fresh, _ := s.Replay().Remember(ctx, "evt", now.Add(time.Minute))
	assert.True(t, fresh)
	fresh, _ = s.Replay().Remember(ctx, "evt", now.Add(time.Minute))
	assert.False(t, fresh)

	now = now.Add(2 * time.Minute)
	fresh, _ = s.Replay().Remember(ctx, "evt", now.Add(time.Minute))
	assert.True(t, fresh)
}

func TestUsage_Increment(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenant := uuid.New()
	require.NoError(t, s.Usage().Increment(ctx, tenant, "2025-01", model.ChannelSMS, 3))
	require.NoError(t, s.Usage().Increment(ctx, tenant, "2025-01", model.ChannelSMS, 2))
	n, _ := s.Usage().Current(ctx, tenant, "2025-01", model.ChannelSMS)
	assert.Equal(t, 5, n)
	n, _ = s.Usage().Current(ctx, tenant, "2025-02", model.ChannelSMS)
	assert.Zero(t, n)
}
