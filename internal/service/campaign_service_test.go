package service_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/service"
)

func (e *env) draft(t *testing.T, ch model.Channel, filter string) *model.Campaign {
	t.Helper()
	c, err := e.campaigns.CreateCampaign(e.ctx, e.tenant.ID, service.CampaignInput{
		Name:          "Spring promo",
		Channel:       string(ch),
		TemplateID:    e.tpl.ID,
		SegmentFilter: json.RawMessage(filter),
	})
	require.NoError(t, err)
	return c
}

func TestSendCampaign_BothChannelsBuildsOnlyReachableJobs(t *testing.T) {
	e := newEnv(t)
	e.addClient("Ana Lopez")
	e.addClient("Ben Okafor", withoutPhone)
	e.addClient("Chloe Park", emailOptedOut)

	c := e.draft(t, model.ChannelBoth, `{}`)
	res, err := e.campaigns.SendCampaign(e.ctx, e.tenant.ID, c.ID)
	require.NoError(t, err)

	assert.Equal(t, 4, res.RecipientCount)
	assert.Equal(t, 4, res.MessagesQueued)
	assert.Equal(t, model.CampaignSending, res.Status)
	assert.Equal(t, "msg-1", res.QueueHandle)
	assert.Len(t, e.queue.jobs(), 4)

	e.drain(t)

	got := e.campaign(t, c.ID)
	assert.Equal(t, model.CampaignSent, got.Status)
	assert.Equal(t, 4, got.RecipientCount)
	assert.Equal(t, 4, got.SentCount)
	assert.Equal(t, 0, got.FailedCount)
	assert.Equal(t, "msg-1", got.QueueHandle)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 4, e.sender.count())
}

func TestSendCampaign_FutureScheduleDelaysJobs(t *testing.T) {
	e := newEnv(t)
	e.addClient("Ana Lopez")
	c := e.draft(t, model.ChannelEmail, `{}`)

	at := e.now.Add(90 * time.Second)
	_, err := e.campaigns.UpdateCampaign(e.ctx, e.tenant.ID, c.ID, service.CampaignInput{
		Name: c.Name, Channel: "email", TemplateID: e.tpl.ID, ScheduledAt: &at,
	})
	require.NoError(t, err)

	res, err := e.campaigns.SendCampaign(e.ctx, e.tenant.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignScheduled, res.Status)
	require.Len(t, e.queue.msgs, 1)
	assert.Equal(t, 90*time.Second, e.queue.msgs[0].Opts.Delay)
	assert.Equal(t, 3, e.queue.msgs[0].Opts.RetryBudget)

	// The first job moves the campaign on.
	e.drain(t)
	assert.Equal(t, model.CampaignSent, e.campaign(t, c.ID).Status)
}

func TestSendCampaign_QuotaRejectedBeforeAnythingIsQueued(t *testing.T) {
	e := newEnv(t)
	e.addClient("Ana Lopez")
	e.addClient("Ben Okafor")
	require.NoError(t, e.store.Usage().Increment(e.ctx, e.tenant.ID, model.UsagePeriod(e.now), model.ChannelEmail, 1999))

	c := e.draft(t, model.ChannelEmail, `{}`)
	_, err := e.campaigns.SendCampaign(e.ctx, e.tenant.ID, c.ID)

	var qe *appErrors.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 1999, qe.Current)
	assert.Equal(t, 2, qe.Requested)
	assert.Equal(t, 2001, qe.Projected)
	assert.Equal(t, "https://billing.example/upgrade", qe.UpgradeURL)
	assert.Empty(t, e.queue.jobs())
	assert.Equal(t, model.CampaignDraft, e.campaign(t, c.ID).Status)
}

func TestSendCampaign_SMSNotInFreePlan(t *testing.T) {
	e := newEnv(t)
	e.tenant.PlanTier = model.PlanFree
	e.store.PutTenant(e.tenant)
	e.addClient("Ana Lopez")

	c := e.draft(t, model.ChannelSMS, `{}`)
	_, err := e.campaigns.SendCampaign(e.ctx, e.tenant.ID, c.ID)

	var fe *appErrors.FeatureNotInPlanError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "free", fe.Tier)
}

func TestSendCampaign_NoReachableRecipients(t *testing.T) {
	e := newEnv(t)
	e.addClient("Ana Lopez", smsOptedOut)

	c := e.draft(t, model.ChannelSMS, `{}`)
	_, err := e.campaigns.SendCampaign(e.ctx, e.tenant.ID, c.ID)

	var ve *appErrors.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, model.CampaignDraft, e.campaign(t, c.ID).Status)
}

func TestSendCampaign_RejectsSecondSend(t *testing.T) {
	e := newEnv(t)
	e.addClient("Ana Lopez")
	c := e.draft(t, model.ChannelEmail, `{}`)

	_, err := e.campaigns.SendCampaign(e.ctx, e.tenant.ID, c.ID)
	require.NoError(t, err)
	_, err = e.campaigns.SendCampaign(e.ctx, e.tenant.ID, c.ID)

	var ise *appErrors.InvalidStateError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, "sending", ise.Status)
	assert.Len(t, e.queue.jobs(), 1)
}

func TestSendCampaign_UnpublishedJobsCountAsFailed(t *testing.T) {
	e := newEnv(t)
	e.addClient("Ana Lopez")
	e.addClient("Ben Okafor")
	e.queue.failAt = map[int]bool{1: true}

	c := e.draft(t, model.ChannelEmail, `{}`)
	res, err := e.campaigns.SendCampaign(e.ctx, e.tenant.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EnqueueFailed)
	assert.Equal(t, "msg-2", res.QueueHandle)

	e.drain(t)
	got := e.campaign(t, c.ID)
	assert.Equal(t, model.CampaignSent, got.Status)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)
}

func TestSendCampaign_SegmentFilterApplies(t *testing.T) {
	e := newEnv(t)
	e.addClient("Ana Lopez", func(c *model.Client) { c.Tags = []string{"vip"} })
	e.addClient("Ben Okafor")

	c := e.draft(t, model.ChannelEmail, `{"tags":["vip"]}`)
	res, err := e.campaigns.SendCampaign(e.ctx, e.tenant.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecipientCount)
}

func TestCreateCampaign_Validation(t *testing.T) {
	e := newEnv(t)
	smsOnly := &model.MessageTemplate{TenantID: e.tenant.ID, Name: "sms", Channel: model.ChannelSMS, Body: "Hi"}
	require.NoError(t, e.store.Templates().Create(e.ctx, smsOnly))

	cases := map[string]service.CampaignInput{
		"missing name":        {Channel: "email", TemplateID: e.tpl.ID},
		"bad channel":         {Name: "x", Channel: "fax", TemplateID: e.tpl.ID},
		"unknown template":    {Name: "x", Channel: "email", TemplateID: uuid.New()},
		"template too narrow": {Name: "x", Channel: "both", TemplateID: smsOnly.ID},
		"unknown filter key":  {Name: "x", Channel: "email", TemplateID: e.tpl.ID, SegmentFilter: json.RawMessage(`{"city":"Oslo"}`)},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.campaigns.CreateCampaign(e.ctx, e.tenant.ID, in)
			var ve *appErrors.ValidationError
			assert.True(t, errors.As(err, &ve), "got %v", err)
		})
	}
}

func TestUpdateCampaign_OnlyDrafts(t *testing.T) {
	e := newEnv(t)
	e.addClient("Ana Lopez")
	c := e.draft(t, model.ChannelEmail, `{}`)

	updated, err := e.campaigns.UpdateCampaign(e.ctx, e.tenant.ID, c.ID, service.CampaignInput{
		Name: "Renamed", Channel: "email", TemplateID: e.tpl.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)

	_, err = e.campaigns.SendCampaign(e.ctx, e.tenant.ID, c.ID)
	require.NoError(t, err)
	_, err = e.campaigns.UpdateCampaign(e.ctx, e.tenant.ID, c.ID, service.CampaignInput{
		Name: "Again", Channel: "email", TemplateID: e.tpl.ID,
	})
	var ise *appErrors.InvalidStateError
	assert.True(t, errors.As(err, &ise))
}

func TestCancelCampaign(t *testing.T) {
	e := newEnv(t)
	e.addClient("Ana Lopez")

	t.Run("scheduled jobs are skipped after cancel", func(t *testing.T) {
		c := e.draft(t, model.ChannelEmail, `{}`)
		at := e.now.Add(time.Hour)
		_, err := e.campaigns.UpdateCampaign(e.ctx, e.tenant.ID, c.ID, service.CampaignInput{
			Name: c.Name, Channel: "email", TemplateID: e.tpl.ID, ScheduledAt: &at,
		})
		require.NoError(t, err)
		_, err = e.campaigns.SendCampaign(e.ctx, e.tenant.ID, c.ID)
		require.NoError(t, err)

		require.NoError(t, e.campaigns.CancelCampaign(e.ctx, e.tenant.ID, c.ID))
		e.drain(t)

		assert.Equal(t, model.CampaignCancelled, e.campaign(t, c.ID).Status)
		assert.Zero(t, e.sender.count())
	})

	t.Run("sending campaigns cannot be cancelled", func(t *testing.T) {
		c := e.sendingCampaign(t, model.ChannelEmail, 1)
		err := e.campaigns.CancelCampaign(e.ctx, e.tenant.ID, c.ID)
		var ise *appErrors.InvalidStateError
		assert.True(t, errors.As(err, &ise))
	})

	t.Run("unknown campaign", func(t *testing.T) {
		err := e.campaigns.CancelCampaign(e.ctx, e.tenant.ID, uuid.New())
		assert.True(t, appErrors.IsNotFound(err))
	})
}

func TestDeleteCampaign(t *testing.T) {
	e := newEnv(t)
	draft := e.draft(t, model.ChannelEmail, `{}`)
	require.NoError(t, e.campaigns.DeleteCampaign(e.ctx, e.tenant.ID, draft.ID))
	_, err := e.store.Campaigns().GetByID(e.ctx, e.tenant.ID, draft.ID)
	assert.True(t, appErrors.IsNotFound(err))

	sending := e.sendingCampaign(t, model.ChannelEmail, 1)
	err = e.campaigns.DeleteCampaign(e.ctx, e.tenant.ID, sending.ID)
	var ise *appErrors.InvalidStateError
	assert.True(t, errors.As(err, &ise))
}

func TestListCampaigns_Pagination(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 25; i++ {
		e.draft(t, model.ChannelEmail, `{}`)
	}
	other := e.sendingCampaign(t, model.ChannelSMS, 1)

	items, page, err := e.campaigns.ListCampaigns(e.ctx, e.tenant.ID, 2, 10, "email", "")
	require.NoError(t, err)
	assert.Len(t, items, 10)
	assert.Equal(t, service.Pagination{Page: 2, PageSize: 10, TotalCount: 25, TotalPages: 3}, page)

	items, page, err = e.campaigns.ListCampaigns(e.ctx, e.tenant.ID, 0, 500, "", "")
	require.NoError(t, err)
	assert.Len(t, items, 26)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, service.MaxPageSize, page.PageSize)

	items, page, err = e.campaigns.ListCampaigns(e.ctx, e.tenant.ID, 1, 0, "", "sending")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, other.ID, items[0].ID)
	assert.Equal(t, service.DefaultPageSize, page.PageSize)

	items, _, err = e.campaigns.ListCampaigns(e.ctx, uuid.New(), 1, 10, "", "")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestGetCampaignDetailsWithStats(t *testing.T) {
	e := newEnv(t)
	e.addClient("Ana Lopez")
	e.addClient("Ben Okafor", emailOptedOut)
	c := e.draft(t, model.ChannelEmail, `{"email_opt_in":true}`)
	_, err := e.campaigns.SendCampaign(e.ctx, e.tenant.ID, c.ID)
	require.NoError(t, err)
	e.drain(t)

	d, err := e.campaigns.GetCampaignDetailsWithStats(e.ctx, e.tenant.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Stats["total"])
	assert.Equal(t, 1, d.Stats["sent"])
	assert.Equal(t, 0, d.Stats["failed"])
	assert.Equal(t, model.CampaignSent, d.Status)
}

func TestPreviewAudience(t *testing.T) {
	e := newEnv(t)
	e.campaigns.PreviewSampleSize = 2
	for i := 0; i < 5; i++ {
		e.addClient(fmt.Sprintf("Client %d", i), func(c *model.Client) { c.VisitCount = 4 })
	}
	e.addClient("Newcomer", withoutPhone)
	e.addClient("Gone", func(c *model.Client) { c.Deleted = true; c.VisitCount = 9 })

	p, err := e.campaigns.PreviewAudience(e.ctx, e.tenant.ID, json.RawMessage(`{"min_visits":2}`))
	require.NoError(t, err)
	assert.Equal(t, 5, p.Count)
	require.Len(t, p.Sample, 2)
	assert.Equal(t, "Client 0", p.Sample[0].FullName)
	assert.True(t, p.Sample[0].HasPhone)

	p, err = e.campaigns.PreviewAudience(e.ctx, e.tenant.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, p.Count)

	p, err = e.campaigns.PreviewAudience(e.ctx, e.tenant.ID, json.RawMessage(`{"tags":["none"]}`))
	require.NoError(t, err)
	assert.Zero(t, p.Count)
	assert.Empty(t, p.Sample)

	_, err = e.campaigns.PreviewAudience(e.ctx, e.tenant.ID, json.RawMessage(`{"bogus":1}`))
	var ve *appErrors.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestRenderPreview(t *testing.T) {
	e := newEnv(t)
	client := e.addClient("Ana <b>Lopez</b>")
	c := e.draft(t, model.ChannelBoth, `{}`)

	p, err := e.campaigns.RenderPreview(e.ctx, e.tenant.ID, c.ID, client.ID, nil)
	require.NoError(t, err)
	require.Len(t, p.Messages, 2)
	assert.Equal(t, "Hi Ana", p.Messages[model.ChannelEmail].Subject)
	assert.Equal(t, "Hello Ana, see you at Studio Lumi!", p.Messages[model.ChannelSMS].Body)

	override := "Last chance, {{full_name}}"
	p, err = e.campaigns.RenderPreview(e.ctx, e.tenant.ID, c.ID, client.ID, &override)
	require.NoError(t, err)
	assert.Equal(t, "Last chance, Ana &lt;b&gt;Lopez&lt;/b&gt;", p.Messages[model.ChannelEmail].Body)
	assert.Equal(t, "Last chance, Ana Lopez", p.Messages[model.ChannelSMS].Body)

	stored, _ := e.store.Templates().GetByID(e.ctx, e.tenant.ID, e.tpl.ID)
	assert.Equal(t, e.tpl.Body, stored.Body, "override must not persist")

	_, err = e.campaigns.RenderPreview(e.ctx, e.tenant.ID, c.ID, uuid.New(), nil)
	assert.True(t, appErrors.IsNotFound(err))
}
