package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/salonflow-messaging/internal/controller"
	"github.com/unclebandit/salonflow-messaging/internal/dispatch"
	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/queue"
	"github.com/unclebandit/salonflow-messaging/internal/quota"
	"github.com/unclebandit/salonflow-messaging/internal/repository/memory"
	"github.com/unclebandit/salonflow-messaging/internal/service"
	"github.com/unclebandit/salonflow-messaging/internal/template"
)

type countingQueue struct{ n int }

func (q *countingQueue) Publish(context.Context, string, []byte, queue.PublishOptions) (string, error) {
	q.n++
	return fmt.Sprintf("msg-%d", q.n), nil
}

func (q *countingQueue) Subscribe(context.Context, string, queue.Handler) error { return nil }

type apiFixture struct {
	store  *memory.Store
	tenant uuid.UUID
	tpl    *model.MessageTemplate
	queue  *countingQueue
	router http.Handler
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{store: memory.New(), tenant: uuid.New(), queue: &countingQueue{}}
	f.store.PutTenant(model.Tenant{ID: f.tenant, Name: "Studio Lumi", PlanTier: model.PlanStarter})
	f.tpl = &model.MessageTemplate{TenantID: f.tenant, Name: "Spring", Channel: model.ChannelBoth, Subject: "Hi", Body: "Hello {{first_name}}"}
	require.NoError(t, f.store.Templates().Create(context.Background(), f.tpl))

	svc := &service.CampaignService{
		CampaignRepo: f.store.Campaigns(),
		ClientRepo:   f.store.Clients(),
		TemplateRepo: f.store.Templates(),
		TenantRepo:   f.store.Tenants(),
		LogRepo:      f.store.Logs(),
		Quota:        quota.NewGuard(quota.DefaultLimits(), f.store.Usage(), f.store.Tenants(), "https://billing.example/upgrade"),
		Dispatcher:   dispatch.NewDispatcher(f.queue, 3),
		Renderer:     template.NewRenderer("", time.UTC),
	}
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(controller.RequireTenant)
		(&controller.CampaignController{CampaignService: svc}).Routes(r)
	})
	f.router = r
	return f
}

func (f *apiFixture) addClient(name string) uuid.UUID {
	id := uuid.New()
	f.store.PutClient(model.Client{
		ID: id, TenantID: f.tenant, FullName: name, Email: name + "@example.com", EmailOptIn: true,
	})
	return id
}

func (f *apiFixture) do(method, path string, body any, tenant uuid.UUID) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			_ = json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != uuid.Nil {
		req.Header.Set(controller.TenantHeader, tenant.String())
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (f *apiFixture) createCampaign(t *testing.T, channel string) string {
	t.Helper()
	w := f.do(http.MethodPost, "/campaigns", map[string]any{
		"name": "Spring", "channel": channel, "template_id": f.tpl.ID, "segment_filter": map[string]any{},
	}, f.tenant)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["id"].(string)
}

func TestCampaignAPI_CreateSendAndFetch(t *testing.T) {
	f := newAPI(t)
	f.addClient("ana")
	f.addClient("ben")
	id := f.createCampaign(t, "email")

	w := f.do(http.MethodPost, "/campaigns/"+id+"/send", nil, f.tenant)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	res := decode(t, w)
	assert.Equal(t, "sending", res["status"])
	assert.Equal(t, float64(2), res["recipient_count"])
	assert.Equal(t, "msg-1", res["queue_handle"])

	w = f.do(http.MethodGet, "/campaigns/"+id, nil, f.tenant)
	require.Equal(t, http.StatusOK, w.Code)
	details := decode(t, w)
	assert.Equal(t, "sending", details["status"])
	assert.Contains(t, details, "stats")

	w = f.do(http.MethodPost, "/campaigns/"+id+"/send", nil, f.tenant)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "sending", decode(t, w)["status"])

	w = f.do(http.MethodDelete, "/campaigns/"+id, nil, f.tenant)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCampaignAPI_TenantIsolation(t *testing.T) {
	f := newAPI(t)
	id := f.createCampaign(t, "email")

	w := f.do(http.MethodGet, "/campaigns/"+id, nil, uuid.Nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/campaigns/"+id, nil, uuid.New())
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/campaigns/not-a-uuid", nil, f.tenant)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCampaignAPI_Validation(t *testing.T) {
	f := newAPI(t)

	w := f.do(http.MethodPost, "/campaigns", `{"name":`, f.tenant)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/campaigns", map[string]any{"name": "x", "channel": "email", "template_id": f.tpl.ID, "audience": "all"}, f.tenant)
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown body fields are rejected")

	w = f.do(http.MethodPost, "/campaigns", map[string]any{"name": "x", "channel": "pigeon", "template_id": f.tpl.ID}, f.tenant)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "channel", decode(t, w)["field"])

	w = f.do(http.MethodPost, "/segments/preview", map[string]any{"segment_filter": map[string]any{"zip": "0150"}}, f.tenant)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCampaignAPI_QuotaRejection(t *testing.T) {
	f := newAPI(t)
	f.addClient("ana")
	require.NoError(t, f.store.Usage().Increment(context.Background(), f.tenant, model.UsagePeriod(time.Now()), model.ChannelEmail, 2000))
	id := f.createCampaign(t, "email")

	w := f.do(http.MethodPost, "/campaigns/"+id+"/send", nil, f.tenant)
	require.Equal(t, http.StatusForbidden, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2001), body["projected"])
	assert.Equal(t, float64(2000), body["limit"])
	assert.Equal(t, "https://billing.example/upgrade", body["upgrade_url"])
	assert.Zero(t, f.queue.n)
}

func TestCampaignAPI_ListPagination(t *testing.T) {
	f := newAPI(t)
	for i := 0; i < 3; i++ {
		f.createCampaign(t, "sms")
	}
	f.createCampaign(t, "email")

	w := f.do(http.MethodGet, "/campaigns?page=2&page_size=2&channel=sms", nil, f.tenant)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, map[string]any{
		"page": float64(2), "page_size": float64(2), "total_count": float64(3), "total_pages": float64(2),
	}, body["pagination"])
}

func TestCampaignAPI_CancelAndPreviews(t *testing.T) {
	f := newAPI(t)
	client := f.addClient("ana")
	id := f.createCampaign(t, "both")

	w := f.do(http.MethodPost, "/campaigns/"+id+"/personalized-preview", map[string]any{"client_id": client}, f.tenant)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	msgs := decode(t, w)["messages"].(map[string]any)
	assert.Equal(t, "Hello ana", msgs["email"].(map[string]any)["body"])

	w = f.do(http.MethodGet, "/campaigns/"+id+"/audience", nil, f.tenant)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = f.do(http.MethodPost, "/campaigns/"+id+"/cancel", nil, f.tenant)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(http.MethodPost, "/campaigns/"+id+"/cancel", nil, f.tenant)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodDelete, "/campaigns/"+id, nil, f.tenant)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestWriteError_Mapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{appErrors.NewValidation("name", "is required"), http.StatusUnprocessableEntity},
		{appErrors.NewNotFound("campaign", uuid.New()), http.StatusNotFound},
		{&appErrors.InvalidStateError{Entity: "campaign", Status: "sent", Action: "send"}, http.StatusConflict},
		{&appErrors.QuotaExceededError{Channel: "sms"}, http.StatusForbidden},
		{&appErrors.FeatureNotInPlanError{Feature: "sms messaging", Tier: "free"}, http.StatusForbidden},
		{appErrors.ErrMissingSignature, http.StatusUnauthorized},
		{fmt.Errorf("verify: %w", appErrors.ErrInvalidSignature), http.StatusUnauthorized},
		{appErrors.ErrStaleTimestamp, http.StatusUnauthorized},
		{appErrors.ErrReplay, http.StatusConflict},
		{fmt.Errorf("%w: 0 rows", appErrors.ErrAmbiguousTarget), http.StatusConflict},
		{errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		controller.WriteError(w, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		assert.Equal(t, tc.want, w.Code, tc.err.Error())
	}

	w := httptest.NewRecorder()
	controller.WriteError(w, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: password authentication failed"))
	assert.NotContains(t, w.Body.String(), "password", "internal errors are not echoed")
}
