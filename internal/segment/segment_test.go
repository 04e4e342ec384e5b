package segment_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/segment"
)

func ptr[T any](v T) *T { return &v }

func TestDecode_EmptySelectsAll(t *testing.T) {
	for _, raw := range []string{"", "  ", "null", "{}"} {
		f, err := segment.Decode([]byte(raw))
		require.NoError(t, err, raw)
		assert.True(t, f.Empty(), raw)
	}
}

func TestDecode_RejectsUnknownField(t *testing.T) {
	_, err := segment.Decode([]byte(`{"min_visits":2,"favourite_colour":"red"}`))
	require.Error(t, err)
	var ve *appErrors.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestDecode_Validation(t *testing.T) {
	cases := map[string]string{
		"negative days":   `{"last_visit_within_days":-1}`,
		"inverted visits": `{"min_visits":5,"max_visits":2}`,
		"inverted spend":  `{"min_spent":"100","max_spent":"10"}`,
		"blank tag":       `{"tags":["vip"," "]}`,
		"future version":  `{"version":9}`,
		"trailing data":   `{"min_visits":1}{}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := segment.Decode([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestEncode_StampsVersion(t *testing.T) {
	raw, err := segment.Filter{MinVisits: ptr(3)}.Encode()
	require.NoError(t, err)
	f, err := segment.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, segment.FilterVersion, f.Version)
	assert.Equal(t, 3, *f.MinVisits)
}

func TestCompile_EmptyFilterIsTenantScoped(t *testing.T) {
	tenant := uuid.New()
	q := segment.Compile(tenant, segment.Filter{}, time.Now())
	assert.Equal(t, "tenant_id = $1 AND deleted = false", q.Where)
	assert.Equal(t, []any{tenant}, q.Args)
}

func TestCompile_PlaceholdersAreSequential(t *testing.T) {
	tenant := uuid.New()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	f := segment.Filter{
		LastVisitWithinDays: ptr(30),
		MinVisits:           ptr(2),
		MinSpent:            ptr(decimal.NewFromInt(50)),
		Tags:                []string{"vip"},
		HasPhone:            ptr(true),
		SMSOptIn:            ptr(true),
	}
	q := segment.Compile(tenant, f, now)

	assert.Equal(t,
		"tenant_id = $1 AND deleted = false AND last_visit_at >= $2 AND visit_count >= $3"+
			" AND total_spent >= $4 AND tags @> $5::text[] AND COALESCE(phone, '') <> '' AND sms_opt_in = $6",
		q.Where)
	require.Len(t, q.Args, 6)
	assert.Equal(t, now.AddDate(0, 0, -30), q.Args[1])
	assert.Equal(t, 2, q.Args[2])
	assert.Equal(t, "50", q.Args[3])
	assert.Equal(t, []string{"vip"}, q.Args[4])
	assert.Equal(t, true, q.Args[5])
}

func TestMatches(t *testing.T) {
	tenant := uuid.New()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	recent := now.AddDate(0, 0, -5)

	base := func() *model.Client {
		return &model.Client{
			ID: uuid.New(), TenantID: tenant, Email: "a@example.com", Phone: "+15550001",
			EmailOptIn: true, SMSOptIn: true, Tags: []string{"vip", "color"},
			VisitCount: 4, LastVisitAt: &recent, TotalSpent: decimal.NewFromInt(120),
		}
	}

	f := segment.Filter{
		LastVisitWithinDays: ptr(10),
		MinVisits:           ptr(3),
		MaxSpent:            ptr(decimal.NewFromInt(200)),
		Tags:                []string{"vip"},
		HasEmail:            ptr(true),
	}
	assert.True(t, f.Matches(base(), tenant, now))

	other := base()
	other.TenantID = uuid.New()
	assert.False(t, f.Matches(other, tenant, now), "other tenant")

	deleted := base()
	deleted.Deleted = true
	assert.False(t, f.Matches(deleted, tenant, now), "soft deleted")

	missingTag := base()
	missingTag.Tags = []string{"color"}
	assert.False(t, f.Matches(missingTag, tenant, now))

	neverVisited := base()
	neverVisited.LastVisitAt = nil
	assert.False(t, f.Matches(neverVisited, tenant, now))

	noEmail := base()
	noEmail.Email = ""
	assert.False(t, f.Matches(noEmail, tenant, now))

	assert.True(t, segment.Filter{}.Matches(neverVisited, tenant, now), "empty filter selects all active clients")
}

func TestTriggerQuery_AfterVisitWindow(t *testing.T) {
	tenant := uuid.New()
	from := time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	q := segment.TriggerQuery{LastVisitFrom: &from, LastVisitTo: &to}

	at := func(ts time.Time) *model.Client {
		return &model.Client{TenantID: tenant, LastVisitAt: &ts}
	}
	assert.True(t, q.Matches(at(from), tenant))
	assert.True(t, q.Matches(at(from.Add(23*time.Hour)), tenant))
	assert.False(t, q.Matches(at(to), tenant), "upper bound is exclusive")
	assert.False(t, q.Matches(at(from.Add(-time.Minute)), tenant))

	compiled := q.Compile(tenant)
	assert.Contains(t, compiled.Where, "last_visit_at >= $2 AND last_visit_at < $3")
	assert.Equal(t, []any{tenant, from, to}, compiled.Args)
}

func TestMonthDayOf_LeapDay(t *testing.T) {
	md := segment.MonthDayOf(time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC))
	assert.True(t, md.IncludeLeapDay)

	md = segment.MonthDayOf(time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC))
	assert.False(t, md.IncludeLeapDay)

	tenant := uuid.New()
	bday := time.Date(2000, 2, 29, 0, 0, 0, 0, time.UTC)
	c := &model.Client{TenantID: tenant, Birthday: &bday}
	q := segment.TriggerQuery{Birthday: &segment.MonthDay{Month: time.February, Day: 28, IncludeLeapDay: true}}
	assert.True(t, q.Matches(c, tenant))
	assert.Contains(t, q.Compile(tenant).Where, "EXTRACT(DAY FROM birthday) = 29")
}

func TestTriggerQuery_VisitCountIsExact(t *testing.T) {
	tenant := uuid.New()
	q := segment.TriggerQuery{VisitCount: ptr(5)}
	assert.True(t, q.Matches(&model.Client{TenantID: tenant, VisitCount: 5}, tenant))
	assert.False(t, q.Matches(&model.Client{TenantID: tenant, VisitCount: 6}, tenant))
	assert.Equal(t, "tenant_id = $1 AND deleted = false AND visit_count = $2", q.Compile(tenant).Where)
}

func TestAudience_AgreesWithFilter(t *testing.T) {
	tenant := uuid.New()
	now := time.Now()
	f := segment.Filter{MinVisits: ptr(2)}
	a := f.Audience(tenant, now)

	assert.Equal(t, tenant, a.TenantID)
	assert.Equal(t, segment.Compile(tenant, f, now), a.Query)
	assert.True(t, a.Includes(&model.Client{TenantID: tenant, VisitCount: 2}))
	assert.False(t, a.Includes(&model.Client{TenantID: tenant, VisitCount: 1}))
	assert.False(t, a.Includes(&model.Client{TenantID: uuid.New(), VisitCount: 9}))
}

func TestTriggerQuery_SkipMessagedExcludesInQuery(t *testing.T) {
	tenant, automation := uuid.New(), uuid.New()
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	q := segment.TriggerQuery{VisitCount: ptr(3), SkipMessaged: &segment.Recency{AutomationID: automation, Since: since}}

	got := q.Compile(tenant)
	assert.Contains(t, got.Where, "AND NOT EXISTS (SELECT 1 FROM message_logs ml WHERE ml.tenant_id = clients.tenant_id AND ml.client_id = clients.id AND ml.automation_id = $3 AND ml.created_at >= $4 AND ml.status <> 'failed')")
	assert.Equal(t, []any{tenant, 3, automation, since}, got.Args)

	a := q.Audience(tenant)
	require.NotNil(t, a.Exclude)
	assert.Equal(t, automation, a.Exclude.AutomationID)
}
