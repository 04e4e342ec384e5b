package segment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/salonflow-messaging/internal/model"
)

// Query is a compiled WHERE clause over the clients table with positional
// arguments. The first argument is always the tenant id.
type Query struct {
	Where string
	Args  []any
}

type builder struct {
	clauses []string
	args    []any
}

func newBuilder(tenantID uuid.UUID) *builder {
	return &builder{
		clauses: []string{"tenant_id = $1", "deleted = false"},
		args:    []any{tenantID},
	}
}

// add appends a clause whose %s verbs are replaced by fresh placeholders.
func (b *builder) add(clause string, vals ...any) {
	ph := make([]any, len(vals))
	for i, v := range vals {
		b.args = append(b.args, v)
		ph[i] = fmt.Sprintf("$%d", len(b.args))
	}
	b.clauses = append(b.clauses, fmt.Sprintf(clause, ph...))
}

func (b *builder) query() Query {
	return Query{Where: strings.Join(b.clauses, " AND "), Args: b.args}
}

// Compile turns the filter into a tenant-scoped, soft-delete-excluded
// clause. now anchors the relative recency bounds.
func Compile(tenantID uuid.UUID, f Filter, now time.Time) Query {
	b := newBuilder(tenantID)

	if f.LastVisitAfter != nil {
		b.add("last_visit_at >= %s", *f.LastVisitAfter)
	}
	if f.LastVisitBefore != nil {
		b.add("last_visit_at <= %s", *f.LastVisitBefore)
	}
	if f.LastVisitWithinDays != nil {
		b.add("last_visit_at >= %s", daysAgo(now, *f.LastVisitWithinDays))
	}
	if f.LastVisitOlderThanDays != nil {
		b.add("last_visit_at <= %s", daysAgo(now, *f.LastVisitOlderThanDays))
	}
	if f.MinVisits != nil {
		b.add("visit_count >= %s", *f.MinVisits)
	}
	if f.MaxVisits != nil {
		b.add("visit_count <= %s", *f.MaxVisits)
	}
	if f.MinSpent != nil {
		b.add("total_spent >= %s", f.MinSpent.String())
	}
	if f.MaxSpent != nil {
		b.add("total_spent <= %s", f.MaxSpent.String())
	}
	if len(f.Tags) > 0 {
		b.add("tags @> %s::text[]", f.Tags)
	}
	if f.HasEmail != nil {
		b.clauses = append(b.clauses, presence("email", *f.HasEmail))
	}
	if f.HasPhone != nil {
		b.clauses = append(b.clauses, presence("phone", *f.HasPhone))
	}
	if f.EmailOptIn != nil {
		b.add("email_opt_in = %s", *f.EmailOptIn)
	}
	if f.SMSOptIn != nil {
		b.add("sms_opt_in = %s", *f.SMSOptIn)
	}
	return b.query()
}

func presence(col string, want bool) string {
	if want {
		return fmt.Sprintf("COALESCE(%s, '') <> ''", col)
	}
	return fmt.Sprintf("COALESCE(%s, '') = ''", col)
}

// TriggerQuery selects automation candidates. Every set field applies.
type TriggerQuery struct {
	// LastVisitFrom/LastVisitTo bound last_visit_at to [From, To).
	LastVisitFrom *time.Time
	LastVisitTo   *time.Time
	// LastVisitAtOrBefore keeps clients whose last visit is <= this instant.
	LastVisitAtOrBefore *time.Time
	VisitCount          *int
	Birthday            *MonthDay
	// SkipMessaged drops clients the automation already reached.
	SkipMessaged *Recency
}

// Recency names clients that got a non-failed message tied to an
// automation at or after Since.
type Recency struct {
	AutomationID uuid.UUID
	Since        time.Time
}

// MonthDay matches a birthday ignoring the year. IncludeLeapDay also
// matches February 29 birthdays, used on February 28 of non-leap years.
type MonthDay struct {
	Month          time.Month
	Day            int
	IncludeLeapDay bool
}

// MonthDayOf returns the month/day of t, flagging Feb 28 in non-leap years.
func MonthDayOf(t time.Time) MonthDay {
	md := MonthDay{Month: t.Month(), Day: t.Day()}
	if md.Month == time.February && md.Day == 28 && !isLeap(t.Year()) {
		md.IncludeLeapDay = true
	}
	return md
}

func isLeap(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

func (q TriggerQuery) Compile(tenantID uuid.UUID) Query {
	b := newBuilder(tenantID)
	if q.LastVisitFrom != nil {
		b.add("last_visit_at >= %s", *q.LastVisitFrom)
	}
	if q.LastVisitTo != nil {
		b.add("last_visit_at < %s", *q.LastVisitTo)
	}
	if q.LastVisitAtOrBefore != nil {
		b.add("last_visit_at <= %s", *q.LastVisitAtOrBefore)
	}
	if q.VisitCount != nil {
		b.add("visit_count = %s", *q.VisitCount)
	}
	if md := q.Birthday; md != nil {
		if md.IncludeLeapDay {
			b.add("birthday IS NOT NULL AND ((EXTRACT(MONTH FROM birthday) = %s AND EXTRACT(DAY FROM birthday) = %s) OR (EXTRACT(MONTH FROM birthday) = 2 AND EXTRACT(DAY FROM birthday) = 29))",
				int(md.Month), md.Day)
		} else {
			b.add("birthday IS NOT NULL AND EXTRACT(MONTH FROM birthday) = %s AND EXTRACT(DAY FROM birthday) = %s",
				int(md.Month), md.Day)
		}
	}
	if r := q.SkipMessaged; r != nil {
		b.add("NOT EXISTS (SELECT 1 FROM message_logs ml WHERE ml.tenant_id = clients.tenant_id AND ml.client_id = clients.id AND ml.automation_id = %s AND ml.created_at >= %s AND ml.status <> 'failed')",
			r.AutomationID, r.Since)
	}
	return b.query()
}

func (q TriggerQuery) Matches(c *model.Client, tenantID uuid.UUID) bool {
	if c.TenantID != tenantID || c.Deleted {
		return false
	}
	lv := c.LastVisitAt
	if q.LastVisitFrom != nil && (lv == nil || lv.Before(*q.LastVisitFrom)) {
		return false
	}
	if q.LastVisitTo != nil && (lv == nil || !lv.Before(*q.LastVisitTo)) {
		return false
	}
	if q.LastVisitAtOrBefore != nil && (lv == nil || lv.After(*q.LastVisitAtOrBefore)) {
		return false
	}
	if q.VisitCount != nil && c.VisitCount != *q.VisitCount {
		return false
	}
	if md := q.Birthday; md != nil {
		if c.Birthday == nil {
			return false
		}
		m, d := c.Birthday.Month(), c.Birthday.Day()
		match := m == md.Month && d == md.Day
		if !match && md.IncludeLeapDay {
			match = m == time.February && d == 29
		}
		if !match {
			return false
		}
	}
	return true
}

// Audience is a tenant-scoped client selection. Repositories backed by SQL
// use Query; in-process stores use Includes and must also drop the clients
// named by Exclude, which depends on message history rather than the row.
type Audience struct {
	TenantID uuid.UUID
	Query    Query
	Exclude  *Recency
	match    func(*model.Client) bool
}

func (a Audience) Includes(c *model.Client) bool {
	if a.match == nil {
		return c.TenantID == a.TenantID && !c.Deleted
	}
	return a.match(c)
}

// Audience binds the filter to a tenant and the evaluation instant.
func (f Filter) Audience(tenantID uuid.UUID, now time.Time) Audience {
	return Audience{
		TenantID: tenantID,
		Query:    Compile(tenantID, f, now),
		match:    func(c *model.Client) bool { return f.Matches(c, tenantID, now) },
	}
}

func (q TriggerQuery) Audience(tenantID uuid.UUID) Audience {
	return Audience{
		TenantID: tenantID,
		Query:    q.Compile(tenantID),
		Exclude:  q.SkipMessaged,
		match:    func(c *model.Client) bool { return q.Matches(c, tenantID) },
	}
}
