// Package template renders message templates for a single recipient.
//
// Placeholders use the {{ name }} syntax. Substituted values are escaped
// for the target channel: HTML-escaped for email bodies, stripped of markup
// and control characters for SMS. The template text itself is authored by
// the tenant and is not escaped.
package template

import (
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
)

const (
	VarFirstName      = "first_name"
	VarLastName       = "last_name"
	VarFullName       = "full_name"
	VarVisitCount     = "visit_count"
	VarTotalSpent     = "total_spent"
	VarLastVisit      = "last_visit"
	VarDaysSinceVisit = "days_since_visit"
	VarSalonName      = "salon_name"
	VarSalonPhone     = "salon_phone"
)

var (
	placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z_]+)\s*\}\}`)
	markup      = regexp.MustCompile(`</?[a-zA-Z][^<>]*>`)
)

// Rendered is the channel-ready content of one message.
type Rendered struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Renderer is stateless apart from its formatting settings.
type Renderer struct {
	DateLayout string
	Location   *time.Location
	Now        func() time.Time
}

func NewRenderer(dateLayout string, loc *time.Location) *Renderer {
	if dateLayout == "" {
		dateLayout = "02.01.2006"
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{DateLayout: dateLayout, Location: loc, Now: time.Now}
}

// Variables derives the substitution map for a client of a tenant.
func (r *Renderer) Variables(c *model.Client, t *model.Tenant) map[string]string {
	first, last := SplitName(c.FullName)
	vars := map[string]string{
		VarFirstName:      first,
		VarLastName:       last,
		VarFullName:       strings.TrimSpace(c.FullName),
		VarVisitCount:     strconv.Itoa(c.VisitCount),
		VarTotalSpent:     c.TotalSpent.StringFixed(2),
		VarLastVisit:      "",
		VarDaysSinceVisit: "",
	}
	if c.LastVisitAt != nil {
		vars[VarLastVisit] = c.LastVisitAt.In(r.Location).Format(r.DateLayout)
		vars[VarDaysSinceVisit] = strconv.Itoa(r.daysSince(*c.LastVisitAt))
	}
	if t != nil {
		vars[VarSalonName] = t.Name
		vars[VarSalonPhone] = t.Phone
	}
	return vars
}

func (r *Renderer) daysSince(t time.Time) int {
	now := r.Now().In(r.Location)
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, r.Location)
	vy, vm, vd := t.In(r.Location).Date()
	visit := time.Date(vy, vm, vd, 0, 0, 0, 0, r.Location)
	days := int(today.Sub(visit).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Render produces the subject and body of tpl for delivery on ch.
func (r *Renderer) Render(tpl *model.MessageTemplate, ch model.Channel, vars map[string]string) (Rendered, error) {
	if !tpl.Channel.Covers(ch) {
		return Rendered{}, appErrors.NewValidation("channel", "template %s is for %s, not %s", tpl.ID, tpl.Channel, ch)
	}

	switch ch {
	case model.ChannelEmail:
		if strings.TrimSpace(tpl.Subject) == "" {
			return Rendered{}, appErrors.NewValidation("subject", "email template %s has no subject", tpl.ID)
		}
		return Rendered{
			Subject: substitute(tpl.Subject, vars, headerSafe),
			Body:    substitute(tpl.Body, vars, html.EscapeString),
		}, nil
	case model.ChannelSMS:
		return Rendered{Body: substitute(tpl.Body, vars, smsSafe)}, nil
	}
	return Rendered{}, appErrors.NewValidation("channel", "cannot render for channel %q", ch)
}

// substitute replaces known placeholders; unknown ones are left in place.
func substitute(text string, vars map[string]string, escape func(string) string) string {
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		name := strings.ToLower(placeholder.FindStringSubmatch(m)[1])
		v, ok := vars[name]
		if !ok {
			return m
		}
		return escape(v)
	})
}

func smsSafe(s string) string {
	s = markup.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = markup.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r == '\n' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func headerSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// SplitName splits a full name at the first run of whitespace.
func SplitName(full string) (first, last string) {
	fields := strings.Fields(full)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}

// Placeholders lists the distinct placeholder names used in text.
func Placeholders(text string) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range placeholder.FindAllStringSubmatch(text, -1) {
		n := strings.ToLower(m[1])
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	return names
}

// Known reports whether name is a supported variable.
func Known(name string) bool {
	switch name {
	case VarFirstName, VarLastName, VarFullName, VarVisitCount, VarTotalSpent,
		VarLastVisit, VarDaysSinceVisit, VarSalonName, VarSalonPhone:
		return true
	}
	return false
}
