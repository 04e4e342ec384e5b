// internal/model/client.go
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Client is a salon customer. Visit statistics are maintained by the
// booking subsystem; this service only reads them.
type Client struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	TenantID    uuid.UUID       `db:"tenant_id" json:"tenant_id"`
	FullName    string          `db:"full_name" json:"full_name"`
	Email       string          `db:"email" json:"email"`
	Phone       string          `db:"phone" json:"phone"`
	EmailOptIn  bool            `db:"email_opt_in" json:"email_opt_in"`
	SMSOptIn    bool            `db:"sms_opt_in" json:"sms_opt_in"`
	Tags        []string        `db:"tags" json:"tags"`
	Birthday    *time.Time      `db:"birthday" json:"birthday,omitempty"`
	VisitCount  int             `db:"visit_count" json:"visit_count"`
	LastVisitAt *time.Time      `db:"last_visit_at" json:"last_visit_at,omitempty"`
	TotalSpent  decimal.Decimal `db:"total_spent" json:"total_spent"`
	Deleted     bool            `db:"deleted" json:"deleted"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// Address returns the contact address for a delivery channel.
func (c *Client) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return c.Email
	case ChannelSMS:
		return c.Phone
	}
	return ""
}

// OptedIn reports the client's consent for a delivery channel.
func (c *Client) OptedIn(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return c.EmailOptIn
	case ChannelSMS:
		return c.SMSOptIn
	}
	return false
}

// Reachable is true when the client has an address for ch and has not opted out.
func (c *Client) Reachable(ch Channel) bool {
	return c.Address(ch) != "" && c.OptedIn(ch)
}
