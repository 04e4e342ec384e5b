package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
	"github.com/unclebandit/salonflow-messaging/internal/model"
	"github.com/unclebandit/salonflow-messaging/internal/segment"
)

// ClientRepository reads clients. Visit statistics are owned by the
// booking subsystem; nothing here writes them.
type ClientRepository struct {
	DB *pgxpool.Pool
}

const clientColumns = `id, tenant_id, full_name, COALESCE(email, ''), COALESCE(phone, ''), email_opt_in, sms_opt_in,
	tags, birthday, visit_count, last_visit_at, total_spent::text, deleted, created_at`

func scanClient(row pgx.Row) (*model.Client, error) {
	var c model.Client
	var spent string
	err := row.Scan(&c.ID, &c.TenantID, &c.FullName, &c.Email, &c.Phone, &c.EmailOptIn, &c.SMSOptIn,
		&c.Tags, &c.Birthday, &c.VisitCount, &c.LastVisitAt, &spent, &c.Deleted, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if c.TotalSpent, err = decimal.NewFromString(spent); err != nil {
		return nil, fmt.Errorf("client %s total_spent: %w", c.ID, err)
	}
	return &c, nil
}

// GetByID returns NotFound for deleted clients as well as missing ones.
func (r *ClientRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*model.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE id=$1 AND tenant_id=$2 AND deleted = false`
	c, err := scanClient(r.DB.QueryRow(ctx, query, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appErrors.NewNotFound("client", id)
	}
	return c, err
}

// Count runs the audience as SELECT COUNT(*) so no rows are materialised.
func (r *ClientRepository) Count(ctx context.Context, a segment.Audience) (int, error) {
	var n int
	err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM clients WHERE `+a.Query.Where, a.Query.Args...).Scan(&n)
	return n, err
}

func (r *ClientRepository) Find(ctx context.Context, a segment.Audience, limit int) ([]*model.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE ` + a.Query.Where + ` ORDER BY created_at, id`
	args := a.Query.Args
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(append([]any{}, args...), limit)
	}

	rows, err := r.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := []*model.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

var _ ClientRepositoryInterface = (*ClientRepository)(nil)
