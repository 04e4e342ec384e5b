// cmd/seeder/main.go
package main

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

var demoTenant = uuid.MustParse("5a1f0000-0000-4000-8000-000000000001")

type seedClient struct {
	name       string
	email      string
	phone      string
	tags       []string
	visits     int
	lastVisit  int // days ago, 0 = never
	spent      string
	birthday   string
	smsOptIn   bool
	emailOptIn bool
}

var clients = []seedClient{
	{"Ada Lindqvist", "ada@example.com", "+4791000001", []string{"vip", "color"}, 14, 45, "4200.00", "1990-03-15", true, true},
	{"Jonas Berg", "jonas@example.com", "", []string{"beard"}, 3, 10, "650.00", "", false, true},
	{"Maja Holm", "", "+4791000003", []string{"vip"}, 22, 95, "7800.50", "1985-11-02", true, false},
	{"Emil Strand", "emil@example.com", "+4791000004", nil, 1, 1, "420.00", "2000-02-29", true, true},
	{"Sara Nilsen", "sara@example.com", "+4791000005", []string{"color"}, 0, 0, "0", "", true, true},
}

func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	seedFiles := []string{
		"seed/tenants.sql",
		"seed/templates.sql",
	}

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("failed to read seed file")
		}

		if _, err = db.Exec(string(content)); err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("failed to execute seed file")
		}
		fmt.Printf("Seeded: %s\n", file)
	}

	if err := seedClients(db); err != nil {
		log.Fatal().Err(err).Msg("failed to seed clients")
	}

	fmt.Println("Database seeding completed successfully!")
}

// seedClients inserts the demo clients; reruns are no-ops thanks to the
// deterministic ids.
func seedClients(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
        INSERT INTO clients (id, tenant_id, full_name, email, phone, email_opt_in, sms_opt_in,
            tags, birthday, visit_count, last_visit_at, total_spent)
        VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, c := range clients {
		id := uuid.NewSHA1(demoTenant, []byte(c.name))

		var birthday, lastVisit any
		if c.birthday != "" {
			birthday = c.birthday
		}
		if c.lastVisit > 0 {
			lastVisit = now.AddDate(0, 0, -c.lastVisit)
		}
		tags := c.tags
		if tags == nil {
			tags = []string{}
		}

		if _, err := stmt.Exec(id, demoTenant, c.name, c.email, c.phone, c.emailOptIn, c.smsOptIn,
			pq.Array(tags), birthday, c.visits, lastVisit, c.spent); err != nil {
			return fmt.Errorf("client %d (%s): %w", i, c.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	fmt.Printf("Seeded: %d clients\n", len(clients))
	return nil
}
