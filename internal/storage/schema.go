package storage

import (
	"context"
	"fmt"
)

// Migrate creates the schema. Every statement is idempotent so the command
// can run on each deploy.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS postgis`,

		`CREATE TABLE IF NOT EXISTS ownerships (
			title_no              text PRIMARY KEY,
			tenure                text NOT NULL DEFAULT '',
			property_address      text NOT NULL DEFAULT '',
			postcode              text NOT NULL DEFAULT '',
			proprietor_1          text NOT NULL DEFAULT '',
			company_1             text NOT NULL DEFAULT '',
			category_1            text NOT NULL DEFAULT '',
			p1_address_1          text NOT NULL DEFAULT '',
			p1_address_2          text NOT NULL DEFAULT '',
			p1_address_3          text NOT NULL DEFAULT '',
			proprietor_2          text NOT NULL DEFAULT '',
			company_2             text NOT NULL DEFAULT '',
			category_2            text NOT NULL DEFAULT '',
			p2_address_1          text NOT NULL DEFAULT '',
			p2_address_2          text NOT NULL DEFAULT '',
			p2_address_3          text NOT NULL DEFAULT '',
			proprietor_3          text NOT NULL DEFAULT '',
			company_3             text NOT NULL DEFAULT '',
			category_3            text NOT NULL DEFAULT '',
			p3_address_1          text NOT NULL DEFAULT '',
			p3_address_2          text NOT NULL DEFAULT '',
			p3_address_3          text NOT NULL DEFAULT '',
			proprietor_4          text NOT NULL DEFAULT '',
			company_4             text NOT NULL DEFAULT '',
			category_4            text NOT NULL DEFAULT '',
			p4_address_1          text NOT NULL DEFAULT '',
			p4_address_2          text NOT NULL DEFAULT '',
			p4_address_3          text NOT NULL DEFAULT '',
			date_proprietor_added date,
			uk_based              boolean NOT NULL DEFAULT true,
			created_at            timestamptz NOT NULL DEFAULT now(),
			updated_at            timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ownerships_proprietor_1 ON ownerships (proprietor_1)`,
		`CREATE INDEX IF NOT EXISTS idx_ownerships_postcode ON ownerships (postcode)`,

		`CREATE TABLE IF NOT EXISTS accepted_boundaries (
			poly_id    bigint PRIMARY KEY,
			title_no   text,
			geom       geometry(Geometry, 4326) NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accepted_boundaries_geom ON accepted_boundaries USING GIST (geom)`,
		`CREATE INDEX IF NOT EXISTS idx_accepted_boundaries_title ON accepted_boundaries (title_no)`,

		`CREATE TABLE IF NOT EXISTS pending_boundaries (
			id         bigserial PRIMARY KEY,
			poly_id    bigint NOT NULL UNIQUE,
			council    text NOT NULL,
			geom       geometry(Geometry, 4326) NOT NULL,
			accepted   boolean NOT NULL DEFAULT false,
			match_type text,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_boundaries_geom ON pending_boundaries USING GIST (geom)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_boundaries_council ON pending_boundaries (council)`,

		`CREATE TABLE IF NOT EXISTS pending_deletions (
			poly_id bigint PRIMARY KEY
		)`,

		`CREATE TABLE IF NOT EXISTS run_ledger (
			id                      bigserial PRIMARY KEY,
			unique_key              text NOT NULL UNIQUE,
			status                  text NOT NULL DEFAULT '',
			started_at              timestamptz NOT NULL DEFAULT now(),
			options                 jsonb NOT NULL DEFAULT '{}',
			last_task               text,
			last_council_downloaded text,
			last_poly_analysed      bigint,
			retry_count             integer NOT NULL DEFAULT 0,
			latest_ownership_data   date,
			latest_inspire_data     date
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_ledger_status ON run_ledger (status)`,
		// At most one row may be running; concurrent Begins race past a
		// count-then-insert check, so the database enforces it.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_run_ledger_single_running
			ON run_ledger ((true)) WHERE status = 'running'`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
