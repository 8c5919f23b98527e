// Package migrate idempotently creates the schema objects each backend
// needs: tables, indexes and the replication publication for the log
// backend (the replication slot is created by pgingest.Ingestor.Start),
// or the indexes on the outbox, consumer-state and auxiliary collections
// for the change-feed backend. Applied Postgres versions are tracked in a migrations table against an
// inline list of statements rather than an embedded migrations/*.sql
// directory, since this module ships no migration files to embed.
package migrate

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS hermes_migrations (
	version TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// postgresMigration is one inline, idempotent DDL step.
type postgresMigration struct {
	version string
	sql     string
}

func outboxSchema(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	partition_key TEXT NOT NULL,
	message_id TEXT NOT NULL,
	message_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, table)
}

func auxiliarySchema(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	message_id TEXT NOT NULL,
	message_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at TIMESTAMPTZ,
	delivered BOOLEAN NOT NULL DEFAULT false,
	fails_count INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS %[1]s_undelivered_idx ON %[1]s (delivered, created_at) WHERE NOT delivered;`, table)
}

func consumerStateSchema(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	consumer_name TEXT NOT NULL,
	partition_key TEXT NOT NULL,
	last_position TEXT NOT NULL DEFAULT '',
	redelivery_count INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (consumer_name, partition_key)
);`, table)
}

// PostgresOptions names the schema objects a PostgresMigrator creates.
type PostgresOptions struct {
	OutboxTable         string
	AuxiliaryTable      string // empty disables the secondary outbox
	ConsumerStateTable  string
	Publication         string
	OutboxTableQualified string // schema-qualified name for publication DDL, defaults to OutboxTable
}

// PostgresMigrator creates the log-backend schema: the primary outbox
// table, optionally the secondary outbox table, the consumer-state table,
// and a publication over the primary outbox table. It does not create the
// replication slot — that is done by pgingest.Ingestor.Start, since slot
// creation is tied to the position a consumer resumes from.
type PostgresMigrator struct {
	pool *pgxpool.Pool
	opts PostgresOptions
}

func NewPostgresMigrator(pool *pgxpool.Pool, opts PostgresOptions) *PostgresMigrator {
	if opts.OutboxTableQualified == "" {
		opts.OutboxTableQualified = opts.OutboxTable
	}
	return &PostgresMigrator{pool: pool, opts: opts}
}

func (m *PostgresMigrator) Migrate(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, postgresMigrationsTableSQL); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	migrations := []postgresMigration{
		{version: "0001_outbox_table", sql: outboxSchema(m.opts.OutboxTable)},
		{version: "0002_consumer_state_table", sql: consumerStateSchema(m.opts.ConsumerStateTable)},
		{version: "0003_publication", sql: fmt.Sprintf(
			`DO $$ BEGIN
				IF NOT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = %[1]s) THEN
					EXECUTE format('CREATE PUBLICATION %%I FOR TABLE %s', %[1]s);
				END IF;
			END $$;`, quoteLiteral(m.opts.Publication), m.opts.OutboxTableQualified)},
	}
	if m.opts.AuxiliaryTable != "" {
		migrations = append(migrations, postgresMigration{
			version: "0004_auxiliary_table",
			sql:     auxiliarySchema(m.opts.AuxiliaryTable),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })

	applied, err := m.loadApplied(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if applied[mig.version] {
			continue
		}
		if _, err := m.pool.Exec(ctx, mig.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", mig.version, err)
		}
		if _, err := m.pool.Exec(ctx, "INSERT INTO hermes_migrations (version) VALUES ($1)", mig.version); err != nil {
			return fmt.Errorf("record migration %s: %w", mig.version, err)
		}
	}
	return nil
}

func (m *PostgresMigrator) loadApplied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.pool.Query(ctx, "SELECT version FROM hermes_migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan migrations: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// quoteLiteral produces a SQL string literal for use inside the DO block
// above, where the publication name must be passed as a literal to
// format() rather than interpolated directly.
func quoteLiteral(s string) string {
	return "'" + escapeSingleQuotes(s) + "'"
}

func escapeSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
