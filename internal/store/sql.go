package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/sourceplane/benchctl/internal/model"
)

// DefaultTable is the table results land in when none is named.
const DefaultTable = "Benchmarks"

// SQLWriter persists one row per written result document.
type SQLWriter struct {
	pool  *pgxpool.Pool
	table string
	log   zerolog.Logger
}

// NewSQLWriter connects to the database and makes sure the target table
// exists.
func NewSQLWriter(ctx context.Context, connString, table string, log zerolog.Logger) (*SQLWriter, error) {
	if table == "" {
		table = DefaultTable
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sql connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sql database: %w", err)
	}

	w := &SQLWriter{pool: pool, table: table, log: log}
	if err := w.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id serial PRIMARY KEY,
		session text NOT NULL,
		scenario text,
		description text,
		run_id text NOT NULL,
		timestamp timestamptz NOT NULL,
		document jsonb NOT NULL
	)`, pgx.Identifier{w.table}.Sanitize())
	if _, err := w.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", w.table, err)
	}
	return nil
}

// Write inserts one result document.
func (w *SQLWriter) Write(ctx context.Context, session, scenario, description, runID string, results *model.JobResults) error {
	document, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to serialize results for sql: %w", err)
	}
	stmt := fmt.Sprintf(
		`INSERT INTO %s (session, scenario, description, run_id, timestamp, document)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		pgx.Identifier{w.table}.Sanitize())
	if _, err := w.pool.Exec(ctx, stmt, session, scenario, description, runID, time.Now().UTC(), document); err != nil {
		return fmt.Errorf("failed to insert results into %s: %w", w.table, err)
	}
	w.log.Debug().Str("table", w.table).Str("runId", runID).Msg("results written to sql")
	return nil
}

// Close releases the connection pool.
func (w *SQLWriter) Close() {
	if w.pool != nil {
		w.pool.Close()
	}
}
