package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists traces in postgres, for deployments where trace
// retention outlives the host running the kernel.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with a lib/pq DSN and migrates the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("tracestore: open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing connection without migrating. Used
// by tests that mock the database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS invocations (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		event_number BIGINT NOT NULL,
		caller TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		method TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		error_code TEXT NOT NULL DEFAULT '',
		price_paid BIGINT NOT NULL DEFAULT 0,
		payer TEXT NOT NULL DEFAULT '',
		cpu_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		wall_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		nested_count INTEGER NOT NULL DEFAULT 0,
		nested JSONB,
		recorded_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_artifact ON invocations(artifact_id);
	CREATE INDEX IF NOT EXISTS idx_invocations_caller ON invocations(caller);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("tracestore: migrate: %w", err)
	}
	return nil
}

// Record inserts one trace row.
func (s *PostgresStore) Record(ctx context.Context, tr Trace) error {
	nested, err := json.Marshal(tr.Nested)
	if err != nil {
		return fmt.Errorf("tracestore: encode nested trace: %w", err)
	}
	if tr.RecordedAt.IsZero() {
		tr.RecordedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invocations
			(run_id, event_number, caller, artifact_id, method, success, error_code,
			 price_paid, payer, cpu_seconds, wall_seconds, nested_count, nested, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		tr.RunID, tr.EventNumber, tr.Caller, tr.ArtifactID, tr.Method,
		tr.Success, tr.ErrorCode, tr.PricePaid, tr.Payer,
		tr.CPUSeconds, tr.WallSeconds, len(tr.Nested), string(nested), tr.RecordedAt)
	if err != nil {
		return fmt.Errorf("tracestore: insert trace: %w", err)
	}
	return nil
}

// ByArtifact returns traces targeting the artifact, newest first.
func (s *PostgresStore) ByArtifact(ctx context.Context, artifactID string, limit int) ([]Trace, error) {
	query := `SELECT run_id, event_number, caller, artifact_id, method, success, error_code,
		price_paid, payer, cpu_seconds, wall_seconds, nested, recorded_at
		FROM invocations WHERE artifact_id = $1 ORDER BY event_number DESC LIMIT $2`
	return s.query(ctx, query, artifactID, normalizeLimit(limit))
}

// ByInvoker returns traces issued by the caller, newest first.
func (s *PostgresStore) ByInvoker(ctx context.Context, caller string, limit int) ([]Trace, error) {
	query := `SELECT run_id, event_number, caller, artifact_id, method, success, error_code,
		price_paid, payer, cpu_seconds, wall_seconds, nested, recorded_at
		FROM invocations WHERE caller = $1 ORDER BY event_number DESC LIMIT $2`
	return s.query(ctx, query, caller, normalizeLimit(limit))
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]Trace, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tracestore: query traces: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPostgresTraces(rows)
}

func scanPostgresTraces(rows *sql.Rows) ([]Trace, error) {
	var out []Trace
	for rows.Next() {
		var (
			tr     Trace
			nested sql.NullString
		)
		if err := rows.Scan(&tr.RunID, &tr.EventNumber, &tr.Caller, &tr.ArtifactID, &tr.Method,
			&tr.Success, &tr.ErrorCode, &tr.PricePaid, &tr.Payer,
			&tr.CPUSeconds, &tr.WallSeconds, &nested, &tr.RecordedAt); err != nil {
			return nil, fmt.Errorf("tracestore: scan trace: %w", err)
		}
		if nested.Valid && nested.String != "" && nested.String != "null" {
			if err := json.Unmarshal([]byte(nested.String), &tr.Nested); err != nil {
				return nil, fmt.Errorf("tracestore: decode nested trace: %w", err)
			}
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *PostgresStore) Close() error { return s.db.Close() }
