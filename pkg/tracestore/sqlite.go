package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists traces in a local sqlite database. This is the
// default backend: one file per logs root, no server to run.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the trace database at path. Use
// ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tracestore: open sqlite %s: %w", path, err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS invocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		event_number INTEGER NOT NULL,
		caller TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		method TEXT NOT NULL,
		success INTEGER NOT NULL,
		error_code TEXT NOT NULL DEFAULT '',
		price_paid INTEGER NOT NULL DEFAULT 0,
		payer TEXT NOT NULL DEFAULT '',
		cpu_seconds REAL NOT NULL DEFAULT 0,
		wall_seconds REAL NOT NULL DEFAULT 0,
		nested_count INTEGER NOT NULL DEFAULT 0,
		nested JSON,
		recorded_at DATETIME NOT NULL
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
func (s *SQLiteStore) Record(ctx context.Context, tr Trace) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.RunID, tr.EventNumber, tr.Caller, tr.ArtifactID, tr.Method,
		boolToInt(tr.Success), tr.ErrorCode, tr.PricePaid, tr.Payer,
		tr.CPUSeconds, tr.WallSeconds, len(tr.Nested), string(nested), tr.RecordedAt)
	if err != nil {
		return fmt.Errorf("tracestore: insert trace: %w", err)
	}
	return nil
}

const traceColumns = `run_id, event_number, caller, artifact_id, method, success, error_code,
	price_paid, payer, cpu_seconds, wall_seconds, nested, recorded_at`

// ByArtifact returns traces targeting the artifact, newest first.
func (s *SQLiteStore) ByArtifact(ctx context.Context, artifactID string, limit int) ([]Trace, error) {
	query := `SELECT ` + traceColumns + ` FROM invocations WHERE artifact_id = ? ORDER BY event_number DESC LIMIT ?`
	return s.query(ctx, query, artifactID, normalizeLimit(limit))
}

// ByInvoker returns traces issued by the caller, newest first.
func (s *SQLiteStore) ByInvoker(ctx context.Context, caller string, limit int) ([]Trace, error) {
	query := `SELECT ` + traceColumns + ` FROM invocations WHERE caller = ? ORDER BY event_number DESC LIMIT ?`
	return s.query(ctx, query, caller, normalizeLimit(limit))
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...interface{}) ([]Trace, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tracestore: query traces: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTraces(rows)
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanTraces(rows *sql.Rows) ([]Trace, error) {
	var out []Trace
	for rows.Next() {
		var (
			tr      Trace
			success int
			nested  sql.NullString
		)
		if err := rows.Scan(&tr.RunID, &tr.EventNumber, &tr.Caller, &tr.ArtifactID, &tr.Method,
			&success, &tr.ErrorCode, &tr.PricePaid, &tr.Payer,
			&tr.CPUSeconds, &tr.WallSeconds, &nested, &tr.RecordedAt); err != nil {
			return nil, fmt.Errorf("tracestore: scan trace: %w", err)
		}
		tr.Success = success != 0
		if nested.Valid && nested.String != "" && nested.String != "null" {
			if err := json.Unmarshal([]byte(nested.String), &tr.Nested); err != nil {
				return nil, fmt.Errorf("tracestore: decode nested trace: %w", err)
			}
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
