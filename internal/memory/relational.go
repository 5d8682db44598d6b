package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// RunRecord is one append-only entry of a run's phase history (spec §4.5
// "append-only records of (run_id, phase, started_at, ended_at, outcome,
// retry_count, token_estimate)").
type RunRecord struct {
	RunID         string
	Phase         string
	StartedAt     time.Time
	EndedAt       time.Time
	Outcome       string
	RetryCount    int
	TokenEstimate int
}

// RoleMetricKey identifies one (role, model_id) aggregate bucket.
type RoleMetricKey struct {
	Role    string
	ModelID string
}

// RoleMetric is the aggregate observed for one RoleMetricKey.
type RoleMetric struct {
	Invocations   int
	TotalTokens   int
	FailureCount  int
}

// RelationalStore is the cross-session store from spec §4.5: used for
// observability, never read by the flow control path.
type RelationalStore struct {
	db *sql.DB
}

// NewRelationalStore opens (or creates) the sqlite-backed relational store
// at path.
func NewRelationalStore(path string) (*RelationalStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open relational store: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			outcome TEXT NOT NULL,
			retry_count INTEGER NOT NULL,
			token_estimate INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS role_metrics (
			role TEXT NOT NULL,
			model_id TEXT NOT NULL,
			invocations INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (role, model_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("memory: create relational schema: %w", err)
		}
	}
	return &RelationalStore{db: db}, nil
}

// RecordPhase appends one phase-completion record (spec §4.5).
func (s *RelationalStore) RecordPhase(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, phase, started_at, ended_at, outcome, retry_count, token_estimate) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Phase, r.StartedAt, r.EndedAt, r.Outcome, r.RetryCount, r.TokenEstimate)
	if err != nil {
		return fmt.Errorf("memory: record phase: %w", err)
	}
	return nil
}

// RecordRoleInvocation accumulates one (role, model_id) aggregate sample
// (spec §4.5 "a map of (role, model_id) -> aggregate metrics").
func (s *RelationalStore) RecordRoleInvocation(ctx context.Context, key RoleMetricKey, tokens int, failed bool) error {
	failureDelta := 0
	if failed {
		failureDelta = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_metrics (role, model_id, invocations, total_tokens, failure_count)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(role, model_id) DO UPDATE SET
			invocations = invocations + 1,
			total_tokens = total_tokens + excluded.total_tokens,
			failure_count = failure_count + excluded.failure_count
	`, key.Role, key.ModelID, tokens, failureDelta)
	if err != nil {
		return fmt.Errorf("memory: record role invocation: %w", err)
	}
	return nil
}

// RoleMetrics returns the current aggregate for one (role, model_id) key.
func (s *RelationalStore) RoleMetrics(ctx context.Context, key RoleMetricKey) (RoleMetric, error) {
	var m RoleMetric
	err := s.db.QueryRowContext(ctx,
		`SELECT invocations, total_tokens, failure_count FROM role_metrics WHERE role = ? AND model_id = ?`,
		key.Role, key.ModelID,
	).Scan(&m.Invocations, &m.TotalTokens, &m.FailureCount)
	if err == sql.ErrNoRows {
		return RoleMetric{}, nil
	}
	if err != nil {
		return RoleMetric{}, fmt.Errorf("memory: query role metrics: %w", err)
	}
	return m, nil
}

// RunHistory returns every recorded phase for runID, in insertion order.
func (s *RelationalStore) RunHistory(ctx context.Context, runID string) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT phase, started_at, ended_at, outcome, retry_count, token_estimate FROM runs WHERE run_id = ? ORDER BY id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("memory: query run history: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r := RunRecord{RunID: runID}
		var endedAt sql.NullTime
		if err := rows.Scan(&r.Phase, &r.StartedAt, &endedAt, &r.Outcome, &r.RetryCount, &r.TokenEstimate); err != nil {
			return nil, fmt.Errorf("memory: scan run history: %w", err)
		}
		if endedAt.Valid {
			r.EndedAt = endedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *RelationalStore) Close() error { return s.db.Close() }
