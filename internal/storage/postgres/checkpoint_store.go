// Package postgres provides a Postgres-backed checkpoint table for runs
// that share state across machines.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for checkpoint rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// CheckpointStore implements checkpoint.Backend on Postgres.
type CheckpointStore struct {
	pool  pool
	table string
}

// NewCheckpointStore connects, then creates the table when missing.
func NewCheckpointStore(ctx context.Context, cfg Config) (*CheckpointStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("checkpoint.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewCheckpointStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewCheckpointStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCheckpointStoreWithPool(p pool, table string) (*CheckpointStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "case_checkpoints"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CheckpointStore{pool: p, table: table}, nil
}

// Migrate creates the checkpoint table.
func (s *CheckpointStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	namespace       TEXT        NOT NULL,
	case_id         TEXT        NOT NULL,
	status          TEXT        NOT NULL,
	last_attempt_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (namespace, case_id)
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

// Load returns every entry in namespace.
func (s *CheckpointStore) Load(ctx context.Context, namespace string) (map[caseid.ID]casefetch.CheckpointEntry, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT case_id, status, last_attempt_at FROM %s WHERE namespace = $1`, s.table), namespace)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	out := make(map[caseid.ID]casefetch.CheckpointEntry)
	for rows.Next() {
		var (
			id, status string
			at         time.Time
		)
		if err := rows.Scan(&id, &status, &at); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out[caseid.ID(id)] = casefetch.CheckpointEntry{
			CaseID:        caseid.ID(id),
			Status:        casefetch.CheckpointStatus(status),
			LastAttemptAt: at.UTC(),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// Upsert writes entries with a single statement.
func (s *CheckpointStore) Upsert(ctx context.Context, namespace string, entries []casefetch.CheckpointEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, len(entries))
	statuses := make([]string, len(entries))
	times := make([]time.Time, len(entries))
	for i, e := range entries {
		ids[i] = e.CaseID.String()
		statuses[i] = string(e.Status)
		times[i] = e.LastAttemptAt.UTC()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (namespace, case_id, status, last_attempt_at)
SELECT $1, t.case_id, t.status, t.last_attempt_at
FROM unnest($2::text[], $3::text[], $4::timestamptz[]) AS t(case_id, status, last_attempt_at)
ON CONFLICT (namespace, case_id) DO UPDATE SET
	status = EXCLUDED.status,
	last_attempt_at = EXCLUDED.last_attempt_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, namespace, ids, statuses, times); err != nil {
		return fmt.Errorf("upsert checkpoints: %w", err)
	}
	return nil
}

// Delete removes ids from namespace.
func (s *CheckpointStore) Delete(ctx context.Context, namespace string, ids []caseid.ID) error {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1 AND case_id = ANY($2)`, s.table)
	if _, err := s.pool.Exec(ctx, query, namespace, keys); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *CheckpointStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
