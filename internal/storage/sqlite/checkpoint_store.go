// Package sqlite persists checkpoint rows in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const pragmas = "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(10000)"

// CheckpointStore implements checkpoint.Backend on SQLite.
type CheckpointStore struct {
	db    *sql.DB
	table string
}

// Open opens or creates the database at path. The parent directory is
// created when missing.
func Open(ctx context.Context, path, table string) (*CheckpointStore, error) {
	if table == "" {
		table = "case_checkpoints"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps every write on the same WAL writer.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &CheckpointStore{db: db, table: table}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *CheckpointStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	namespace       TEXT NOT NULL,
	case_id         TEXT NOT NULL,
	status          TEXT NOT NULL,
	last_attempt_at TEXT NOT NULL,
	PRIMARY KEY (namespace, case_id)
)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

// Load returns every entry in namespace.
func (s *CheckpointStore) Load(ctx context.Context, namespace string) (map[caseid.ID]casefetch.CheckpointEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT case_id, status, last_attempt_at FROM %s WHERE namespace = ?`, s.table), namespace)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[caseid.ID]casefetch.CheckpointEntry)
	for rows.Next() {
		var id, status, ts string
		if err := rows.Scan(&id, &status, &ts); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		when, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse checkpoint time %q: %w", ts, err)
		}
		out[caseid.ID(id)] = casefetch.CheckpointEntry{
			CaseID:        caseid.ID(id),
			Status:        casefetch.CheckpointStatus(status),
			LastAttemptAt: when,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// Upsert writes entries in one transaction.
func (s *CheckpointStore) Upsert(ctx context.Context, namespace string, entries []casefetch.CheckpointEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (namespace, case_id, status, last_attempt_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (namespace, case_id) DO UPDATE SET
	status = excluded.status,
	last_attempt_at = excluded.last_attempt_at`, s.table))
	if err != nil {
		return fmt.Errorf("prepare checkpoint upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, namespace, e.CaseID.String(), string(e.Status),
			e.LastAttemptAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("upsert checkpoint %s: %w", e.CaseID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoints: %w", err)
	}
	return nil
}

// Delete removes ids from namespace.
func (s *CheckpointStore) Delete(ctx context.Context, namespace string, ids []caseid.ID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	query := fmt.Sprintf(`DELETE FROM %s WHERE namespace = ? AND case_id = ?`, s.table)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, query, namespace, id.String()); err != nil {
			return fmt.Errorf("delete checkpoint %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint delete: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *CheckpointStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
