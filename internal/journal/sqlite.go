// Package journal persists a local audit trail of dispatched flow runs.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cswartzvi/prefect/internal/core"
)

//go:embed migrations/001_runs.sql
var migrationV1 string

// SQLiteJournal implements core.Journal with SQLite storage.
type SQLiteJournal struct {
	dbPath string
	db     *sql.DB
}

// NewSQLiteJournal opens (creating if needed) the journal database at
// dbPath and applies pending migrations.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	// WAL so the API server can read while dispatches write.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}

	j := &SQLiteJournal{dbPath: dbPath, db: db}
	if err := j.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) migrate() error {
	var version int
	err := j.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, run initial migration
		version = 0
	}
	if version < 1 {
		if _, err := j.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// RecordDispatch inserts a record when a flow run process is spawned.
func (j *SQLiteJournal) RecordDispatch(ctx context.Context, rec core.RunRecord) error {
	dispatched := rec.DispatchedAt
	if dispatched.IsZero() {
		dispatched = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO flow_runs (run_id, deployment_id, flow_name, pid, state, dispatched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			pid = excluded.pid,
			state = excluded.state,
			dispatched_at = excluded.dispatched_at`,
		rec.RunID.String(),
		rec.DeploymentID.String(),
		rec.FlowName,
		rec.PID,
		string(rec.State),
		dispatched.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording dispatch: %w", err)
	}
	return nil
}

// RecordExit finalizes a record once the process was reaped.
func (j *SQLiteJournal) RecordExit(ctx context.Context, runID uuid.UUID, status core.ExitStatus, state core.StateType, reason string) error {
	res, err := j.db.ExecContext(ctx, `
		UPDATE flow_runs
		SET exit_code = ?, signal = ?, state = ?, reason = ?, finished_at = ?
		WHERE run_id = ?`,
		status.Code,
		status.Signal,
		string(state),
		reason,
		time.Now().UTC().Format(time.RFC3339Nano),
		runID.String(),
	)
	if err != nil {
		return fmt.Errorf("recording exit: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return core.ErrNotFound("journal record", runID.String())
	}
	return nil
}

// Recent returns the most recently dispatched records, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]core.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, deployment_id, flow_name, pid, state, exit_code, signal, reason, dispatched_at, finished_at
		FROM flow_runs
		ORDER BY dispatched_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []core.RunRecord
	for rows.Next() {
		var (
			rec                 core.RunRecord
			runID, deploymentID string
			state               string
			exitCode            sql.NullInt64
			dispatchedAt        string
			finishedAt          sql.NullString
		)
		if err := rows.Scan(&runID, &deploymentID, &rec.FlowName, &rec.PID, &state,
			&exitCode, &rec.Signal, &rec.Reason, &dispatchedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		if rec.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("parsing run id %q: %w", runID, err)
		}
		if rec.DeploymentID, err = uuid.Parse(deploymentID); err != nil {
			return nil, fmt.Errorf("parsing deployment id %q: %w", deploymentID, err)
		}
		rec.State = core.StateType(state)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		if rec.DispatchedAt, err = time.Parse(time.RFC3339Nano, dispatchedAt); err != nil {
			return nil, fmt.Errorf("parsing dispatch time %q: %w", dispatchedAt, err)
		}
		if finishedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing finish time %q: %w", finishedAt.String, err)
			}
			rec.FinishedAt = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

var _ core.Journal = (*SQLiteJournal)(nil)
