// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides the durable Job Store backend for single-node
// deployments, using a pure-Go SQLite driver so the service needs no cgo
// toolchain to build.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/arnikz/cerise/internal/jobstore"
	_ "modernc.org/sqlite"
)

var _ jobstore.Store = (*Backend)(nil)

// Backend is the SQLite-backed Job Store. SQLite serializes writers onto a
// single connection; the store's own mu, held only by WithStore, makes a
// callback's statements run as one unit with respect to other WithStore
// callbacks, not just within a single exec.
type Backend struct {
	db *sql.DB
	mu sync.Mutex
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens (creating if absent) the SQLite-backed Job Store at cfg.Path.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writes; restrict the pool to one connection so
	// busy_timeout governs contention instead of the driver silently
	// opening a second connection that immediately hits SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("exec %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		workflow TEXT NOT NULL,
		local_input TEXT NOT NULL,
		state TEXT NOT NULL,
		please_delete INTEGER NOT NULL DEFAULT 0,
		log TEXT NOT NULL DEFAULT '',
		workflow_content BLOB,
		remote_workdir_path TEXT,
		remote_workflow_path TEXT,
		remote_input_path TEXT,
		remote_stdout_path TEXT,
		remote_stderr_path TEXT,
		remote_job_id TEXT,
		remote_output TEXT,
		local_output TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error { return b.db.Close() }

// Create inserts a record with state Submitted.
func (b *Backend) Create(ctx context.Context, name, workflow, localInput string) (string, error) {
	id, err := jobstore.NewID()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, workflow, local_input, state, please_delete, log, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)`,
		id, name, workflow, localInput, string(jobstore.Submitted), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

const jobColumns = `id, name, workflow, local_input, state, please_delete, log, workflow_content,
	remote_workdir_path, remote_workflow_path, remote_input_path, remote_stdout_path, remote_stderr_path,
	remote_job_id, remote_output, local_output, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*jobstore.Job, error) {
	var j jobstore.Job
	var state string
	var pleaseDelete int
	var workflowContent []byte
	var remoteWorkdir, remoteWorkflow, remoteInput, remoteStdout, remoteStderr sql.NullString
	var remoteJobID, remoteOutput, localOutput sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(
		&j.ID, &j.Name, &j.Workflow, &j.LocalInput, &state, &pleaseDelete, &j.Log, &workflowContent,
		&remoteWorkdir, &remoteWorkflow, &remoteInput, &remoteStdout, &remoteStderr,
		&remoteJobID, &remoteOutput, &localOutput, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	j.State = jobstore.State(state)
	j.PleaseDelete = pleaseDelete != 0
	j.WorkflowContent = workflowContent
	j.RemoteWorkdirPath = remoteWorkdir.String
	j.RemoteWorkflowPath = remoteWorkflow.String
	j.RemoteInputPath = remoteInput.String
	j.RemoteStdoutPath = remoteStdout.String
	j.RemoteStderrPath = remoteStderr.String
	j.RemoteJobID = remoteJobID.String
	j.RemoteOutput = remoteOutput.String
	j.LocalOutput = localOutput.String
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &j, nil
}

// Get looks up a job by id.
func (b *Backend) Get(ctx context.Context, id string) (*jobstore.Job, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &jobstore.ErrNotFound{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List enumerates present jobs, optionally narrowed by filter.
func (b *Backend) List(ctx context.Context, filter jobstore.Filter) ([]*jobstore.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	var args []any
	if filter.State != "" {
		query += " WHERE state = ?"
		args = append(args, string(filter.State))
	}
	query += " ORDER BY created_at ASC"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*jobstore.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Delete removes a job record.
func (b *Backend) Delete(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// TryTransition is an atomic compare-and-swap on the state column.
func (b *Backend) TryTransition(ctx context.Context, id string, from, to jobstore.State) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := b.db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, updated_at = ? WHERE id = ? AND state = ?",
		string(to), now, id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("try_transition: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("try_transition: %w", err)
	}
	return n == 1, nil
}

// AppendLog appends a line to the job's log.
func (b *Backend) AppendLog(ctx context.Context, id string, line string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := b.db.ExecContext(ctx,
		"UPDATE jobs SET log = CASE WHEN log IS NULL OR log = '' THEN ? ELSE log || char(10) || ? END, updated_at = ? WHERE id = ?",
		line, line, now, id)
	if err != nil {
		return fmt.Errorf("append_log: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("append_log: %w", err)
	}
	if n == 0 {
		return &jobstore.ErrNotFound{ID: id}
	}
	return nil
}

func (b *Backend) setColumn(ctx context.Context, op, id, column string, value any) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := b.db.ExecContext(ctx, fmt.Sprintf("UPDATE jobs SET %s = ?, updated_at = ? WHERE id = ?", column), value, now, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return &jobstore.ErrNotFound{ID: id}
	}
	return nil
}

// SetWorkflowContent writes the resolved workflow document body.
func (b *Backend) SetWorkflowContent(ctx context.Context, id string, content []byte) error {
	return b.setColumn(ctx, "set_workflow_content", id, "workflow_content", content)
}

// SetRemotePaths writes the five remote path fields set on entry to Staged.
func (b *Backend) SetRemotePaths(ctx context.Context, id string, workdir, workflow, input, stdout, stderr string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := b.db.ExecContext(ctx, `UPDATE jobs SET
		remote_workdir_path = ?, remote_workflow_path = ?, remote_input_path = ?,
		remote_stdout_path = ?, remote_stderr_path = ?, updated_at = ?
		WHERE id = ?`, workdir, workflow, input, stdout, stderr, now, id)
	if err != nil {
		return fmt.Errorf("set_remote_paths: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set_remote_paths: %w", err)
	}
	if n == 0 {
		return &jobstore.ErrNotFound{ID: id}
	}
	return nil
}

// SetRemoteJobID writes the scheduler handle, set exactly once on entry to Waiting.
func (b *Backend) SetRemoteJobID(ctx context.Context, id string, remoteJobID string) error {
	return b.setColumn(ctx, "set_remote_job_id", id, "remote_job_id", remoteJobID)
}

// SetRemoteOutput writes the raw JSON from the workflow runner.
func (b *Backend) SetRemoteOutput(ctx context.Context, id string, remoteOutput string) error {
	return b.setColumn(ctx, "set_remote_output", id, "remote_output", remoteOutput)
}

// SetLocalOutput writes the published output description.
func (b *Backend) SetLocalOutput(ctx context.Context, id string, localOutput string) error {
	return b.setColumn(ctx, "set_local_output", id, "local_output", localOutput)
}

// SetPleaseDelete marks a job for teardown once it reaches a terminal state.
func (b *Backend) SetPleaseDelete(ctx context.Context, id string) error {
	return b.setColumn(ctx, "set_please_delete", id, "please_delete", 1)
}

// WithStore is the scoped acquisition point. SQLite serializes all writers
// through a single connection already, so the mutex here makes a manager's
// multi-statement sequence (a read then a transition) atomic with respect
// to other WithStore callbacks. The other Backend methods do not take it,
// and AppendLog is a single statement. It is not re-entrant: a nested
// WithStore call from inside fn deadlocks.
func (b *Backend) WithStore(ctx context.Context, fn func(tx jobstore.Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(&tx{b: b})
}

type tx struct{ b *Backend }

func (t *tx) Get(ctx context.Context, id string) (*jobstore.Job, error) { return t.b.Get(ctx, id) }
func (t *tx) List(ctx context.Context, filter jobstore.Filter) ([]*jobstore.Job, error) {
	return t.b.List(ctx, filter)
}
func (t *tx) TryTransition(ctx context.Context, id string, from, to jobstore.State) (bool, error) {
	return t.b.TryTransition(ctx, id, from, to)
}
func (t *tx) AppendLog(ctx context.Context, id string, line string) error {
	return t.b.AppendLog(ctx, id, line)
}
