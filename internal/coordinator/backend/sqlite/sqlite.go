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

// Package sqlite provides a single-node backend.Backend for local
// development and single-instance deployments, structured the same way
// as backend/postgres (same runRow/taskRow/endpointRow mapping, same
// Tx contract) but driven by the pure-Go modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/tombee/conductor/internal/coordinator/backend"
	"github.com/tombee/conductor/internal/coordinator/queue"
	"github.com/tombee/conductor/internal/coordinator/store"

	_ "modernc.org/sqlite"
)

var _ backend.Backend = (*Backend)(nil)

// Backend is a SQLite storage backend, intended for the memory/sqlite
// tiers of §7's deployment topology: one process, one file.
type Backend struct {
	db *sqlx.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral
	// in-process database.
	Path string
	// WAL enables write-ahead logging, trading fsync durability for
	// concurrent-reader throughput. Irrelevant for :memory:.
	WAL bool
}

// New opens the database, applies pragmas, and runs migrations.
//
// SQLite serializes all writers at the file level regardless of driver-side
// pooling, so unlike backend/postgres this holds the connection pool to a
// single connection rather than coordinating ping/migrate concurrently: a
// second connection would just queue behind the first on SQLITE_BUSY.
func New(cfg Config) (*Backend, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("backend/sqlite: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if _, err := sqlDB.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("backend/sqlite: busy_timeout pragma: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("backend/sqlite: foreign_keys pragma: %w", err)
	}
	if cfg.WAL {
		if _, err := sqlDB.Exec("PRAGMA journal_mode = WAL"); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("backend/sqlite: journal_mode pragma: %w", err)
		}
	}

	if err := migrate(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("backend/sqlite: migrate: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("backend/sqlite: ping: %w", err)
	}

	return &Backend{db: sqlx.NewDb(sqlDB, "sqlite")}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	return goose.Up(db, "migrations")
}

// Close closes the underlying connection.
func (b *Backend) Close() error { return b.db.Close() }

// LoadRunAggregate implements backend.Loader (§4.A): the same
// non-transactional assembly pass as backend/postgres, against "?"
// placeholders instead of "$N".
func (b *Backend) LoadRunAggregate(ctx context.Context, id string) (*store.RunAggregate, error) {
	var row runRow
	err := b.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backend/sqlite: load run: %w", err)
	}

	agg := &store.RunAggregate{Run: row.toRun()}

	if row.EnvironmentID.Valid {
		var env store.Environment
		if err := b.db.GetContext(ctx, &env, `SELECT id, slug FROM environments WHERE id = ?`, row.EnvironmentID.String); err == nil {
			agg.Environment = &env
		}
	}
	if row.EndpointID.Valid {
		var ep endpointRow
		if err := b.db.GetContext(ctx, &ep, `SELECT * FROM endpoints WHERE id = ?`, row.EndpointID.String); err == nil {
			agg.Endpoint = ep.toEndpoint()
		}
	}
	if row.OrganisationID.Valid {
		var org struct {
			ID                             string `db:"id"`
			MaximumExecutionTimePerRunInMs int64  `db:"maximum_execution_time_per_run_ms"`
		}
		if err := b.db.GetContext(ctx, &org, `SELECT id, maximum_execution_time_per_run_ms FROM organisations WHERE id = ?`, row.OrganisationID.String); err == nil {
			agg.Organisation = &store.Organisation{ID: org.ID, MaximumExecutionTimePerRunInMs: org.MaximumExecutionTimePerRunInMs}
		}
	}
	if row.ProjectID.Valid {
		var p store.Project
		if err := b.db.GetContext(ctx, &p, `SELECT id, name FROM projects WHERE id = ?`, row.ProjectID.String); err == nil {
			agg.Project = &p
		}
	}
	if row.ExternalAccountID.Valid {
		agg.ExternalAccount = &store.ExternalAccount{ID: row.ExternalAccountID.String}
	}

	var conns []*store.RunConnection
	if err := b.db.SelectContext(ctx, &conns, `
		SELECT id, run_id AS runid, integration_key AS integrationkey,
		       connection_id AS connectionid, data_reference AS datareference
		FROM run_connections WHERE run_id = ?`, id); err == nil {
		agg.RunConnections = conns
	}

	var taskRows []taskRow
	if err := b.db.SelectContext(ctx, &taskRows, `
		SELECT * FROM tasks WHERE run_id = ? AND status = 'COMPLETED' ORDER BY id ASC`, id); err == nil {
		for _, tr := range taskRows {
			agg.CompletedTasks = append(agg.CompletedTasks, tr.toTask())
		}
	}

	var total int
	if err := b.db.GetContext(ctx, &total, `SELECT count(*) FROM tasks WHERE run_id = ?`, id); err == nil {
		agg.TotalTaskCount = total
	}

	var subRows []subscriptionRow
	if err := b.db.SelectContext(ctx, &subRows, `
		SELECT * FROM job_run_subscriptions WHERE run_id = ? AND recipient_method = 'ENDPOINT'`, id); err == nil {
		for _, sr := range subRows {
			agg.Subscriptions = append(agg.Subscriptions, sr.toSubscription())
		}
	}

	return agg, nil
}

// WithTx runs fn inside one SQL transaction. BEGIN IMMEDIATE would be the
// sharper tool for write-intent locking, but with the pool already pinned
// to a single connection (New) every transaction is exclusive by
// construction, so the default deferred BEGIN is sufficient.
func (b *Backend) WithTx(ctx context.Context, fn func(ctx context.Context, tx backend.Tx) error) error {
	sqlTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("backend/sqlite: begin: %w", err)
	}

	sTx := &sqliteTx{tx: sqlTx}
	if err := fn(ctx, sTx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("backend/sqlite: commit: %w", err)
	}
	return nil
}

type sqliteTx struct {
	tx *sqlx.Tx
}

func (t *sqliteTx) GetRun(ctx context.Context, id string) (*store.Run, error) {
	var row runRow
	if err := t.tx.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("backend/sqlite: get run: %w", err)
	}
	return row.toRun(), nil
}

func (t *sqliteTx) UpdateRun(ctx context.Context, run *store.Run) error {
	yielded, _ := json.Marshal(run.YieldedExecutions)
	output, _ := json.Marshal(run.Output)
	props, _ := json.Marshal(run.Properties)

	_, err := t.tx.ExecContext(ctx, `
		UPDATE runs SET status=?, started_at=?, completed_at=?, execution_count=?,
			execution_duration_ms=?, yielded_executions=?, output=?, properties=?,
			force_yield_immediately=?, updated_at=?
		WHERE id=?`,
		string(run.Status), formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt), run.ExecutionCount,
		run.ExecutionDurationMs, yielded, output, props, boolToInt(run.ForceYieldImmediately), formatTime(time.Now()), run.ID)
	if err != nil {
		return fmt.Errorf("backend/sqlite: update run: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetTask(ctx context.Context, id string) (*store.Task, error) {
	var row taskRow
	if err := t.tx.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("backend/sqlite: get task: %w", err)
	}
	return row.toTask(), nil
}

func (t *sqliteTx) UpdateTask(ctx context.Context, task *store.Task) error {
	output, _ := json.Marshal(task.Output)
	props, _ := json.Marshal(task.OutputProperties)

	_, err := t.tx.ExecContext(ctx, `
		UPDATE tasks SET status=?, output=?, output_properties=?, completed_at=?
		WHERE id=?`, string(task.Status), output, props, formatTimePtr(task.CompletedAt), task.ID)
	if err != nil {
		return fmt.Errorf("backend/sqlite: update task: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetLatestTask(ctx context.Context, runID string) (*store.Task, error) {
	var row taskRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT * FROM tasks WHERE run_id=? ORDER BY created_at DESC LIMIT 1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backend/sqlite: latest task: %w", err)
	}
	return row.toTask(), nil
}

func (t *sqliteTx) ListNonTerminalTasks(ctx context.Context, runID string) ([]*store.Task, error) {
	var rows []taskRow
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT * FROM tasks WHERE run_id=? AND status IN ('WAITING','RUNNING','PENDING')`, runID)
	if err != nil {
		return nil, fmt.Errorf("backend/sqlite: non-terminal tasks: %w", err)
	}
	tasks := make([]*store.Task, len(rows))
	for i, r := range rows {
		tasks[i] = r.toTask()
	}
	return tasks, nil
}

func (t *sqliteTx) CountTasks(ctx context.Context, runID string) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, `SELECT count(*) FROM tasks WHERE run_id=?`, runID)
	if err != nil {
		return 0, fmt.Errorf("backend/sqlite: count tasks: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) GetLatestTaskAttempt(ctx context.Context, taskID string) (*store.TaskAttempt, error) {
	var a attemptRow
	err := t.tx.GetContext(ctx, &a, `
		SELECT * FROM task_attempts WHERE task_id=? ORDER BY number DESC LIMIT 1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backend/sqlite: latest attempt: %w", err)
	}
	return a.toAttempt(), nil
}

func (t *sqliteTx) CreateTaskAttempt(ctx context.Context, attempt *store.TaskAttempt) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO task_attempts (id, task_id, number, status, run_at, error)
		VALUES (?,?,?,?,?,?)`,
		attempt.ID, attempt.TaskID, attempt.Number, string(attempt.Status), formatTime(attempt.RunAt), attempt.Error)
	if err != nil {
		return fmt.Errorf("backend/sqlite: create attempt: %w", err)
	}
	return nil
}

func (t *sqliteTx) UpdateTaskAttempt(ctx context.Context, attempt *store.TaskAttempt) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE task_attempts SET status=?, error=? WHERE id=?`,
		string(attempt.Status), attempt.Error, attempt.ID)
	if err != nil {
		return fmt.Errorf("backend/sqlite: update attempt: %w", err)
	}
	return nil
}

func (t *sqliteTx) UpdateEndpoint(ctx context.Context, endpoint *store.Endpoint) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE endpoints SET version=?, run_chunk_execution_limit_ms=? WHERE id=?`,
		endpoint.Version, endpoint.RunChunkExecutionLimitMs, endpoint.ID)
	if err != nil {
		return fmt.Errorf("backend/sqlite: update endpoint: %w", err)
	}
	return nil
}

func (t *sqliteTx) CreateAutoYieldExecution(ctx context.Context, aye *store.AutoYieldExecution) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO auto_yield_executions (id, run_id, location, time_remaining, time_elapsed, "limit", created_at)
		VALUES (?,?,?,?,?,?,?)`,
		aye.ID, aye.RunID, aye.Location, aye.TimeRemaining, aye.TimeElapsed, aye.Limit, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("backend/sqlite: create auto-yield execution: %w", err)
	}
	return nil
}

func (t *sqliteTx) UpsertSubscription(ctx context.Context, sub *store.JobRunSubscription) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO job_run_subscriptions (id, run_id, recipient, event, recipient_method, status)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (run_id, recipient, event) DO NOTHING`,
		sub.ID, sub.RunID, sub.Recipient, string(sub.Event), string(sub.RecipientMethod), string(sub.Status))
	if err != nil {
		return fmt.Errorf("backend/sqlite: upsert subscription: %w", err)
	}
	return nil
}

func (t *sqliteTx) Enqueue(ctx context.Context, job *queue.Job) error {
	inputs, err := json.Marshal(job.Inputs)
	if err != nil {
		return fmt.Errorf("backend/sqlite: marshal job inputs: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO job_queue (id, inputs, priority, status, created_at)
		VALUES (?,?,?,'pending',?)
		ON CONFLICT (id) DO NOTHING`, job.ID, inputs, job.Priority, formatTime(job.CreatedAt))
	if err != nil {
		return fmt.Errorf("backend/sqlite: enqueue: %w", err)
	}
	return nil
}
