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

// Package postgres is a job_queue-table-backed queue.Queue using
// SELECT ... FOR UPDATE SKIP LOCKED for distributed, multi-worker claiming,
// adapted from the teacher's DequeueJob.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tombee/conductor/internal/coordinator/queue"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Queue is a postgres-backed queue.Queue.
type Queue struct {
	db *sql.DB
}

// New opens a postgres connection pool and returns a Queue backed by it.
// The caller is responsible for running migrations (see Migrate).
func New(ctx context.Context, connectionString string) (*Queue, error) {
	db, err := sql.Open("pgx", connectionString)
	if err != nil {
		return nil, fmt.Errorf("queue/postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue/postgres: ping: %w", err)
	}
	return &Queue{db: db}, nil
}

// Enqueue inserts job into job_queue in the 'pending' state.
func (q *Queue) Enqueue(ctx context.Context, job *queue.Job) error {
	inputs, err := json.Marshal(job.Inputs)
	if err != nil {
		return fmt.Errorf("queue/postgres: marshal inputs: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO job_queue (id, inputs, priority, status, created_at)
		VALUES ($1, $2, $3, 'pending', $4)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, inputs, job.Priority, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("queue/postgres: enqueue: %w", err)
	}
	return nil
}

// Dequeue claims and returns the highest-priority pending job using
// SELECT ... FOR UPDATE SKIP LOCKED, matching the teacher's DequeueJob.
func (q *Queue) Dequeue(ctx context.Context) (*queue.Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue/postgres: begin: %w", err)
	}
	defer tx.Rollback()

	var job queue.Job
	var inputs []byte
	err = tx.QueryRowContext(ctx, `
		SELECT id, inputs, priority, created_at FROM job_queue
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`).Scan(&job.ID, &inputs, &job.Priority, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue/postgres: dequeue: %w", err)
	}

	if err := json.Unmarshal(inputs, &job.Inputs); err != nil {
		return nil, fmt.Errorf("queue/postgres: unmarshal inputs: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE job_queue SET status = 'running', locked_at = NOW() WHERE id = $1
	`, job.ID); err != nil {
		return nil, fmt.Errorf("queue/postgres: lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue/postgres: commit: %w", err)
	}

	// Claimed jobs are removed once the worker has handed them off;
	// completion/failure is the coordinator's responsibility via Ack/Nack.
	return &job, nil
}

// Ack deletes a successfully processed job.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM job_queue WHERE id = $1", jobID)
	if err != nil {
		return fmt.Errorf("queue/postgres: ack: %w", err)
	}
	return nil
}

// Nack returns a claimed job to the pending state for redelivery, the
// path failExecutionWithRetry relies on (§4.F, §7).
func (q *Queue) Nack(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE job_queue SET status = 'pending', locked_at = NULL WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("queue/postgres: nack: %w", err)
	}
	return nil
}

// RecoverStalled returns stuck 'running' jobs older than timeout to 'pending'.
func (q *Queue) RecoverStalled(ctx context.Context, timeout time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE job_queue SET status = 'pending', locked_at = NULL
		WHERE status = 'running' AND locked_at < $1
	`, time.Now().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("queue/postgres: recover stalled: %w", err)
	}
	return res.RowsAffected()
}

// Peek returns the highest-priority pending job without claiming it.
func (q *Queue) Peek(ctx context.Context) (*queue.Job, error) {
	var job queue.Job
	var inputs []byte
	err := q.db.QueryRowContext(ctx, `
		SELECT id, inputs, priority, created_at FROM job_queue
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`).Scan(&job.ID, &inputs, &job.Priority, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue/postgres: peek: %w", err)
	}
	if err := json.Unmarshal(inputs, &job.Inputs); err != nil {
		return nil, fmt.Errorf("queue/postgres: unmarshal inputs: %w", err)
	}
	return &job, nil
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	var n int
	if err := q.db.QueryRow("SELECT count(*) FROM job_queue WHERE status = 'pending'").Scan(&n); err != nil {
		return 0
	}
	return n
}

// Close closes the underlying connection pool.
func (q *Queue) Close() error {
	return q.db.Close()
}

var _ queue.Queue = (*Queue)(nil)
