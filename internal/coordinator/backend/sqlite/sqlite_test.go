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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/coordinator/backend"
	"github.com/tombee/conductor/internal/coordinator/queue"
	"github.com/tombee/conductor/internal/coordinator/store"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	be, err := New(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })
	return be
}

func seedRun(t *testing.T, be *Backend, run *store.Run) {
	t.Helper()
	now := formatTime(time.Now())
	_, err := be.db.Exec(`
		INSERT INTO runs (id, status, execution_count, execution_duration_ms, yielded_executions,
			force_yield_immediately, environment_id, is_internal, is_test, created_at, updated_at)
		VALUES (?,?,?,?,'[]',0,NULL,0,0,?,?)`,
		run.ID, string(run.Status), run.ExecutionCount, run.ExecutionDurationMs, now, now)
	require.NoError(t, err)
}

func TestLoadRunAggregate_MissingRunReturnsNilNil(t *testing.T) {
	be := newTestBackend(t)

	agg, err := be.LoadRunAggregate(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, agg)
}

func TestLoadRunAggregate_AssemblesRunAndCounts(t *testing.T) {
	be := newTestBackend(t)
	seedRun(t, be, &store.Run{ID: "r1", Status: store.RunStatusStarted, ExecutionCount: 1})

	agg, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, agg)
	require.Equal(t, "r1", agg.Run.ID)
	require.Equal(t, store.RunStatusStarted, agg.Run.Status)
	require.Equal(t, 0, agg.TotalTaskCount)
	require.Empty(t, agg.CompletedTasks)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	be := newTestBackend(t)
	seedRun(t, be, &store.Run{ID: "r1", Status: store.RunStatusStarted})

	boom := testError{"forced rollback"}
	err := be.WithTx(context.Background(), func(ctx context.Context, tx backend.Tx) error {
		run, err := tx.GetRun(ctx, "r1")
		require.NoError(t, err)
		run.ExecutionCount = 99
		require.NoError(t, tx.UpdateRun(ctx, run))
		return boom
	})
	require.ErrorIs(t, err, boom)

	agg, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, 0, agg.Run.ExecutionCount)
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	be := newTestBackend(t)
	seedRun(t, be, &store.Run{ID: "r1", Status: store.RunStatusStarted})

	err := be.WithTx(context.Background(), func(ctx context.Context, tx backend.Tx) error {
		run, err := tx.GetRun(ctx, "r1")
		require.NoError(t, err)
		run.ExecutionCount = 1
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		return tx.Enqueue(ctx, &queue.Job{ID: "job-1", CreatedAt: time.Now()})
	})
	require.NoError(t, err)

	agg, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, 1, agg.Run.ExecutionCount)

	var n int
	require.NoError(t, be.db.Get(&n, `SELECT count(*) FROM job_queue WHERE id = ?`, "job-1"))
	require.Equal(t, 1, n)
}

func TestTaskAttempts_CreateAndGetLatest(t *testing.T) {
	be := newTestBackend(t)
	seedRun(t, be, &store.Run{ID: "r1", Status: store.RunStatusStarted})

	_, err := be.db.Exec(`INSERT INTO tasks (id, run_id, idempotency_key, status, created_at) VALUES (?,?,?,?,?)`,
		"t1", "r1", "idem-1", string(store.TaskStatusRunning), formatTime(time.Now()))
	require.NoError(t, err)

	err = be.WithTx(context.Background(), func(ctx context.Context, tx backend.Tx) error {
		if err := tx.CreateTaskAttempt(ctx, &store.TaskAttempt{ID: "a1", TaskID: "t1", Number: 1, Status: store.TaskAttemptStatusPending, RunAt: time.Now()}); err != nil {
			return err
		}
		return tx.CreateTaskAttempt(ctx, &store.TaskAttempt{ID: "a2", TaskID: "t1", Number: 2, Status: store.TaskAttemptStatusPending, RunAt: time.Now()})
	})
	require.NoError(t, err)

	err = be.WithTx(context.Background(), func(ctx context.Context, tx backend.Tx) error {
		latest, err := tx.GetLatestTaskAttempt(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, 2, latest.Number)
		return nil
	})
	require.NoError(t, err)
}

type testError struct{ s string }

func (e testError) Error() string { return e.s }
