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

package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/coordinator/backend"
	"github.com/tombee/conductor/internal/coordinator/queue"
	"github.com/tombee/conductor/internal/coordinator/store"
)

func newMockBackend(t *testing.T) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Backend{db: sqlx.NewDb(db, "pgx")}, mock
}

func TestLoadRunAggregate_MissingRunReturnsNilNil(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	agg, err := b.LoadRunAggregate(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, agg)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRunAggregate_AssemblesRunAndCounts(t *testing.T) {
	b, mock := newMockBackend(t)

	runCols := []string{
		"id", "status", "started_at", "completed_at", "execution_count",
		"execution_duration_ms", "yielded_executions", "output", "properties",
		"force_yield_immediately", "environment_id", "endpoint_id",
		"organisation_id", "project_id", "external_account_id", "event_id",
		"version_id", "is_internal", "is_test", "created_at", "updated_at",
	}
	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(runCols).AddRow(
			"r1", "STARTED", nil, nil, 1, 0, []byte(`[]`), nil, nil,
			false, nil, nil, nil, nil, nil, nil, nil, false, false, now, now,
		))

	mock.ExpectQuery(`SELECT id, run_id`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "runid", "integrationkey", "connectionid", "datareference"}))

	mock.ExpectQuery(`SELECT \* FROM tasks WHERE run_id = \$1 AND status = 'COMPLETED'`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "run_id", "idempotency_key", "status", "noop", "output",
			"output_properties", "output_is_undefined", "parent_id", "created_at", "completed_at",
		}))

	mock.ExpectQuery(`SELECT count\(\*\) FROM tasks WHERE run_id = \$1`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	mock.ExpectQuery(`SELECT \* FROM job_run_subscriptions`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "run_id", "recipient", "event", "recipient_method", "status",
		}))

	agg, err := b.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, agg)
	require.Equal(t, "r1", agg.Run.ID)
	require.Equal(t, store.RunStatusStarted, agg.Run.Status)
	require.Equal(t, 3, agg.TotalTaskCount)
	require.Empty(t, agg.CompletedTasks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := require.New(t)
	err := b.WithTx(context.Background(), func(ctx context.Context, tx backend.Tx) error {
		return errTest
	})
	boom.Error(err)
	boom.NoError(mock.ExpectationsWereMet())
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO job_queue`).
		WithArgs("job-1", []byte("null"), 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := b.WithTx(context.Background(), func(ctx context.Context, tx backend.Tx) error {
		return tx.Enqueue(ctx, &queue.Job{ID: "job-1", CreatedAt: time.Now()})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

type testError struct{ s string }

func (e testError) Error() string { return e.s }

var errTest = testError{"forced rollback"}
