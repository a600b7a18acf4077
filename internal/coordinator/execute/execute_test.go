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

package execute

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/config"
	"github.com/tombee/conductor/internal/coordinator/backend/memory"
	"github.com/tombee/conductor/internal/coordinator/endpointclient"
	"github.com/tombee/conductor/internal/coordinator/queue"
	"github.com/tombee/conductor/internal/coordinator/store"
	"github.com/tombee/conductor/internal/coordinator/telemetry"
	"github.com/tombee/conductor/internal/coordinator/yield"
)

type stubConnections struct{}

func (stubConnections) Resolve(ctx context.Context, runConnections []*store.RunConnection) (map[string]store.ConnectionAuth, error) {
	return map[string]store.ConnectionAuth{}, nil
}

type stubTaskCompletion struct {
	calls int
}

func (s *stubTaskCompletion) CompleteTask(ctx context.Context, taskID string, properties map[string]any, output map[string]any) error {
	s.calls++
	return nil
}

type noopSink struct{}

func (noopSink) Emit(ctx context.Context, ev telemetry.Event) {}

func newFixture(t *testing.T, srv *httptest.Server) (*Driver, *memory.Backend, *queue.MemoryQueue, *store.RunAggregate) {
	t.Helper()

	q := queue.NewMemoryQueue()
	be := memory.New(q)
	be.Seed(
		&store.Run{ID: "r1", Status: store.RunStatusStarted, EnvironmentID: "env1"},
		&store.Environment{ID: "env1", Slug: "production"},
		&store.Endpoint{ID: "ep1", URL: srv.URL, Version: "v2", RunChunkExecutionLimitMs: 60_000},
		&store.Organisation{ID: "org1", MaximumExecutionTimePerRunInMs: 3_600_000},
	)

	client, err := endpointclient.New(endpointclient.Config{UserAgent: "coordinator-test/1.0"})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()

	driver := New(be, client, yield.New(be), stubConnections{}, &stubTaskCompletion{}, noopSink{}, cfg, logger)

	agg := &store.RunAggregate{
		Run:          &store.Run{ID: "r1", Status: store.RunStatusStarted, EnvironmentID: "env1"},
		Environment:  &store.Environment{ID: "env1", Slug: "production"},
		Endpoint:     &store.Endpoint{ID: "ep1", URL: srv.URL, Version: "v2", RunChunkExecutionLimitMs: 60_000},
		Organisation: &store.Organisation{ID: "org1", MaximumExecutionTimePerRunInMs: 3_600_000},
		Event:        &store.Event{ID: "ev1", SourceContext: map[string]any{"type": "manual"}},
		Version:      &store.JobVersion{ID: "v1", JobID: "job1"},
	}

	return driver, be, q, agg
}

func TestRun_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"status": "SUCCESS", "output": map[string]any{"ok": true}})
	}))
	defer srv.Close()

	driver, be, q, agg := newFixture(t, srv)
	require.NoError(t, driver.Run(context.Background(), agg, queue.WorkItem{RunID: "r1", Reason: queue.ReasonExecuteJob}))

	loaded, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusSuccess, loaded.Run.Status)
	require.NotNil(t, loaded.Run.CompletedAt)
	require.Equal(t, true, loaded.Run.Output["ok"])
	require.Equal(t, 1, loaded.Run.ExecutionCount)

	require.Equal(t, 1, q.Len())
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	item, err := queue.DecodeWorkItem(job)
	require.NoError(t, err)
	require.Equal(t, queue.ReasonDeliverRunSubscriptions, item.Reason)
}

func TestRun_YieldThenSuccess(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		if calls == 1 {
			json.NewEncoder(w).Encode(map[string]any{"status": "YIELD_EXECUTION", "key": "chk1"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "SUCCESS", "output": map[string]any{"ok": true}})
	}))
	defer srv.Close()

	driver, be, q, agg := newFixture(t, srv)
	require.NoError(t, driver.Run(context.Background(), agg, queue.WorkItem{RunID: "r1", Reason: queue.ReasonExecuteJob}))

	loaded, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusStarted, loaded.Run.Status)
	require.Equal(t, []string{"chk1"}, loaded.Run.YieldedExecutions)
	require.Equal(t, 1, loaded.Run.ExecutionCount)
	require.Equal(t, 1, q.Len())

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	item, err := queue.DecodeWorkItem(job)
	require.NoError(t, err)
	require.Equal(t, queue.ReasonExecuteJob, item.Reason)

	agg2, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.NoError(t, driver.Run(context.Background(), agg2, queue.WorkItem{RunID: "r1", Reason: queue.ReasonExecuteJob}))

	final, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusSuccess, final.Run.Status)
	require.Equal(t, 2, final.Run.ExecutionCount)
}

func TestRun_YieldCeilingFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"status": "YIELD_EXECUTION", "key": "chkN"})
	}))
	defer srv.Close()

	driver, be, _, agg := newFixture(t, srv)
	be.Seed(&store.Run{ID: "r1", Status: store.RunStatusStarted, EnvironmentID: "env1", YieldedExecutions: make([]string, 1000)}, nil, nil, nil)
	agg.Run.YieldedExecutions = make([]string, 1000)

	require.NoError(t, driver.Run(context.Background(), agg, queue.WorkItem{RunID: "r1", Reason: queue.ReasonExecuteJob}))

	loaded, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusFailure, loaded.Run.Status)
	require.NotNil(t, loaded.Run.CompletedAt)
}

func TestRun_TimeoutWithNoProgressFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	driver, be, q, agg := newFixture(t, srv)
	require.NoError(t, driver.Run(context.Background(), agg, queue.WorkItem{RunID: "r1", Reason: queue.ReasonExecuteJob}))

	loaded, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusTimedOut, loaded.Run.Status)
	require.Equal(t, 1, q.Len())
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	item, err := queue.DecodeWorkItem(job)
	require.NoError(t, err)
	require.Equal(t, queue.ReasonDeliverRunSubscriptions, item.Reason)
}

func TestRun_TimeoutWithProgressResumes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	driver, be, q, agg := newFixture(t, srv)
	be.SeedTask(&store.Task{ID: "t1", RunID: "r1", Status: store.TaskStatusCompleted})
	agg.TotalTaskCount = 0

	require.NoError(t, driver.Run(context.Background(), agg, queue.WorkItem{RunID: "r1", Reason: queue.ReasonExecuteJob}))

	loaded, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.False(t, loaded.Run.Terminal())
	require.Equal(t, 1, q.Len())

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	item, err := queue.DecodeWorkItem(job)
	require.NoError(t, err)
	require.Equal(t, queue.ReasonExecuteJob, item.Reason)
}

func TestRun_RetryWithTaskOpensNextAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"status": "RETRY_WITH_TASK", "task": map[string]any{"id": "t1", "error": "boom"}})
	}))
	defer srv.Close()

	driver, be, q, agg := newFixture(t, srv)
	be.SeedTask(&store.Task{ID: "t1", RunID: "r1", Status: store.TaskStatusRunning})

	require.NoError(t, driver.Run(context.Background(), agg, queue.WorkItem{RunID: "r1", Reason: queue.ReasonExecuteJob}))

	loaded, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Run.ExecutionCount)
	require.Equal(t, 1, q.Len())

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	item, err := queue.DecodeWorkItem(job)
	require.NoError(t, err)
	require.Equal(t, queue.ReasonResumeTask, item.Reason)
	require.Equal(t, "t1", item.TaskID)
}

func TestRun_BlockedOrgCancels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("endpoint should not be called for a blocked org")
	}))
	defer srv.Close()

	driver, be, _, agg := newFixture(t, srv)
	driver.cfg.BlockedOrgs = []string{"org1"}

	require.NoError(t, driver.Run(context.Background(), agg, queue.WorkItem{RunID: "r1", Reason: queue.ReasonExecuteJob}))

	loaded, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCanceled, loaded.Run.Status)
}

func TestRun_TerminalRunIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("endpoint should not be called for a terminal run")
	}))
	defer srv.Close()

	driver, _, q, agg := newFixture(t, srv)
	now := agg.Run.CreatedAt
	agg.Run.CompletedAt = &now
	agg.Run.Status = store.RunStatusSuccess

	require.NoError(t, driver.Run(context.Background(), agg, queue.WorkItem{RunID: "r1", Reason: queue.ReasonExecuteJob}))
	require.Equal(t, 0, q.Len())
}

func TestRun_LegacyResumeTaskIDCompletesNoopTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"status": "SUCCESS", "output": map[string]any{}})
	}))
	defer srv.Close()

	driver, be, _, agg := newFixture(t, srv)
	be.SeedTask(&store.Task{ID: "legacy1", RunID: "r1", Status: store.TaskStatusWaiting, Noop: true})

	require.NoError(t, driver.Run(context.Background(), agg, queue.WorkItem{RunID: "r1", Reason: queue.ReasonExecuteJob, ResumeTaskID: "legacy1"}))

	loaded, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusSuccess, loaded.Run.Status)
	require.Len(t, loaded.CompletedTasks, 1)
	require.Equal(t, "legacy1", loaded.CompletedTasks[0].ID)
}
