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

package preprocess

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/coordinator/backend/memory"
	"github.com/tombee/conductor/internal/coordinator/endpointclient"
	"github.com/tombee/conductor/internal/coordinator/queue"
	"github.com/tombee/conductor/internal/coordinator/store"
)

func newFixture(t *testing.T, srv *httptest.Server) (*Driver, *memory.Backend, *queue.MemoryQueue, *store.RunAggregate) {
	t.Helper()

	q := queue.NewMemoryQueue()
	be := memory.New(q)
	be.Seed(
		&store.Run{ID: "r1", Status: store.RunStatusQueued, EnvironmentID: "env1"},
		&store.Environment{ID: "env1", Slug: "production"},
		&store.Endpoint{ID: "ep1", URL: srv.URL},
		&store.Organisation{ID: "org1"},
	)

	client, err := endpointclient.New(endpointclient.Config{UserAgent: "coordinator-test/1.0"})
	require.NoError(t, err)

	agg := &store.RunAggregate{
		Run:          &store.Run{ID: "r1", Status: store.RunStatusQueued, EnvironmentID: "env1"},
		Environment:  &store.Environment{ID: "env1", Slug: "production"},
		Endpoint:     &store.Endpoint{ID: "ep1", URL: srv.URL},
		Organisation: &store.Organisation{ID: "org1"},
		Event:        &store.Event{ID: "ev1", SourceContext: map[string]any{"type": "manual"}},
		Version:      &store.JobVersion{ID: "v1", JobID: "job1"},
	}

	return New(be, client), be, q, agg
}

func TestRun_SuccessTransitionsToStartedAndEnqueues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"abort": false, "properties": map[string]any{"foo": "bar"}})
	}))
	defer srv.Close()

	driver, be, q, agg := newFixture(t, srv)
	require.NoError(t, driver.Run(context.Background(), agg))

	loaded, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusStarted, loaded.Run.Status)
	require.NotNil(t, loaded.Run.StartedAt)
	require.Equal(t, "bar", loaded.Run.Properties["foo"])
	require.False(t, loaded.Run.ForceYieldImmediately)

	require.Equal(t, 1, q.Len())
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	item, err := queue.DecodeWorkItem(job)
	require.NoError(t, err)
	require.Equal(t, queue.ReasonExecuteJob, item.Reason)
	require.False(t, item.SkipRetrying)
}

func TestRun_AbortTerminatesRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"abort": true})
	}))
	defer srv.Close()

	driver, be, q, agg := newFixture(t, srv)
	require.NoError(t, driver.Run(context.Background(), agg))

	loaded, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusAborted, loaded.Run.Status)
	require.NotNil(t, loaded.Run.CompletedAt)
	require.Equal(t, 0, q.Len())
}

func TestRun_NonTwoXXTerminatesRunWithoutRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	driver, be, q, agg := newFixture(t, srv)
	require.NoError(t, driver.Run(context.Background(), agg))

	loaded, err := be.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	// §4.B: a preprocess failure (here, non-2xx) terminates the run
	// with status FAILURE and does not re-enqueue.
	require.Equal(t, store.RunStatusFailure, loaded.Run.Status)
	require.NotNil(t, loaded.Run.CompletedAt)
	require.Equal(t, 0, q.Len())
}

func TestRun_SkipRetryingSetFromDevelopmentEnvironment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"abort": false})
	}))
	defer srv.Close()

	driver, _, q, agg := newFixture(t, srv)
	agg.Environment = &store.Environment{ID: "env1", Slug: "development"}

	require.NoError(t, driver.Run(context.Background(), agg))

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	item, err := queue.DecodeWorkItem(job)
	require.NoError(t, err)
	require.True(t, item.SkipRetrying)
}

func TestRun_AlreadyTerminalIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("endpoint should not be called for a terminal run")
	}))
	defer srv.Close()

	driver, _, q, agg := newFixture(t, srv)
	now := agg.Run.CreatedAt
	agg.Run.CompletedAt = &now
	agg.Run.Status = store.RunStatusSuccess

	require.NoError(t, driver.Run(context.Background(), agg))
	require.Equal(t, 0, q.Len())
}
