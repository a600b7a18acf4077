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

// Package execute implements the Execute Driver (§4.C): the core
// state machine that runs one EXECUTE_JOB chunk against a user
// endpoint and maps its response to persisted run/task state and
// follow-up enqueues. It is the coordinator's largest component
// (~45% of core source, §2) and is split the way the teacher splits
// its runner package: control flow here, state-mutating helpers in
// state.go, request/response shapes in body.go.
package execute

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tombee/conductor/internal/config"
	"github.com/tombee/conductor/internal/coordinator/backend"
	"github.com/tombee/conductor/internal/coordinator/endpointclient"
	"github.com/tombee/conductor/internal/coordinator/queue"
	"github.com/tombee/conductor/internal/coordinator/retrypolicy"
	"github.com/tombee/conductor/internal/coordinator/store"
	"github.com/tombee/conductor/internal/coordinator/telemetry"
	"github.com/tombee/conductor/internal/coordinator/yield"
	"github.com/tombee/conductor/internal/log"
)

var validate = validator.New()

// ConnectionResolver is the out-of-scope OAuth/credential resolver
// named in §1: it turns a run's RunConnections into resolved
// credentials keyed by integration key.
type ConnectionResolver interface {
	Resolve(ctx context.Context, runConnections []*store.RunConnection) (map[string]store.ConnectionAuth, error)
}

// TaskCompletionService is the out-of-scope lower-level
// task-completion service named in §1, invoked for
// AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK.
type TaskCompletionService interface {
	CompleteTask(ctx context.Context, taskID string, properties map[string]any, output map[string]any) error
}

// Driver runs the EXECUTE_JOB step.
type Driver struct {
	backend        backend.Backend
	client         *endpointclient.Client
	yieldCoord     *yield.Coordinator
	connections    ConnectionResolver
	taskCompletion TaskCompletionService
	telemetry      telemetry.Sink
	cfg            *config.Config
	logger         *slog.Logger
}

// New builds a Driver.
func New(
	be backend.Backend,
	client *endpointclient.Client,
	yieldCoord *yield.Coordinator,
	connections ConnectionResolver,
	taskCompletion TaskCompletionService,
	sink telemetry.Sink,
	cfg *config.Config,
	logger *slog.Logger,
) *Driver {
	return &Driver{
		backend:        be,
		client:         client,
		yieldCoord:     yieldCoord,
		connections:    connections,
		taskCompletion: taskCompletion,
		telemetry:      sink,
		cfg:            cfg,
		logger:         logger,
	}
}

// Run executes one EXECUTE_JOB chunk for agg.Run (§4.C). item carries
// the inbound work item's retry/drift/legacy-resume metadata.
func (d *Driver) Run(ctx context.Context, agg *store.RunAggregate, item queue.WorkItem) error {
	run := agg.Run

	d.yieldCoord.RegisterRun(run.ID)
	defer d.yieldCoord.DeregisterRun(run.ID)

	if run.Terminal() {
		return nil // invariant 1: terminal runs are no-ops on persisted state
	}
	if d.cfg != nil && agg.Organisation != nil && d.cfg.IsBlockedOrg(agg.Organisation.ID) {
		return d.cancelBlockedOrg(ctx, run.ID)
	}

	skipRetrying := agg.Environment != nil && agg.Environment.IsDevelopment()
	chunkStartTaskCount := agg.TotalTaskCount

	executionCount, err := d.preflight(ctx, agg, item)
	if err != nil {
		return d.failPreflight(ctx, run.ID, err)
	}

	connections, err := d.connections.Resolve(ctx, agg.RunConnections)
	if err != nil {
		return d.failPreflight(ctx, run.ID, fmt.Errorf("resolve connections: %w", err))
	}

	body, err := buildRequestBody(agg, connections, d.cfg.Constants.RunChunkExecutionBuffer, d.cfg.Constants.TotalCachedTaskByteLimit, d.cfg.Constants.NoopTaskSetSize)
	if err != nil {
		return d.failPreflight(ctx, run.ID, fmt.Errorf("build execution body: %w", err))
	}

	logger := log.WithChunkContext(d.logger, run.ID, executionCount, agg.Endpoint.ID)

	driftMs := item.DriftMs(time.Now())
	d.emit(ctx, telemetry.EventStart, driftMs, agg)

	resp, callErr := d.client.Call(ctx, executeURL(agg.Endpoint), agg.Endpoint.APIKey, body)

	d.emit(ctx, telemetry.EventFinish, 0, agg)

	if callErr != nil {
		logger.WarnContext(ctx, "execute call failed", log.Error(callErr))
		// No response at all: retryable, let the queue redeliver (§4.C, §7).
		return fmt.Errorf("execute: call endpoint: %w", callErr)
	}
	logger.DebugContext(ctx, "execute chunk completed", log.Int("status_code", resp.StatusCode), log.Duration("call", resp.DurationMs))

	if resp.Timeout {
		return d.timeoutResume(ctx, run.ID, agg.Organisation, agg.Endpoint, resp.DurationMs, chunkStartTaskCount, skipRetrying)
	}

	if err := d.applyHeaderSideEffects(ctx, run.ID, agg.Endpoint, agg.Run.IsInternal, resp); err != nil {
		return fmt.Errorf("execute: header side effects: %w", err)
	}

	if resp.StatusCode == 0 {
		return fmt.Errorf("execute: no response from endpoint")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return d.handleNonSuccessStatus(ctx, run.ID, resp)
	}

	var parsed responseBody
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return retrypolicy.FailExecution(ctx, d.backend, run.ID, queue.ReasonExecuteJob, store.RunStatusFailure,
			map[string]any{"message": fmt.Sprintf("execute response body was not valid JSON: %v", err)}, resp.DurationMs, skipRetrying)
	}
	if err := validate.Struct(parsed); err != nil {
		return retrypolicy.FailExecution(ctx, d.backend, run.ID, queue.ReasonExecuteJob, store.RunStatusFailure,
			map[string]any{"message": fmt.Sprintf("execute response failed schema validation: %v", err)}, resp.DurationMs, skipRetrying)
	}

	return d.backend.WithTx(ctx, func(ctx context.Context, tx backend.Tx) error {
		current, err := tx.GetRun(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("execute: get run: %w", err)
		}
		if current.Terminal() {
			return nil // invariant 1
		}
		return d.dispatchVariant(ctx, tx, current, agg.Organisation, parsed, resp.DurationMs, false, skipRetrying)
	})
}

func (d *Driver) emit(ctx context.Context, eventType telemetry.EventType, driftMs int64, agg *store.RunAggregate) {
	ev := telemetry.Event{
		Type:          eventType,
		DriftMs:       driftMs,
		EnvironmentID: agg.Run.EnvironmentID,
		RunID:         agg.Run.ID,
	}
	if agg.Organisation != nil {
		ev.OrganisationID = agg.Organisation.ID
	}
	if agg.Project != nil {
		ev.ProjectID = agg.Project.ID
	}
	if agg.Version != nil && agg.Version.Job != nil {
		ev.JobID = agg.Version.Job.ID
	}
	d.telemetry.Emit(ctx, ev)
}

// cancelBlockedOrg marks a run CANCELED when its organisation is on
// the BLOCKED_ORGS list (§4.C, §6, §7).
func (d *Driver) cancelBlockedOrg(ctx context.Context, runID string) error {
	return d.backend.WithTx(ctx, func(ctx context.Context, tx backend.Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("execute: get run: %w", err)
		}
		if run.Terminal() {
			return nil
		}
		now := time.Now()
		run.Status = store.RunStatusCanceled
		run.CompletedAt = &now
		return tx.UpdateRun(ctx, run)
	})
}

// failPreflight fails a run that could not even be prepared for its
// HTTP call (preflight transition failure, connection resolution
// failure, body construction failure) — all are non-retryable per §4.C.
func (d *Driver) failPreflight(ctx context.Context, runID string, cause error) error {
	return retrypolicy.FailExecution(ctx, d.backend, runID, queue.ReasonExecuteJob, store.RunStatusFailure,
		map[string]any{"message": cause.Error()}, 0, false)
}

// handleNonSuccessStatus classifies a non-2xx HTTP response (§4.C
// response classification step 2).
func (d *Driver) handleNonSuccessStatus(ctx context.Context, runID string, resp *endpointclient.Response) error {
	var env errorEnvelope
	if err := json.Unmarshal(resp.Body, &env); err == nil && validate.Struct(env) == nil {
		output := map[string]any{"error": env.Error, "details": env.Details}
		if resp.StatusCode >= 500 {
			// Retryable: surface the error upward for the queue to reschedule.
			return fmt.Errorf("execute: endpoint returned %d: %s", resp.StatusCode, env.Error)
		}
		return retrypolicy.FailExecution(ctx, d.backend, runID, queue.ReasonExecuteJob, store.RunStatusFailure, output, resp.DurationMs, false)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 408 {
		return retrypolicy.FailExecution(ctx, d.backend, runID, queue.ReasonExecuteJob, store.RunStatusFailure,
			map[string]any{"message": fmt.Sprintf("endpoint returned status %d", resp.StatusCode)}, resp.DurationMs, false)
	}

	// Unclassified: retryable.
	return fmt.Errorf("execute: endpoint returned status %d", resp.StatusCode)
}
