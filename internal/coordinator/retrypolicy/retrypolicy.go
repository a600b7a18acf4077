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

// Package retrypolicy implements the Failure & Retry Policy (§4.F):
// failExecution for terminal failures, and
// failExecutionWithRetry for the one path that relies on "exception"-
// shaped control flow, translated to Go as a typed error return
// (§7, §9).
package retrypolicy

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/conductor/internal/coordinator/backend"
	"github.com/tombee/conductor/internal/coordinator/queue"
	"github.com/tombee/conductor/internal/coordinator/store"
	pkgerrors "github.com/tombee/conductor/pkg/errors"
)

// FailExecution runs the terminal-failure bookkeeping for one chunk in
// a single transaction (§4.F).
//
//   - reason=EXECUTE_JOB: the run is terminated with status and output;
//     all non-terminal tasks are closed out (CANCELED if status is
//     TIMED_OUT, else ERRORED); deliverRunSubscriptions is enqueued.
//   - reason=PREPROCESS: the run is terminated with status and output
//     and nothing is re-enqueued, for every status including FAILURE —
//     preprocess never retries the endpoint (§4.B: "its failure path
//     does not re-enqueue"). skipRetrying has no bearing here; it
//     remains part of the signature because the EXECUTE_JOB callers
//     share it.
func FailExecution(ctx context.Context, be backend.Backend, runID string, reason queue.Reason, status store.RunStatus, output map[string]any, durationInMs int64, skipRetrying bool) error {
	return be.WithTx(ctx, func(ctx context.Context, tx backend.Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("retrypolicy: get run: %w", err)
		}
		if run.Terminal() {
			return nil // invariant 1: terminal runs are no-ops on persisted state
		}

		switch reason {
		case queue.ReasonExecuteJob:
			return FailExecuteJobTx(ctx, tx, run, status, output, durationInMs)
		case queue.ReasonPreprocess:
			return failPreprocessTerminal(ctx, tx, run, status, output)
		default:
			return fmt.Errorf("retrypolicy: unsupported reason %q", reason)
		}
	})
}

// FailExecuteJobTx runs the EXECUTE_JOB branch of failExecution against
// an already-open transaction. Exported so the Execute Driver can reuse
// it for the RESUME_WITH_PARALLEL_TASK child dispatch (§4.C), which
// must stay inside the parent's single transaction rather than opening
// a nested one.
func FailExecuteJobTx(ctx context.Context, tx backend.Tx, run *store.Run, status store.RunStatus, output map[string]any, durationInMs int64) error {
	now := time.Now()
	run.CompletedAt = &now
	run.Status = status
	run.Output = output
	run.ExecutionDurationMs += durationInMs
	run.ForceYieldImmediately = false

	if err := tx.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("retrypolicy: update run: %w", err)
	}

	nonTerminal, err := tx.ListNonTerminalTasks(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("retrypolicy: list non-terminal tasks: %w", err)
	}

	closedStatus := store.TaskStatusErrored
	if status == store.RunStatusTimedOut {
		closedStatus = store.TaskStatusCanceled
	}

	for _, task := range nonTerminal {
		task.Status = closedStatus
		task.CompletedAt = &now
		if err := tx.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("retrypolicy: close task %s: %w", task.ID, err)
		}
	}

	return tx.Enqueue(ctx, queue.EncodeWorkItem(queue.WorkItem{
		RunID:  run.ID,
		Reason: queue.ReasonDeliverRunSubscriptions,
	}))
}

// failPreprocessTerminal terminates the run with status/output and
// re-enqueues nothing, for both PREPROCESS outcomes (ABORTED and
// FAILURE alike): §4.B is explicit that preprocess never retries the
// endpoint and its failure path does not re-enqueue.
func failPreprocessTerminal(ctx context.Context, tx backend.Tx, run *store.Run, status store.RunStatus, output map[string]any) error {
	now := time.Now()
	run.CompletedAt = &now
	run.Status = status
	run.Output = output
	return tx.UpdateRun(ctx, run)
}

// FailExecutionWithRetry returns a *pkgerrors.RetryableError carrying
// output, the Go-idiomatic form of "throw a structured error so the
// queue worker redelivers the message" (§4.F, §7, §9). It performs no
// store writes: the message itself is the unit of retry.
func FailExecutionWithRetry(reason string, output map[string]any, cause error) error {
	return &pkgerrors.RetryableError{
		Reason: reason,
		Output: output,
		Cause:  cause,
	}
}
