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

// State-mutating helpers for the eleven execute response variants (§4.C).
// Every function here runs inside a transaction already opened by the
// caller (execute.go's Run, or a RESUME_WITH_PARALLEL_TASK recursing
// into its own children) — none of them opens a transaction itself.
package execute

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/conductor/internal/coordinator/backend"
	"github.com/tombee/conductor/internal/coordinator/queue"
	"github.com/tombee/conductor/internal/coordinator/retrypolicy"
	"github.com/tombee/conductor/internal/coordinator/store"
)

// dispatchVariant routes one response body to its handler (§4.C, §9:
// exhaustive handling of the closed tagged union). isChild is true
// only for RESUME_WITH_PARALLEL_TASK's childErrors, where durationInMs
// is always 0 and resumeWithTask's caller-supplied amount must not
// apply again — preflight's single per-chunk bump is the sole
// executionCount accounting event for the whole chunk (§4.C).
func (d *Driver) dispatchVariant(ctx context.Context, tx backend.Tx, run *store.Run, org *store.Organisation, resp responseBody, durationInMs int64, isChild bool, skipRetrying bool) error {
	switch resp.Status {
	case StatusSuccess:
		return completeSuccess(ctx, tx, run, resp, durationInMs)
	case StatusError:
		return d.handleError(ctx, tx, run, resp, durationInMs)
	case StatusInvalidPayload:
		return retrypolicy.FailExecuteJobTx(ctx, tx, run, store.RunStatusInvalidPayload, issuesOutput(resp), durationInMs)
	case StatusUnresolvedAuthError:
		return retrypolicy.FailExecuteJobTx(ctx, tx, run, store.RunStatusUnresolvedAuth, issuesOutput(resp), durationInMs)
	case StatusCanceled:
		return nil // cancellation is observed elsewhere (§4.C)
	case StatusResumeWithTask:
		return resumeWithTask(ctx, tx, run, resp, durationInMs, isChild)
	case StatusRetryWithTask:
		return retryWithTask(ctx, tx, run, resp, durationInMs, isChild)
	case StatusYieldExecution:
		return d.yieldExecution(ctx, tx, run, resp, durationInMs, isChild, skipRetrying)
	case StatusAutoYieldExecution:
		return autoYieldExecution(ctx, tx, run, resp, durationInMs, isChild, skipRetrying)
	case StatusAutoYieldExecutionWithCompletedTask:
		return d.autoYieldExecutionWithCompletedTask(ctx, tx, run, resp, durationInMs, isChild, skipRetrying)
	case StatusResumeWithParallelTask:
		return d.resumeWithParallelTask(ctx, tx, run, org, resp, durationInMs, skipRetrying)
	default:
		return fmt.Errorf("execute: unhandled response status %q", resp.Status)
	}
}

func completeSuccess(ctx context.Context, tx backend.Tx, run *store.Run, resp responseBody, durationInMs int64) error {
	now := time.Now()
	run.CompletedAt = &now
	run.Status = store.RunStatusSuccess
	run.Output = resp.Output
	run.ExecutionDurationMs += durationInMs

	if err := tx.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("execute: update run on success: %w", err)
	}
	return tx.Enqueue(ctx, queue.EncodeWorkItem(queue.WorkItem{
		RunID:  run.ID,
		Reason: queue.ReasonDeliverRunSubscriptions,
	}))
}

func (d *Driver) handleError(ctx context.Context, tx backend.Tx, run *store.Run, resp responseBody, durationInMs int64) error {
	if resp.Task != nil {
		task, err := tx.GetTask(ctx, resp.Task.ID)
		if err != nil {
			return fmt.Errorf("execute: get errored task %s: %w", resp.Task.ID, err)
		}
		now := time.Now()
		task.Status = store.TaskStatusErrored
		task.CompletedAt = &now
		task.Output = resp.Task.Output
		if err := tx.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("execute: close errored task %s: %w", task.ID, err)
		}
	}

	output := resp.Output
	if output == nil && resp.Task != nil {
		output = resp.Task.Output
	}
	return retrypolicy.FailExecuteJobTx(ctx, tx, run, store.RunStatusFailure, output, durationInMs)
}

// resumeWithTask enqueues a ResumeTask message unless the task carries
// its own completion path (an operation or callback URL), in which
// case an external collaborator is assumed to enqueue it (§4.C).
func resumeWithTask(ctx context.Context, tx backend.Tx, run *store.Run, resp responseBody, durationInMs int64, isChild bool) error {
	run.ExecutionDurationMs += durationInMs
	if !isChild {
		amount := resp.ExecutionCount
		if amount == 0 {
			amount = 1
		}
		// preflight already applied this chunk's baseline +1; only the
		// caller-supplied amount beyond that baseline applies here, so
		// the net bump for the chunk equals amount, not 1+amount.
		run.ExecutionCount += amount - 1
	}

	if resp.Task != nil && resp.Task.OutputProperties != nil {
		task, err := tx.GetTask(ctx, resp.Task.ID)
		if err != nil {
			return fmt.Errorf("execute: get resumed task %s: %w", resp.Task.ID, err)
		}
		task.OutputProperties = resp.Task.OutputProperties
		if err := tx.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("execute: update resumed task %s: %w", task.ID, err)
		}
	}

	if err := tx.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("execute: update run on resume: %w", err)
	}

	if resp.Task == nil || (resp.Task.Operation != "" || resp.Task.CallbackURL != "") {
		// The endpoint (or an external completion path) owns enqueueing
		// the continuation; nothing further to do here.
		return nil
	}

	var delay time.Time
	if resp.Task.DelayUntil != nil {
		delay = *resp.Task.DelayUntil
	}
	return tx.Enqueue(ctx, queue.EncodeWorkItem(queue.WorkItem{
		RunID:       run.ID,
		Reason:      queue.ReasonResumeTask,
		TaskID:      resp.Task.ID,
		ScheduledAt: delay,
	}))
}

// retryWithTask closes the task's previous pending attempt (if any),
// opens the next one, and marks the task WAITING until it fires (§4.C, S5).
func retryWithTask(ctx context.Context, tx backend.Tx, run *store.Run, resp responseBody, durationInMs int64, isChild bool) error {
	if resp.Task == nil {
		return fmt.Errorf("execute: RETRY_WITH_TASK missing task")
	}

	nextNumber := 1
	if prev, err := tx.GetLatestTaskAttempt(ctx, resp.Task.ID); err != nil {
		return fmt.Errorf("execute: get latest attempt for %s: %w", resp.Task.ID, err)
	} else if prev != nil {
		prev.Status = store.TaskAttemptStatusErrored
		prev.Error = resp.Task.Error
		if err := tx.UpdateTaskAttempt(ctx, prev); err != nil {
			return fmt.Errorf("execute: close attempt %s: %w", prev.ID, err)
		}
		nextNumber = prev.Number + 1
	}

	retryAt := time.Now()
	if resp.Task.RetryAt != nil {
		retryAt = *resp.Task.RetryAt
	}
	attempt := &store.TaskAttempt{
		ID:     uuid.NewString(),
		TaskID: resp.Task.ID,
		Number: nextNumber,
		Status: store.TaskAttemptStatusPending,
		RunAt:  retryAt,
	}
	if err := tx.CreateTaskAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("execute: create attempt for %s: %w", resp.Task.ID, err)
	}

	task, err := tx.GetTask(ctx, resp.Task.ID)
	if err != nil {
		return fmt.Errorf("execute: get task %s: %w", resp.Task.ID, err)
	}
	task.Status = store.TaskStatusWaiting
	if err := tx.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("execute: mark task %s waiting: %w", task.ID, err)
	}

	run.ExecutionDurationMs += durationInMs
	if err := tx.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("execute: update run on retry: %w", err)
	}

	return tx.Enqueue(ctx, queue.EncodeWorkItem(queue.WorkItem{
		RunID:       run.ID,
		Reason:      queue.ReasonResumeTask,
		TaskID:      resp.Task.ID,
		ScheduledAt: retryAt,
	}))
}

// yieldExecution appends the opaque checkpoint key, enforcing the
// yield ceiling (invariant 3, S6).
func (d *Driver) yieldExecution(ctx context.Context, tx backend.Tx, run *store.Run, resp responseBody, durationInMs int64, isChild bool, skipRetrying bool) error {
	max := d.cfg.Constants.MaxRunYieldedExecutions
	if len(run.YieldedExecutions)+1 > max {
		return retrypolicy.FailExecuteJobTx(ctx, tx, run, store.RunStatusFailure,
			map[string]any{"message": fmt.Sprintf("yielded executions would exceed the maximum of %d", max)},
			durationInMs)
	}

	run.YieldedExecutions = append(run.YieldedExecutions, resp.Key)
	run.ExecutionDurationMs += durationInMs
	run.ForceYieldImmediately = false

	if err := tx.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("execute: update run on yield: %w", err)
	}
	return tx.Enqueue(ctx, queue.EncodeWorkItem(queue.WorkItem{
		RunID:        run.ID,
		Reason:       queue.ReasonExecuteJob,
		SkipRetrying: skipRetrying,
	}))
}

// autoYieldExecution records an AutoYieldExecution bookkeeping row, adds
// the chunk's duration, clears ForceYieldImmediately and re-enqueues. It
// applies no yield ceiling and does not append a key to YieldedExecutions.
func autoYieldExecution(ctx context.Context, tx backend.Tx, run *store.Run, resp responseBody, durationInMs int64, isChild bool, skipRetrying bool) error {
	if err := recordAutoYield(ctx, tx, run.ID, resp); err != nil {
		return err
	}

	run.ExecutionDurationMs += durationInMs
	run.ForceYieldImmediately = false

	if err := tx.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("execute: update run on auto-yield: %w", err)
	}
	return tx.Enqueue(ctx, queue.EncodeWorkItem(queue.WorkItem{
		RunID:        run.ID,
		Reason:       queue.ReasonExecuteJob,
		SkipRetrying: skipRetrying,
	}))
}

func recordAutoYield(ctx context.Context, tx backend.Tx, runID string, resp responseBody) error {
	var limit int64
	if resp.Limit != nil {
		limit = *resp.Limit
	}
	aye := &store.AutoYieldExecution{
		ID:            uuid.NewString(),
		RunID:         runID,
		Location:      resp.Location,
		TimeRemaining: resp.TimeRemaining,
		TimeElapsed:   resp.TimeElapsed,
		Limit:         limit,
		CreatedAt:     time.Now(),
	}
	if err := tx.CreateAutoYieldExecution(ctx, aye); err != nil {
		return fmt.Errorf("execute: record auto-yield execution: %w", err)
	}
	return nil
}

// autoYieldExecutionWithCompletedTask does the AUTO_YIELD bookkeeping
// and then completes the named task through the out-of-scope
// Task-Completion service (§1, §4.C) before re-enqueueing.
func (d *Driver) autoYieldExecutionWithCompletedTask(ctx context.Context, tx backend.Tx, run *store.Run, resp responseBody, durationInMs int64, isChild bool, skipRetrying bool) error {
	if err := recordAutoYield(ctx, tx, run.ID, resp); err != nil {
		return err
	}

	run.ExecutionDurationMs += durationInMs
	run.ForceYieldImmediately = false

	if err := tx.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("execute: update run on auto-yield-with-completed-task: %w", err)
	}

	if resp.Task != nil && d.taskCompletion != nil {
		output, err := parseTaskOutput(resp.Task)
		if err != nil {
			return fmt.Errorf("execute: parse completed task output: %w", err)
		}
		if err := d.taskCompletion.CompleteTask(ctx, resp.Task.ID, resp.Task.OutputProperties, output); err != nil {
			return fmt.Errorf("execute: complete task %s: %w", resp.Task.ID, err)
		}
	}

	return tx.Enqueue(ctx, queue.EncodeWorkItem(queue.WorkItem{
		RunID:        run.ID,
		Reason:       queue.ReasonExecuteJob,
		SkipRetrying: skipRetrying,
	}))
}

// resumeWithParallelTask applies the parent's duration/flag bookkeeping,
// then dispatches each child error with durationInMs=0 and isChild=true
// so no child handler moves executionCount again — preflight's bump is
// the sole accounting event for the chunk (§4.C). The first terminal
// child error wins and short-circuits the remainder.
func (d *Driver) resumeWithParallelTask(ctx context.Context, tx backend.Tx, run *store.Run, org *store.Organisation, resp responseBody, durationInMs int64, skipRetrying bool) error {
	run.ExecutionDurationMs += durationInMs
	run.ForceYieldImmediately = false

	if resp.Task != nil && resp.Task.OutputProperties != nil {
		task, err := tx.GetTask(ctx, resp.Task.ID)
		if err != nil {
			return fmt.Errorf("execute: get parallel parent task %s: %w", resp.Task.ID, err)
		}
		task.OutputProperties = resp.Task.OutputProperties
		if err := tx.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("execute: update parallel parent task %s: %w", task.ID, err)
		}
	}

	if err := tx.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("execute: update run on parallel resume: %w", err)
	}

	for _, child := range resp.ChildErrors {
		if err := d.dispatchVariant(ctx, tx, run, org, child, 0, true, skipRetrying); err != nil {
			return err
		}
		if run.Terminal() {
			break
		}
	}
	return nil
}

func parseTaskOutput(task *taskPayload) (map[string]any, error) {
	if task.OutputRaw == nil {
		return task.Output, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(*task.OutputRaw), &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}
