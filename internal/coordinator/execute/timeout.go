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
	"fmt"

	"github.com/tombee/conductor/internal/coordinator/backend"
	"github.com/tombee/conductor/internal/coordinator/queue"
	"github.com/tombee/conductor/internal/coordinator/retrypolicy"
	"github.com/tombee/conductor/internal/coordinator/store"
)

// minChunkExecutionLimitMs is the floor of the adaptive
// runChunkExecutionLimit clamp (§4.C, invariant 5).
const minChunkExecutionLimitMs = 10_000

// timeoutResume handles a response classified as a timeout (§4.C): it
// either terminates the run with TIMED_OUT, or treats the timeout as
// forward progress and shrinks/grows the endpoint's adaptive chunk
// limit before re-enqueueing.
func (d *Driver) timeoutResume(ctx context.Context, runID string, org *store.Organisation, endpoint *store.Endpoint, durationInMs int64, chunkStartTaskCount int, skipRetrying bool) error {
	return d.backend.WithTx(ctx, func(ctx context.Context, tx backend.Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("execute: get run: %w", err)
		}
		if run.Terminal() {
			return nil
		}

		var limitMs int64
		if org != nil {
			limitMs = org.MaximumExecutionTimePerRunInMs
		}
		if limitMs > 0 && run.ExecutionDurationMs+durationInMs >= limitMs {
			return retrypolicy.FailExecuteJobTx(ctx, tx, run, store.RunStatusTimedOut,
				map[string]any{"message": fmt.Sprintf("run exceeded its maximum execution time of %d ms", limitMs)},
				durationInMs)
		}

		currentCount, err := tx.CountTasks(ctx, runID)
		if err != nil {
			return fmt.Errorf("execute: count tasks: %w", err)
		}
		if currentCount == chunkStartTaskCount {
			message := "code outside a task timed out"
			if latest, err := tx.GetLatestTask(ctx, runID); err == nil && latest != nil && latest.Status == store.TaskStatusRunning {
				message = fmt.Sprintf("task %s timed out", latest.ID)
			}
			return retrypolicy.FailExecuteJobTx(ctx, tx, run, store.RunStatusTimedOut,
				map[string]any{"message": message}, durationInMs)
		}

		run.ExecutionDurationMs += durationInMs
		run.ForceYieldImmediately = false
		if err := tx.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("execute: update run on timeout-resume: %w", err)
		}

		if endpoint != nil {
			endpoint.RunChunkExecutionLimitMs = clampChunkLimit(durationInMs, d.cfg.Constants.MaxRunChunkExecutionLimit)
			if err := tx.UpdateEndpoint(ctx, endpoint); err != nil {
				return fmt.Errorf("execute: update endpoint chunk limit: %w", err)
			}
		}

		return tx.Enqueue(ctx, queue.EncodeWorkItem(queue.WorkItem{
			RunID:        run.ID,
			Reason:       queue.ReasonExecuteJob,
			SkipRetrying: skipRetrying,
		}))
	})
}

// clampChunkLimit bounds the adaptive runChunkExecutionLimit to
// [minChunkExecutionLimitMs, max] (§4.C, invariant 5).
func clampChunkLimit(durationInMs, max int64) int64 {
	limit := durationInMs
	if limit < minChunkExecutionLimitMs {
		limit = minChunkExecutionLimitMs
	}
	if limit > max {
		limit = max
	}
	return limit
}
