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
	"time"

	"github.com/tombee/conductor/internal/coordinator/backend"
	"github.com/tombee/conductor/internal/coordinator/queue"
	"github.com/tombee/conductor/internal/coordinator/store"
)

// preflight performs the bookkeeping that must happen before the
// endpoint is ever called (§4.C): bump executionCount, transition
// QUEUED→STARTED, and apply the deprecated resumeTaskId transition
// when the compatibility flag accepts it. Returns the executionCount
// observed after the bump.
func (d *Driver) preflight(ctx context.Context, agg *store.RunAggregate, item queue.WorkItem) (int, error) {
	var executionCount int

	err := d.backend.WithTx(ctx, func(ctx context.Context, tx backend.Tx) error {
		run, err := tx.GetRun(ctx, agg.Run.ID)
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		if run.Terminal() {
			executionCount = run.ExecutionCount
			return nil
		}

		run.ExecutionCount++
		if run.Status == store.RunStatusQueued {
			run.Status = store.RunStatusStarted
			if run.StartedAt == nil {
				now := time.Now()
				run.StartedAt = &now
			}
		}
		executionCount = run.ExecutionCount

		if err := tx.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("update run: %w", err)
		}

		if d.cfg != nil && d.cfg.AcceptLegacyResumeTaskID && item.ResumeTaskID != "" {
			if err := resolveLegacyResumeTask(ctx, tx, item.ResumeTaskID); err != nil {
				return fmt.Errorf("legacy resume task: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	// agg.Run reflects the caller's in-memory copy from the Run Loader;
	// keep it in sync with what preflight just committed so downstream
	// body-building sees the transitioned status.
	if agg.Run.Status == store.RunStatusQueued {
		agg.Run.Status = store.RunStatusStarted
	}
	agg.Run.ExecutionCount = executionCount

	return executionCount, nil
}

// resolveLegacyResumeTask applies the deprecated resumeTaskId
// transition (§4.C, §9 Open Question: preserved behind
// AcceptLegacyResumeTaskID): a no-op task is considered complete on
// resume, any other task is considered running again.
func resolveLegacyResumeTask(ctx context.Context, tx backend.Tx, taskID string) error {
	task, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task %s: %w", taskID, err)
	}

	if task.Noop {
		now := time.Now()
		task.Status = store.TaskStatusCompleted
		task.CompletedAt = &now
	} else {
		task.Status = store.TaskStatusRunning
	}
	return tx.UpdateTask(ctx, task)
}
