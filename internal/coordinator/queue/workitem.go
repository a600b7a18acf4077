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

package queue

import (
	"fmt"
	"time"
)

// Reason is the inbound work item's requested operation (§6).
type Reason string

const (
	ReasonPreprocess Reason = "PREPROCESS"
	ReasonExecuteJob Reason = "EXECUTE_JOB"
	ReasonResumeTask Reason = "RESUME_TASK"
	ReasonDeliverRunSubscriptions Reason = "DELIVER_RUN_SUBSCRIPTIONS"
)

// WorkItem is the coordinator-domain envelope carried in Job.Inputs.
type WorkItem struct {
	RunID        string
	Reason       Reason
	IsRetry      bool
	ResumeTaskID string
	TaskID       string // set for RESUME_TASK
	ScheduledAt  time.Time
	ExecutionCountOverride int // "the caller-supplied amount" for RESUME_WITH_TASK, 0 means default 1
	// SkipRetrying mirrors enqueueRunExecution's skipRetrying option
	// (§6): set when the enclosing environment is DEVELOPMENT, so the
	// queue consumer does not apply its normal nack/redeliver backoff
	// to this message.
	SkipRetrying bool
}

// DriftMs is the delay between ScheduledAt and now, measured at dequeue time.
func (w WorkItem) DriftMs(now time.Time) int64 {
	if w.ScheduledAt.IsZero() {
		return 0
	}
	d := now.Sub(w.ScheduledAt)
	if d < 0 {
		d = 0
	}
	return d.Milliseconds()
}

// EncodeWorkItem converts a WorkItem into the generic Job envelope, with
// priority ranking PREPROCESS/EXECUTE_JOB above bookkeeping messages.
func EncodeWorkItem(item WorkItem) *Job {
	priority := 0
	if item.Reason == ReasonExecuteJob || item.Reason == ReasonPreprocess {
		priority = 10
	}

	return &Job{
		ID: fmt.Sprintf("%s:%s:%d", item.RunID, item.Reason, time.Now().UnixNano()),
		Inputs: map[string]any{
			"run_id":                   item.RunID,
			"reason":                   string(item.Reason),
			"is_retry":                 item.IsRetry,
			"resume_task_id":           item.ResumeTaskID,
			"task_id":                  item.TaskID,
			"scheduled_at":             item.ScheduledAt,
			"execution_count_override": item.ExecutionCountOverride,
			"skip_retrying":            item.SkipRetrying,
		},
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}

// DecodeWorkItem extracts the WorkItem envelope from a dequeued Job.
func DecodeWorkItem(job *Job) (WorkItem, error) {
	var item WorkItem

	runID, _ := job.Inputs["run_id"].(string)
	reason, _ := job.Inputs["reason"].(string)
	if runID == "" || reason == "" {
		return item, fmt.Errorf("queue: malformed work item in job %s", job.ID)
	}

	item.RunID = runID
	item.Reason = Reason(reason)
	item.IsRetry, _ = job.Inputs["is_retry"].(bool)
	item.ResumeTaskID, _ = job.Inputs["resume_task_id"].(string)
	item.TaskID, _ = job.Inputs["task_id"].(string)
	item.ScheduledAt, _ = job.Inputs["scheduled_at"].(time.Time)
	item.ExecutionCountOverride, _ = job.Inputs["execution_count_override"].(int)
	item.SkipRetrying, _ = job.Inputs["skip_retrying"].(bool)

	return item, nil
}
