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
	"fmt"
	"time"

	"github.com/tombee/conductor/internal/coordinator/store"
	"github.com/tombee/conductor/internal/coordinator/taskcache"
)

// ResponseStatus is the execute response's discriminant (§4.C): a closed
// tagged union of eleven variants.
type ResponseStatus string

const (
	StatusSuccess                            ResponseStatus = "SUCCESS"
	StatusError                              ResponseStatus = "ERROR"
	StatusInvalidPayload                     ResponseStatus = "INVALID_PAYLOAD"
	StatusUnresolvedAuthError                ResponseStatus = "UNRESOLVED_AUTH_ERROR"
	StatusCanceled                           ResponseStatus = "CANCELED"
	StatusResumeWithTask                     ResponseStatus = "RESUME_WITH_TASK"
	StatusRetryWithTask                      ResponseStatus = "RETRY_WITH_TASK"
	StatusYieldExecution                     ResponseStatus = "YIELD_EXECUTION"
	StatusAutoYieldExecution                 ResponseStatus = "AUTO_YIELD_EXECUTION"
	StatusAutoYieldExecutionWithCompletedTask ResponseStatus = "AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK"
	StatusResumeWithParallelTask              ResponseStatus = "RESUME_WITH_PARALLEL_TASK"
)

// requestBody is the execute request shape (§6): connections plus the
// optional new-endpoint fields gated on SupportsLazyLoadedCachedTasks.
type requestBody struct {
	Connections map[string]store.ConnectionAuth `json:"connections"`
	Source      map[string]any                  `json:"source,omitempty"`
	Tasks       []taskcache.CachedTask          `json:"tasks"`

	CachedTaskCursor        string           `json:"cachedTaskCursor,omitempty"`
	NoopTasksSet            string           `json:"noopTasksSet,omitempty"`
	YieldedExecutions       []string         `json:"yieldedExecutions,omitempty"`
	RunChunkExecutionLimit  int64            `json:"runChunkExecutionLimit,omitempty"`
	AutoYieldConfig         *autoYieldConfig `json:"autoYieldConfig,omitempty"`

	ForceYield bool `json:"forceYield,omitempty"`
}

type autoYieldConfig struct {
	Start          int64 `json:"start"`
	BeforeExecute  int64 `json:"beforeExecute"`
	BeforeComplete int64 `json:"beforeComplete"`
	AfterComplete  int64 `json:"afterComplete"`
}

// taskPayload is the task reference carried by several response
// variants: enough to locate, close, or resume one task.
type taskPayload struct {
	ID                string         `json:"id" validate:"required"`
	Operation         string         `json:"operation,omitempty"`
	CallbackURL       string         `json:"callbackUrl,omitempty"`
	OutputProperties  map[string]any `json:"outputProperties,omitempty"`
	Output            map[string]any `json:"output,omitempty"`
	OutputRaw         *string        `json:"rawOutput,omitempty"`
	Error             string         `json:"error,omitempty"`
	DelayUntil        *time.Time     `json:"delayUntil,omitempty"`
	RetryAt           *time.Time     `json:"retryAt,omitempty"`
}

// responseBody is the execute response's tagged union (§4.C). Every
// variant-specific field is optional; validity per-variant is checked
// by the handler, not by struct tags, since the set of required
// fields depends on Status.
type responseBody struct {
	Status ResponseStatus `json:"status" validate:"required"`

	Output map[string]any `json:"output,omitempty"`
	Issues []string       `json:"issues,omitempty"`

	Task *taskPayload `json:"task,omitempty"`

	Key            string `json:"key,omitempty"`
	Location       string `json:"location,omitempty"`
	TimeRemaining  int64  `json:"timeRemaining,omitempty"`
	TimeElapsed    int64  `json:"timeElapsed,omitempty"`
	Limit          *int64 `json:"limit,omitempty"`
	ExecutionCount int    `json:"executionCount,omitempty"`

	ChildErrors []responseBody `json:"childErrors,omitempty"`
}

// errorEnvelope is the schema-valid error body an endpoint may return
// alongside a non-2xx status (§4.C's response classification step 2).
type errorEnvelope struct {
	Error   string         `json:"error" validate:"required"`
	Details map[string]any `json:"details,omitempty"`
}

// buildRequestBody assembles the execute request for agg, branching on
// endpoint feature support (§4.C). taskByteLimit and noopTaskSetSize
// thread the operator-configurable §6 constants
// (TOTAL_CACHED_TASK_BYTE_LIMIT, NOOP_TASK_SET_SIZE) into the task
// cache helpers, the same way bufferMs threads RUN_CHUNK_EXECUTION_BUFFER.
func buildRequestBody(agg *store.RunAggregate, connections map[string]store.ConnectionAuth, bufferMs int64, taskByteLimit int, noopTaskSetSize uint) (requestBody, error) {
	body := requestBody{
		Connections: connections,
		ForceYield:  agg.Run.ForceYieldImmediately,
	}
	if agg.Event != nil {
		body.Source = agg.Event.SourceContext
	}

	if agg.Endpoint.SupportsLazyLoadedCachedTasks() {
		prepared := taskcache.PrepareTasks(agg.CompletedTasks, taskByteLimit)
		body.Tasks = prepared.Tasks
		body.CachedTaskCursor = prepared.Cursor

		noop, err := taskcache.PrepareNoOpTasksBloomFilter(agg.CompletedTasks, noopTaskSetSize)
		if err != nil {
			return body, fmt.Errorf("execute: build noop bloom filter: %w", err)
		}
		body.NoopTasksSet = noop
		body.YieldedExecutions = agg.Run.YieldedExecutions

		limit := agg.Endpoint.RunChunkExecutionLimitMs - bufferMs
		if limit < 0 {
			limit = 0
		}
		body.RunChunkExecutionLimit = limit

		body.AutoYieldConfig = &autoYieldConfig{
			Start:          agg.Endpoint.AutoYieldStart,
			BeforeExecute:  agg.Endpoint.AutoYieldBeforeExecute,
			BeforeComplete: agg.Endpoint.AutoYieldBeforeComplete,
			AfterComplete:  agg.Endpoint.AutoYieldAfterComplete,
		}
	} else {
		body.Tasks = taskcache.PrepareTasksLegacy(agg.CompletedTasks, taskByteLimit)
	}

	return body, nil
}

func executeURL(endpoint *store.Endpoint) string {
	return endpoint.URL + "/execute"
}

func issuesOutput(resp responseBody) map[string]any {
	if len(resp.Issues) == 0 {
		return nil
	}
	return map[string]any{"issues": resp.Issues}
}
