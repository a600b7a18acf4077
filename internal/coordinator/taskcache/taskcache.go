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

// Package taskcache implements the Task Caching Helpers (§4.E):
// deterministic, byte-budgeted packing of completed tasks into the
// execute request body, and a Bloom filter summarising no-op tasks so
// the endpoint can skip re-executing them without shipping full task
// bodies.
package taskcache

import (
	"encoding/base64"
	"encoding/json"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/tombee/conductor/internal/coordinator/store"
)

// CachedTask is the wire projection of a completed task, restricted
// to the fields the endpoint needs to skip re-execution (§4.A).
type CachedTask struct {
	ID                string         `json:"id"`
	IdempotencyKey    string         `json:"idempotencyKey"`
	Status            store.TaskStatus `json:"status"`
	Noop              bool           `json:"noop"`
	Output            map[string]any `json:"output,omitempty"`
	OutputIsUndefined bool           `json:"outputIsUndefined"`
	ParentID          string         `json:"parentId,omitempty"`
}

// PreparedTasks is the result of prepareTasks: a prefix of tasks that
// fits the byte budget, plus a cursor for the endpoint to request the
// remainder. Cursor is empty when every task fit.
type PreparedTasks struct {
	Tasks  []CachedTask
	Cursor string
}

// PrepareTasks selects the longest prefix of tasks (already ordered
// ascending by id, per the Run Loader's projection) whose serialised
// JSON size does not exceed byteLimit, returning a cursor (the id of
// the first task that did not fit) so the endpoint can page for the
// rest. An empty tasks slice is returned unchanged, with no cursor.
func PrepareTasks(tasks []*store.Task, byteLimit int) PreparedTasks {
	var (
		out  []CachedTask
		size int
	)

	for i, t := range tasks {
		ct := toCachedTask(t)
		b, err := json.Marshal(ct)
		if err != nil {
			continue
		}
		// +1 accounts for the separating comma in the serialised array;
		// immaterial in practice but keeps the bound conservative.
		if size+len(b)+1 > byteLimit {
			return PreparedTasks{Tasks: out, Cursor: tasks[i].ID}
		}
		size += len(b) + 1
		out = append(out, ct)
	}

	return PreparedTasks{Tasks: out}
}

// PrepareTasksLegacy is the pre-lazy-loaded-cached-tasks variant: the
// same prefix selection, but without a cursor field in the response,
// matching what endpoints predating that feature understand (§4.C).
func PrepareTasksLegacy(tasks []*store.Task, byteLimit int) []CachedTask {
	return PrepareTasks(tasks, byteLimit).Tasks
}

func toCachedTask(t *store.Task) CachedTask {
	return CachedTask{
		ID:                t.ID,
		IdempotencyKey:    t.IdempotencyKey,
		Status:            t.Status,
		Noop:              t.Noop,
		Output:            t.Output,
		OutputIsUndefined: t.OutputIsUndefined,
		ParentID:          t.ParentID,
	}
}

// PrepareNoOpTasksBloomFilter builds a Bloom filter containing the
// idempotency key of every COMPLETED, noop=true task, and serialises
// it to a base64 string for the request body's noopTasksSet field
// (§4.E, invariant 6: no false negatives). setSize is the expected
// cardinality driving the filter's bit-array sizing (§6's
// NOOP_TASK_SET_SIZE) — not a hard cap, exceeding it only raises the
// false-positive rate.
func PrepareNoOpTasksBloomFilter(tasks []*store.Task, setSize uint) (string, error) {
	filter := bloom.NewWithEstimates(setSize, 0.01)

	for _, t := range tasks {
		if t.Status == store.TaskStatusCompleted && t.Noop {
			filter.AddString(t.IdempotencyKey)
		}
	}

	raw, err := filter.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
