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

package taskcache

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/coordinator/store"
)

// testByteLimit/testNoopSetSize stand in for the operator-configured
// §6 constants (TOTAL_CACHED_TASK_BYTE_LIMIT, NOOP_TASK_SET_SIZE),
// which callers now supply rather than this package.
const (
	testByteLimit  = 3_500_000
	testNoopSetSize uint = 10_000
)

func TestPrepareTasks_FitsUnderLimit(t *testing.T) {
	tasks := []*store.Task{
		{ID: "t1", IdempotencyKey: "k1", Status: store.TaskStatusCompleted},
		{ID: "t2", IdempotencyKey: "k2", Status: store.TaskStatusCompleted},
	}

	got := PrepareTasks(tasks, testByteLimit)
	require.Len(t, got.Tasks, 2)
	require.Empty(t, got.Cursor)
}

func TestPrepareTasks_CursorOnOverflow(t *testing.T) {
	tasks := []*store.Task{
		{ID: "t1", IdempotencyKey: "k1", Status: store.TaskStatusCompleted},
		{ID: "t2", IdempotencyKey: "k2", Status: store.TaskStatusCompleted},
		{ID: "t3", IdempotencyKey: "k3", Status: store.TaskStatusCompleted},
	}

	one, err := json.Marshal(toCachedTask(tasks[0]))
	require.NoError(t, err)

	got := PrepareTasks(tasks, len(one)+1)
	require.Len(t, got.Tasks, 1)
	require.Equal(t, "t2", got.Cursor)
}

func TestPrepareTasks_EmptyInput(t *testing.T) {
	got := PrepareTasks(nil, testByteLimit)
	require.Empty(t, got.Tasks)
	require.Empty(t, got.Cursor)
}

func TestPrepareNoOpTasksBloomFilter_NoFalseNegatives(t *testing.T) {
	tasks := []*store.Task{
		{IdempotencyKey: "noop-1", Status: store.TaskStatusCompleted, Noop: true},
		{IdempotencyKey: "noop-2", Status: store.TaskStatusCompleted, Noop: true},
		{IdempotencyKey: "real-1", Status: store.TaskStatusCompleted, Noop: false},
		{IdempotencyKey: "pending-noop", Status: store.TaskStatusPending, Noop: true},
	}

	encoded, err := PrepareNoOpTasksBloomFilter(tasks, testNoopSetSize)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	filter := &bloom.BloomFilter{}
	require.NoError(t, filter.UnmarshalBinary(raw))

	require.True(t, filter.TestString("noop-1"))
	require.True(t, filter.TestString("noop-2"))
}

func TestPrepareNoOpTasksBloomFilter_EmptyInput(t *testing.T) {
	encoded, err := PrepareNoOpTasksBloomFilter(nil, testNoopSetSize)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)
}
