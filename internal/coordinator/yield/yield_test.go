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

package yield

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/coordinator/backend/memory"
	"github.com/tombee/conductor/internal/coordinator/queue"
	"github.com/tombee/conductor/internal/coordinator/store"
)

func TestRegisterDeregister(t *testing.T) {
	c := New(memory.New(queue.NewMemoryQueue()))

	c.RegisterRun("r1")
	require.True(t, c.IsInFlight("r1"))
	require.Equal(t, 1, c.InFlightRunCount())

	c.DeregisterRun("r1")
	require.False(t, c.IsInFlight("r1"))
	require.Equal(t, 0, c.InFlightRunCount())
}

func TestDeregister_UnregisteredIsNoOp(t *testing.T) {
	c := New(memory.New(queue.NewMemoryQueue()))
	c.DeregisterRun("missing")
	require.Equal(t, 0, c.InFlightRunCount())
}

func TestForceYield_SetsFlag(t *testing.T) {
	b := memory.New(queue.NewMemoryQueue())
	b.Seed(&store.Run{ID: "r1", Status: store.RunStatusStarted}, nil, nil, nil)
	c := New(b)

	require.NoError(t, c.ForceYield(context.Background(), "r1"))

	agg, err := b.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, agg.Run.ForceYieldImmediately)
}

func TestForceYield_NoOpOnTerminalRun(t *testing.T) {
	b := memory.New(queue.NewMemoryQueue())
	now := time.Now()
	b.Seed(&store.Run{ID: "r1", Status: store.RunStatusSuccess, CompletedAt: &now}, nil, nil, nil)
	c := New(b)

	require.NoError(t, c.ForceYield(context.Background(), "r1"))

	agg, err := b.LoadRunAggregate(context.Background(), "r1")
	require.NoError(t, err)
	require.False(t, agg.Run.ForceYieldImmediately)
}

func TestConcurrentRegisterDeregister(t *testing.T) {
	c := New(memory.New(queue.NewMemoryQueue()))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "run"
			c.RegisterRun(id)
			_ = c.IsInFlight(id)
			c.DeregisterRun(id)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 0, c.InFlightRunCount())
}
