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

package loader

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/coordinator/store"
)

type countingLoader struct {
	calls int64
	agg   *store.RunAggregate
}

func (c *countingLoader) LoadRunAggregate(ctx context.Context, id string) (*store.RunAggregate, error) {
	atomic.AddInt64(&c.calls, 1)
	return c.agg, nil
}

func TestLoad_MissingRunReturnsNilNil(t *testing.T) {
	cl := &countingLoader{}
	l := New(cl)

	agg, err := l.Load(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, agg)
}

func TestLoad_ReturnsAggregate(t *testing.T) {
	cl := &countingLoader{agg: &store.RunAggregate{Run: &store.Run{ID: "r1"}}}
	l := New(cl)

	agg, err := l.Load(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", agg.Run.ID)
}

func TestLoad_DedupesConcurrentCallsForSameID(t *testing.T) {
	cl := &countingLoader{agg: &store.RunAggregate{Run: &store.Run{ID: "r1"}}}
	l := New(cl)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Load(context.Background(), "r1")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Less(t, atomic.LoadInt64(&cl.calls), int64(20))
}
