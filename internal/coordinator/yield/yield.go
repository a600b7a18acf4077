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

// Package yield implements the Yield Coordinator (§4.D): a process-wide
// registry of runs currently mid-chunk, and the forceYield signal that
// asks the endpoint to yield at its next checkpoint. It mirrors the
// teacher's StateManager: one map keyed by id guarded by a single
// sync.RWMutex, writes expected to be infrequent relative to reads.
package yield

import (
	"context"
	"fmt"
	"sync"

	"github.com/tombee/conductor/internal/coordinator/backend"
)

// Coordinator tracks in-flight runs and persists forceYield requests.
type Coordinator struct {
	mu      sync.RWMutex
	inFlight map[string]struct{}
	backend backend.Backend
}

// New creates a Coordinator backed by be for forceYield's store write.
func New(be backend.Backend) *Coordinator {
	return &Coordinator{
		inFlight: make(map[string]struct{}),
		backend:  be,
	}
}

// RegisterRun marks id as currently executing a chunk. Callers must
// guarantee a matching DeregisterRun on every exit path, including
// panics recovered upstream, per §4.C's "guaranteed deregistration"
// requirement.
func (c *Coordinator) RegisterRun(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[id] = struct{}{}
}

// DeregisterRun clears id from the in-flight set. A no-op if id was
// not registered.
func (c *Coordinator) DeregisterRun(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, id)
}

// IsInFlight reports whether id is currently registered.
func (c *Coordinator) IsInFlight(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.inFlight[id]
	return ok
}

// InFlightRunCount implements tracing.InFlightCounter.
func (c *Coordinator) InFlightRunCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inFlight)
}

// ForceYield sets run.forceYieldImmediately so the next body built for
// id asks the endpoint to yield at its earliest checkpoint (§4.D). It
// is a store write, not an in-memory signal: a run that is not
// currently in flight still accepts the flag, to be picked up whenever
// it is next executed.
func (c *Coordinator) ForceYield(ctx context.Context, id string) error {
	err := c.backend.WithTx(ctx, func(ctx context.Context, tx backend.Tx) error {
		run, err := tx.GetRun(ctx, id)
		if err != nil {
			return fmt.Errorf("yield: get run: %w", err)
		}
		if run.Terminal() {
			return nil // no-op on terminal runs
		}
		run.ForceYieldImmediately = true
		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		return fmt.Errorf("yield: force yield %s: %w", id, err)
	}
	return nil
}
