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

// Package loader implements the Run Loader (§4.A): the single
// read-only operation that assembles a RunAggregate for the
// Preprocess and Execute drivers.
package loader

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/tombee/conductor/internal/coordinator/backend"
	"github.com/tombee/conductor/internal/coordinator/store"
)

// Loader wraps a backend.Loader with singleflight deduplication:
// duplicate queue delivery can land two work items for the same run
// id in the same instant, and there is no reason to pay for the read
// twice.
type Loader struct {
	backend backend.Loader
	group   singleflight.Group
}

// New creates a Loader over be.
func New(be backend.Loader) *Loader {
	return &Loader{backend: be}
}

// Load returns the RunAggregate for id, or nil if no such run exists
// (the caller's contract is to return silently — §4.A).
func (l *Loader) Load(ctx context.Context, id string) (*store.RunAggregate, error) {
	v, err, _ := l.group.Do(id, func() (interface{}, error) {
		agg, err := l.backend.LoadRunAggregate(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loader: load run %s: %w", id, err)
		}
		return agg, nil
	})
	if err != nil {
		return nil, err
	}
	// v holds a (*store.RunAggregate)(nil) when the run does not exist;
	// the type assertion preserves that, unlike a bare v == nil check.
	agg, _ := v.(*store.RunAggregate)
	return agg, nil
}
