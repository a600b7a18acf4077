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
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tombee/conductor/internal/coordinator/backend"
	"github.com/tombee/conductor/internal/coordinator/endpointclient"
	"github.com/tombee/conductor/internal/coordinator/store"
)

// triggerRunMetadata is the structured value of the
// x-trigger-run-metadata response header (§6).
type triggerRunMetadata struct {
	SuccessSubscription bool `json:"successSubscription"`
	FailedSubscription  bool `json:"failedSubscription"`
}

// applyHeaderSideEffects updates the endpoint's cached version and
// upserts subscription rows from response headers (§4.C). Both are
// best-effort bookkeeping, not part of the response's terminal
// outcome, so they run in their own transaction rather than the one
// that dispatches the response variant.
func (d *Driver) applyHeaderSideEffects(ctx context.Context, runID string, endpoint *store.Endpoint, isInternal bool, resp *endpointclient.Response) error {
	if resp.Headers == nil {
		return nil
	}

	newVersion := resp.Headers.Get("trigger-version")
	needsVersionUpdate := newVersion != "" && newVersion != endpoint.Version

	var meta *triggerRunMetadata
	if raw := resp.Headers.Get("x-trigger-run-metadata"); raw != "" && !isInternal {
		var parsed triggerRunMetadata
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			meta = &parsed
		}
	}

	if !needsVersionUpdate && meta == nil {
		return nil
	}

	return d.backend.WithTx(ctx, func(ctx context.Context, tx backend.Tx) error {
		if needsVersionUpdate {
			endpoint.Version = newVersion
			if err := tx.UpdateEndpoint(ctx, endpoint); err != nil {
				return fmt.Errorf("update endpoint version: %w", err)
			}
		}
		if meta != nil {
			if meta.SuccessSubscription {
				if err := upsertSubscription(ctx, tx, runID, endpoint.ID, store.SubscriptionEventSuccess); err != nil {
					return err
				}
			}
			if meta.FailedSubscription {
				if err := upsertSubscription(ctx, tx, runID, endpoint.ID, store.SubscriptionEventFailure); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func upsertSubscription(ctx context.Context, tx backend.Tx, runID, endpointID string, event store.SubscriptionEvent) error {
	sub := &store.JobRunSubscription{
		ID:              uuid.NewString(),
		RunID:           runID,
		Recipient:       endpointID,
		Event:           event,
		RecipientMethod: store.RecipientMethodEndpoint,
		Status:          store.SubscriptionStatusActive,
	}
	if err := tx.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription %s/%s: %w", runID, event, err)
	}
	return nil
}
