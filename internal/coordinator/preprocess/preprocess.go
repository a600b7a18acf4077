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

// Package preprocess implements the Preprocess Driver (§4.B): the
// run's first HTTP round-trip, which either aborts/fails the run or
// transitions it to STARTED and enqueues its first EXECUTE_JOB chunk.
package preprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tombee/conductor/internal/coordinator/backend"
	"github.com/tombee/conductor/internal/coordinator/endpointclient"
	"github.com/tombee/conductor/internal/coordinator/queue"
	"github.com/tombee/conductor/internal/coordinator/retrypolicy"
	"github.com/tombee/conductor/internal/coordinator/store"
)

var validate = validator.New()

// requestBody is the preprocess request shape described in §6.
type requestBody struct {
	Event       map[string]any `json:"event"`
	Job         jobRef         `json:"job"`
	Run         runRef         `json:"run"`
	Environment string         `json:"environment"`
	Organization string        `json:"organization"`
	Account     *string        `json:"account,omitempty"`
}

type jobRef struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

type runRef struct {
	ID     string `json:"id"`
	IsTest bool   `json:"isTest"`
}

// responseBody is the preprocess response shape: abort plus optional
// run properties to copy onto the run (§4.B).
type responseBody struct {
	Abort      bool           `json:"abort"`
	Properties map[string]any `json:"properties" validate:"omitempty"`
}

// Driver runs the PREPROCESS step.
type Driver struct {
	backend backend.Backend
	client  *endpointclient.Client
}

// New builds a Driver.
func New(be backend.Backend, client *endpointclient.Client) *Driver {
	return &Driver{backend: be, client: client}
}

// Run executes the PREPROCESS step for agg.Run (§4.B).
func (d *Driver) Run(ctx context.Context, agg *store.RunAggregate) error {
	run := agg.Run
	if run.Terminal() {
		return nil // invariant 1
	}
	skipRetrying := agg.Environment != nil && agg.Environment.IsDevelopment()

	body := buildRequestBody(agg)

	resp, err := d.client.Call(ctx, preprocessURL(agg.Endpoint), agg.Endpoint.APIKey, body)
	if err != nil {
		return d.fail(ctx, run.ID, fmt.Sprintf("preprocess call failed: %v", err), skipRetrying)
	}
	if resp.Timeout || resp.StatusCode == 0 {
		return d.fail(ctx, run.ID, "preprocess endpoint call did not return a response", skipRetrying)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return d.fail(ctx, run.ID, fmt.Sprintf("preprocess endpoint returned status %d", resp.StatusCode), skipRetrying)
	}

	var parsed responseBody
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return d.fail(ctx, run.ID, fmt.Sprintf("preprocess response body was not valid JSON: %v", err), skipRetrying)
	}
	if err := validate.Struct(parsed); err != nil {
		return d.fail(ctx, run.ID, fmt.Sprintf("preprocess response failed schema validation: %v", err), skipRetrying)
	}

	if parsed.Abort {
		return retrypolicy.FailExecution(ctx, d.backend, run.ID, queue.ReasonPreprocess, store.RunStatusAborted, nil, 0, false)
	}

	return d.backend.WithTx(ctx, func(ctx context.Context, tx backend.Tx) error {
		current, err := tx.GetRun(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("preprocess: get run: %w", err)
		}
		if current.Terminal() {
			return nil
		}

		now := time.Now()
		current.Status = store.RunStatusStarted
		current.StartedAt = &now
		if parsed.Properties != nil {
			current.Properties = parsed.Properties
		}
		current.ForceYieldImmediately = false

		if err := tx.UpdateRun(ctx, current); err != nil {
			return fmt.Errorf("preprocess: update run: %w", err)
		}

		return tx.Enqueue(ctx, queue.EncodeWorkItem(queue.WorkItem{
			RunID:        current.ID,
			Reason:       queue.ReasonExecuteJob,
			SkipRetrying: skipRetrying,
		}))
	})
}

// fail terminates the run with status FAILURE via
// failExecution(PREPROCESS, ...) (§4.B, §4.F): no response, a non-2xx
// status, unparseable JSON, and schema-invalid bodies are all terminal
// here — preprocess never retries the endpoint, and this path never
// re-enqueues.
func (d *Driver) fail(ctx context.Context, runID, message string, skipRetrying bool) error {
	return retrypolicy.FailExecution(ctx, d.backend, runID, queue.ReasonPreprocess, store.RunStatusFailure,
		map[string]any{"message": message}, 0, skipRetrying)
}

func buildRequestBody(agg *store.RunAggregate) requestBody {
	body := requestBody{
		Event: agg.Event.SourceContext,
		Job: jobRef{
			ID:      agg.Version.JobID,
			Version: agg.Version.ID,
		},
		Run: runRef{
			ID:     agg.Run.ID,
			IsTest: agg.Run.IsTest,
		},
		Environment:  agg.Environment.ID,
		Organization: agg.Organisation.ID,
	}
	if agg.ExternalAccount != nil {
		body.Account = &agg.ExternalAccount.ID
	}
	return body
}

func preprocessURL(endpoint *store.Endpoint) string {
	return endpoint.URL + "/preprocess"
}
