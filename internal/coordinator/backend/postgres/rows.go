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

package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tombee/conductor/internal/coordinator/store"
)

// runRow mirrors the runs table. FK columns are nullable in the schema, so
// they scan into sql.NullString rather than store.Run's bare string fields.
type runRow struct {
	ID                    string         `db:"id"`
	Status                string         `db:"status"`
	StartedAt             *time.Time     `db:"started_at"`
	CompletedAt           *time.Time     `db:"completed_at"`
	ExecutionCount        int            `db:"execution_count"`
	ExecutionDurationMs   int64          `db:"execution_duration_ms"`
	YieldedExecutions     []byte         `db:"yielded_executions"`
	Output                []byte         `db:"output"`
	Properties            []byte         `db:"properties"`
	ForceYieldImmediately bool           `db:"force_yield_immediately"`
	EnvironmentID         sql.NullString `db:"environment_id"`
	EndpointID            sql.NullString `db:"endpoint_id"`
	OrganisationID        sql.NullString `db:"organisation_id"`
	ProjectID             sql.NullString `db:"project_id"`
	ExternalAccountID     sql.NullString `db:"external_account_id"`
	EventID               sql.NullString `db:"event_id"`
	VersionID             sql.NullString `db:"version_id"`
	IsInternal            bool           `db:"is_internal"`
	IsTest                bool           `db:"is_test"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

func (r *runRow) toRun() *store.Run {
	run := &store.Run{
		ID:                    r.ID,
		Status:                store.RunStatus(r.Status),
		StartedAt:             r.StartedAt,
		CompletedAt:           r.CompletedAt,
		ExecutionCount:        r.ExecutionCount,
		ExecutionDurationMs:   r.ExecutionDurationMs,
		ForceYieldImmediately: r.ForceYieldImmediately,
		EnvironmentID:         r.EnvironmentID.String,
		EndpointID:            r.EndpointID.String,
		OrganisationID:        r.OrganisationID.String,
		ProjectID:             r.ProjectID.String,
		ExternalAccountID:     r.ExternalAccountID.String,
		EventID:               r.EventID.String,
		VersionID:             r.VersionID.String,
		IsInternal:            r.IsInternal,
		IsTest:                r.IsTest,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
	_ = json.Unmarshal(r.YieldedExecutions, &run.YieldedExecutions)
	if len(r.Output) > 0 {
		_ = json.Unmarshal(r.Output, &run.Output)
	}
	if len(r.Properties) > 0 {
		_ = json.Unmarshal(r.Properties, &run.Properties)
	}
	return run
}

// endpointRow mirrors the endpoints table.
type endpointRow struct {
	ID                       string         `db:"id"`
	URL                      string         `db:"url"`
	APIKey                   sql.NullString `db:"api_key"`
	Version                  sql.NullString `db:"version"`
	RunChunkExecutionLimitMs int64          `db:"run_chunk_execution_limit_ms"`
	AutoYieldStart           int64          `db:"auto_yield_start"`
	AutoYieldBeforeExecute   int64          `db:"auto_yield_before_execute"`
	AutoYieldBeforeComplete  int64          `db:"auto_yield_before_complete"`
	AutoYieldAfterComplete   int64          `db:"auto_yield_after_complete"`
}

func (e *endpointRow) toEndpoint() *store.Endpoint {
	return &store.Endpoint{
		ID:                       e.ID,
		URL:                      e.URL,
		APIKey:                   e.APIKey.String,
		Version:                  e.Version.String,
		RunChunkExecutionLimitMs: e.RunChunkExecutionLimitMs,
		AutoYieldStart:           e.AutoYieldStart,
		AutoYieldBeforeExecute:   e.AutoYieldBeforeExecute,
		AutoYieldBeforeComplete:  e.AutoYieldBeforeComplete,
		AutoYieldAfterComplete:   e.AutoYieldAfterComplete,
	}
}

// taskRow mirrors the tasks table.
type taskRow struct {
	ID                string     `db:"id"`
	RunID             string     `db:"run_id"`
	IdempotencyKey    string     `db:"idempotency_key"`
	Status            string     `db:"status"`
	Noop              bool       `db:"noop"`
	Output            []byte     `db:"output"`
	OutputProperties  []byte     `db:"output_properties"`
	OutputIsUndefined bool       `db:"output_is_undefined"`
	ParentID          sql.NullString `db:"parent_id"`
	CreatedAt         time.Time  `db:"created_at"`
	CompletedAt       *time.Time `db:"completed_at"`
}

func (t *taskRow) toTask() *store.Task {
	task := &store.Task{
		ID:                t.ID,
		RunID:             t.RunID,
		IdempotencyKey:    t.IdempotencyKey,
		Status:            store.TaskStatus(t.Status),
		Noop:              t.Noop,
		OutputIsUndefined: t.OutputIsUndefined,
		ParentID:          t.ParentID.String,
		CreatedAt:         t.CreatedAt,
		CompletedAt:       t.CompletedAt,
	}
	if len(t.Output) > 0 {
		_ = json.Unmarshal(t.Output, &task.Output)
	}
	if len(t.OutputProperties) > 0 {
		_ = json.Unmarshal(t.OutputProperties, &task.OutputProperties)
	}
	return task
}

// subscriptionRow mirrors the job_run_subscriptions table.
type subscriptionRow struct {
	ID              string `db:"id"`
	RunID           string `db:"run_id"`
	Recipient       string `db:"recipient"`
	Event           string `db:"event"`
	RecipientMethod string `db:"recipient_method"`
	Status          string `db:"status"`
}

func (s *subscriptionRow) toSubscription() *store.JobRunSubscription {
	return &store.JobRunSubscription{
		ID:              s.ID,
		RunID:           s.RunID,
		Recipient:       s.Recipient,
		Event:           store.SubscriptionEvent(s.Event),
		RecipientMethod: store.RecipientMethod(s.RecipientMethod),
		Status:          store.SubscriptionStatus(s.Status),
	}
}
