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

// Package store defines the run execution coordinator's data model: the
// types persisted by internal/coordinator/backend and assembled by
// internal/coordinator/loader into a RunAggregate.
package store

import "time"

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunStatusQueued          RunStatus = "QUEUED"
	RunStatusStarted         RunStatus = "STARTED"
	RunStatusWaitingToResume RunStatus = "WAITING_TO_RESUME"
	RunStatusSuccess         RunStatus = "SUCCESS"
	RunStatusFailure         RunStatus = "FAILURE"
	RunStatusAborted         RunStatus = "ABORTED"
	RunStatusTimedOut        RunStatus = "TIMED_OUT"
	RunStatusUnresolvedAuth  RunStatus = "UNRESOLVED_AUTH"
	RunStatusInvalidPayload  RunStatus = "INVALID_PAYLOAD"
	RunStatusCanceled        RunStatus = "CANCELED"
)

// Terminal reports whether s is one of the run's terminal statuses.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailure, RunStatusAborted, RunStatusTimedOut,
		RunStatusUnresolvedAuth, RunStatusInvalidPayload, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// Run is one triggered execution of a job version.
type Run struct {
	ID                   string
	Status               RunStatus
	StartedAt            *time.Time
	CompletedAt          *time.Time
	ExecutionCount       int
	ExecutionDurationMs  int64
	YieldedExecutions    []string
	Output               map[string]any
	Properties           map[string]any
	ForceYieldImmediately bool

	EnvironmentID     string
	EndpointID        string
	OrganisationID    string
	ProjectID         string
	ExternalAccountID string
	EventID           string
	VersionID         string

	IsInternal bool
	IsTest     bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the run has reached a terminal status.
func (r *Run) Terminal() bool {
	return r.CompletedAt != nil
}

// TaskStatus is the lifecycle status of a Task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusWaiting   TaskStatus = "WAITING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusErrored   TaskStatus = "ERRORED"
	TaskStatusCanceled  TaskStatus = "CANCELED"
)

// NonTerminalTaskStatuses are the statuses failExecution cancels/errors out.
var NonTerminalTaskStatuses = []TaskStatus{TaskStatusWaiting, TaskStatusRunning, TaskStatusPending}

// Task is one unit of work inside a run.
type Task struct {
	ID               string
	RunID            string
	IdempotencyKey   string
	Status           TaskStatus
	Noop             bool
	Output           map[string]any
	OutputProperties map[string]any
	OutputIsUndefined bool
	ParentID         string
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// TaskAttemptStatus is the lifecycle status of a TaskAttempt.
type TaskAttemptStatus string

const (
	TaskAttemptStatusPending TaskAttemptStatus = "PENDING"
	TaskAttemptStatusErrored TaskAttemptStatus = "ERRORED"
)

// TaskAttempt is a retry attempt on a task. Numbering is contiguous
// per TaskID, starting at 1.
type TaskAttempt struct {
	ID       string
	TaskID   string
	Number   int
	Status   TaskAttemptStatus
	RunAt    time.Time
	Error    string
}

// Endpoint is a user's HTTP target.
type Endpoint struct {
	ID                       string
	URL                      string
	APIKey                   string
	Version                  string
	RunChunkExecutionLimitMs int64
	AutoYieldStart           int64
	AutoYieldBeforeExecute   int64
	AutoYieldBeforeComplete  int64
	AutoYieldAfterComplete   int64
}

// SupportsLazyLoadedCachedTasks reports whether this endpoint version
// understands the new-style execute body (§4.C): cached task cursor,
// no-op Bloom filter, yielded executions, run chunk execution limit,
// and auto-yield config. Versions are opaque strings opportunistically
// updated from the trigger-version response header; any non-empty
// version is assumed to support the feature, matching the teacher's
// "absence of a version means legacy" convention.
func (e *Endpoint) SupportsLazyLoadedCachedTasks() bool {
	return e.Version != ""
}

// Organisation owns the cumulative per-run execution time limit.
type Organisation struct {
	ID                          string
	MaximumExecutionTimePerRunInMs int64
}

// AutoYieldExecution records one cooperative yield checkpoint.
type AutoYieldExecution struct {
	ID            string
	RunID         string
	Location      string
	TimeRemaining int64
	TimeElapsed   int64
	Limit         int64
	CreatedAt     time.Time
}

// SubscriptionEvent is the run lifecycle event a JobRunSubscription fires on.
type SubscriptionEvent string

const (
	SubscriptionEventSuccess SubscriptionEvent = "SUCCESS"
	SubscriptionEventFailure SubscriptionEvent = "FAILURE"
)

// SubscriptionStatus tracks whether a subscription is active.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusInactive SubscriptionStatus = "INACTIVE"
)

// RecipientMethod is how a subscription's recipient is addressed.
type RecipientMethod string

// RecipientMethodEndpoint is the only method the execute driver upserts;
// other methods (e.g. webhook) may be created by the out-of-scope route layer.
const RecipientMethodEndpoint RecipientMethod = "ENDPOINT"

// JobRunSubscription is a (RunID, Recipient, Event) tuple unique per run,
// used to notify endpoints that opted in via response headers.
type JobRunSubscription struct {
	ID              string
	RunID           string
	Recipient       string
	Event           SubscriptionEvent
	RecipientMethod RecipientMethod
	Status          SubscriptionStatus
}

// Environment is the deploy environment a run executes in.
type Environment struct {
	ID   string
	Slug string // e.g. "development", "staging", "production"
}

// IsDevelopment reports whether retry-enqueueing should be skipped (§4.B, §4.C).
func (e *Environment) IsDevelopment() bool {
	return e.Slug == "development"
}

// Project groups environments and jobs under an organisation.
type Project struct {
	ID   string
	Name string
}

// ExternalAccount is the end-user account a run executes on behalf of.
type ExternalAccount struct {
	ID string
}

// Event is the trigger event that created the run.
type Event struct {
	ID            string
	SourceContext map[string]any
}

// Job is the user-declared unit of work a Run executes a version of.
type Job struct {
	ID   string
	Slug string
}

// JobVersion is one deployed version of a Job.
type JobVersion struct {
	ID    string
	JobID string
	Job   *Job
}

// RunConnection links a run to an integration connection used by its code.
type RunConnection struct {
	ID             string
	RunID          string
	IntegrationKey string
	ConnectionID   string
	DataReference  string
}

// ConnectionAuth is the resolved credential for one integration key,
// produced by the out-of-scope OAuth/credential resolver (§1).
type ConnectionAuth struct {
	IntegrationKey string
	Type           string
	Token          string
	Metadata       map[string]any
}

// RunAggregate is the single-read projection the Run Loader (§4.A) returns:
// everything the Preprocess and Execute drivers need for one chunk.
type RunAggregate struct {
	Run             *Run
	Environment     *Environment
	Endpoint        *Endpoint
	Organisation    *Organisation
	Project         *Project
	ExternalAccount *ExternalAccount
	Event           *Event
	Version         *JobVersion
	RunConnections  []*RunConnection
	// CompletedTasks is restricted to status=COMPLETED, ordered ascending
	// by ID for determinism (§4.A).
	CompletedTasks []*Task
	// Subscriptions is restricted to RecipientMethod=ENDPOINT (§4.A).
	Subscriptions []*JobRunSubscription
	// TotalTaskCount is the full task count, not just completed ones.
	TotalTaskCount int
}
