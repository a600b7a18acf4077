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

// Package backend provides the transactional relational store behind the
// run execution coordinator.
//
// # Interface Hierarchy
//
// The backend package uses interface segregation, same as the teacher:
//
//   - Loader (core, required): LoadRunAggregate, a single read assembling
//     everything the Run Loader needs (§4.A). Never transactional.
//   - Backend (full): Loader plus WithTx for the mutating branches of the
//     Preprocess and Execute drivers, each of which must run inside one
//     transaction (§5, §9 "Transactions vs. enqueues").
//   - Tx: the set of mutating operations available inside one transaction,
//     including Enqueue, so a branch's store writes and its follow-up
//     queue message commit or roll back together (the outbox pattern).
package backend

import (
	"context"
	"io"

	"github.com/tombee/conductor/internal/coordinator/queue"
	"github.com/tombee/conductor/internal/coordinator/store"
)

// Loader is the minimal interface the Run Loader (§4.A) requires.
type Loader interface {
	// LoadRunAggregate performs the single read described in §4.A. It
	// returns (nil, nil) if no such run exists — the caller returns
	// silently (idempotent), not an error.
	LoadRunAggregate(ctx context.Context, id string) (*store.RunAggregate, error)
}

// Backend is the full storage interface the coordinator depends on.
type Backend interface {
	Loader
	io.Closer

	// WithTx runs fn inside one transaction. If fn returns an error the
	// transaction (including any Tx.Enqueue calls) is rolled back;
	// otherwise everything commits atomically.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of mutating operations available inside one transaction.
// Every method here participates in the enclosing commit/rollback,
// including Enqueue — an outbox-pattern guarantee that a follow-up
// queue message is only visible if the transaction that produced it
// committed (§9).
type Tx interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	UpdateRun(ctx context.Context, run *store.Run) error

	GetTask(ctx context.Context, id string) (*store.Task, error)
	UpdateTask(ctx context.Context, task *store.Task) error
	// GetLatestTask returns the run's most recently created task, or nil
	// if the run has none (§4.C timeout-resume path).
	GetLatestTask(ctx context.Context, runID string) (*store.Task, error)
	// ListNonTerminalTasks returns tasks in WAITING/RUNNING/PENDING for runID.
	ListNonTerminalTasks(ctx context.Context, runID string) ([]*store.Task, error)
	// CountTasks returns the total number of tasks for runID, terminal or not.
	CountTasks(ctx context.Context, runID string) (int, error)

	GetLatestTaskAttempt(ctx context.Context, taskID string) (*store.TaskAttempt, error)
	CreateTaskAttempt(ctx context.Context, attempt *store.TaskAttempt) error
	UpdateTaskAttempt(ctx context.Context, attempt *store.TaskAttempt) error

	UpdateEndpoint(ctx context.Context, endpoint *store.Endpoint) error

	CreateAutoYieldExecution(ctx context.Context, aye *store.AutoYieldExecution) error

	// UpsertSubscription inserts a subscription row for
	// (RunID, Recipient, Event) if one does not already exist; it is a
	// no-op on existing rows (§4.C, invariant 8).
	UpsertSubscription(ctx context.Context, sub *store.JobRunSubscription) error

	// Enqueue stages job for delivery once the transaction commits.
	Enqueue(ctx context.Context, job *queue.Job) error
}
