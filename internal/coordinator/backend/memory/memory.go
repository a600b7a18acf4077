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

// Package memory is an in-memory backend.Backend, for tests, local
// development, and the e2e test harness.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/tombee/conductor/internal/coordinator/backend"
	"github.com/tombee/conductor/internal/coordinator/queue"
	"github.com/tombee/conductor/internal/coordinator/store"
)

var _ backend.Backend = (*Backend)(nil)

// Backend is an in-memory backend.Backend. A single mutex guards every
// map; WithTx holds that mutex for the duration of the transaction, which
// is sufficient for a single-process backend and gives the same
// all-or-nothing visibility a real transaction provides: if fn returns an
// error, the maps are restored to their state before fn ran.
type Backend struct {
	mu sync.Mutex

	runs          map[string]*store.Run
	tasks         map[string]*store.Task
	tasksByRun    map[string][]string // runID -> task IDs, insertion order
	attempts      map[string][]*store.TaskAttempt // taskID -> attempts, ordered
	endpoints     map[string]*store.Endpoint
	organisations map[string]*store.Organisation
	environments  map[string]*store.Environment
	projects      map[string]*store.Project
	accounts      map[string]*store.ExternalAccount
	events        map[string]*store.Event
	versions      map[string]*store.JobVersion
	connections   map[string][]*store.RunConnection // runID -> connections
	subscriptions map[string][]*store.JobRunSubscription // runID -> subscriptions

	queue queue.Queue
}

// New creates an empty in-memory backend. q receives transactionally
// staged Enqueue calls once WithTx's fn returns nil.
func New(q queue.Queue) *Backend {
	return &Backend{
		runs:          make(map[string]*store.Run),
		tasks:         make(map[string]*store.Task),
		tasksByRun:    make(map[string][]string),
		attempts:      make(map[string][]*store.TaskAttempt),
		endpoints:     make(map[string]*store.Endpoint),
		organisations: make(map[string]*store.Organisation),
		environments:  make(map[string]*store.Environment),
		projects:      make(map[string]*store.Project),
		accounts:      make(map[string]*store.ExternalAccount),
		events:        make(map[string]*store.Event),
		versions:      make(map[string]*store.JobVersion),
		connections:   make(map[string][]*store.RunConnection),
		subscriptions: make(map[string][]*store.JobRunSubscription),
		queue:         q,
	}
}

// Seed registers fixture rows. Intended for tests and the loader/
// endpointclient example harness, not production use.
func (b *Backend) Seed(run *store.Run, env *store.Environment, ep *store.Endpoint, org *store.Organisation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs[run.ID] = run
	if env != nil {
		b.environments[env.ID] = env
	}
	if ep != nil {
		b.endpoints[ep.ID] = ep
	}
	if org != nil {
		b.organisations[org.ID] = org
	}
}

// SeedTask registers a task fixture.
func (b *Backend) SeedTask(task *store.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[task.ID] = task
	b.tasksByRun[task.RunID] = append(b.tasksByRun[task.RunID], task.ID)
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error { return nil }

// LoadRunAggregate implements backend.Loader (§4.A).
func (b *Backend) LoadRunAggregate(ctx context.Context, id string) (*store.RunAggregate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[id]
	if !ok {
		return nil, nil
	}

	agg := &store.RunAggregate{
		Run:             copyRun(run),
		Environment:     b.environments[run.EnvironmentID],
		Endpoint:        b.endpoints[run.EndpointID],
		Organisation:    b.organisations[run.OrganisationID],
		Project:         b.projects[run.ProjectID],
		ExternalAccount: b.accounts[run.ExternalAccountID],
		Event:           b.events[run.EventID],
		Version:         b.versions[run.VersionID],
		RunConnections:  b.connections[id],
	}

	var completed []*store.Task
	for _, taskID := range b.tasksByRun[id] {
		t := b.tasks[taskID]
		if t.Status == store.TaskStatusCompleted {
			completed = append(completed, t)
		}
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].ID < completed[j].ID })
	agg.CompletedTasks = completed
	agg.TotalTaskCount = len(b.tasksByRun[id])

	var subs []*store.JobRunSubscription
	for _, s := range b.subscriptions[id] {
		if s.RecipientMethod == store.RecipientMethodEndpoint {
			subs = append(subs, s)
		}
	}
	agg.Subscriptions = subs

	return agg, nil
}

// WithTx executes fn with the backend's mutex held, giving fn exclusive,
// all-or-nothing access; nothing is visible to other callers mid-fn since
// the mutex is not released until fn returns.
func (b *Backend) WithTx(ctx context.Context, fn func(ctx context.Context, tx backend.Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx := &memTx{b: b}
	runs, tasks, endpoints, subscriptions := maps.Clone(b.runs), maps.Clone(b.tasks), maps.Clone(b.endpoints), maps.Clone(b.subscriptions)
	attempts := make(map[string][]*store.TaskAttempt, len(b.attempts))
	for id, as := range b.attempts {
		attempts[id] = append([]*store.TaskAttempt(nil), as...)
	}
	if err := fn(ctx, tx); err != nil {
		tx.enqueued = nil // staged enqueues are discarded on rollback
		b.runs, b.tasks, b.endpoints, b.subscriptions, b.attempts = runs, tasks, endpoints, subscriptions, attempts
		return err
	}

	for _, job := range tx.enqueued {
		if err := b.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("backend/memory: commit enqueue: %w", err)
		}
	}
	return nil
}

// memTx implements backend.Tx against the backend's already-locked maps.
type memTx struct {
	b        *Backend
	enqueued []*queue.Job
}

func (tx *memTx) GetRun(ctx context.Context, id string) (*store.Run, error) {
	run, ok := tx.b.runs[id]
	if !ok {
		return nil, fmt.Errorf("backend/memory: run not found: %s", id)
	}
	return copyRun(run), nil
}

func (tx *memTx) UpdateRun(ctx context.Context, run *store.Run) error {
	if _, ok := tx.b.runs[run.ID]; !ok {
		return fmt.Errorf("backend/memory: run not found: %s", run.ID)
	}
	run.UpdatedAt = time.Now()
	tx.b.runs[run.ID] = copyRun(run)
	return nil
}

func (tx *memTx) GetTask(ctx context.Context, id string) (*store.Task, error) {
	task, ok := tx.b.tasks[id]
	if !ok {
		return nil, fmt.Errorf("backend/memory: task not found: %s", id)
	}
	return copyTask(task), nil
}

func (tx *memTx) UpdateTask(ctx context.Context, task *store.Task) error {
	if _, ok := tx.b.tasks[task.ID]; !ok {
		return fmt.Errorf("backend/memory: task not found: %s", task.ID)
	}
	tx.b.tasks[task.ID] = copyTask(task)
	return nil
}

func (tx *memTx) GetLatestTask(ctx context.Context, runID string) (*store.Task, error) {
	ids := tx.b.tasksByRun[runID]
	if len(ids) == 0 {
		return nil, nil
	}

	var latest *store.Task
	for _, id := range ids {
		t := tx.b.tasks[id]
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	return copyTask(latest), nil
}

func (tx *memTx) ListNonTerminalTasks(ctx context.Context, runID string) ([]*store.Task, error) {
	var out []*store.Task
	for _, id := range tx.b.tasksByRun[runID] {
		t := tx.b.tasks[id]
		for _, s := range store.NonTerminalTaskStatuses {
			if t.Status == s {
				out = append(out, copyTask(t))
				break
			}
		}
	}
	return out, nil
}

func (tx *memTx) CountTasks(ctx context.Context, runID string) (int, error) {
	return len(tx.b.tasksByRun[runID]), nil
}

func (tx *memTx) GetLatestTaskAttempt(ctx context.Context, taskID string) (*store.TaskAttempt, error) {
	attempts := tx.b.attempts[taskID]
	if len(attempts) == 0 {
		return nil, nil
	}
	latest := attempts[0]
	for _, a := range attempts {
		if a.Number > latest.Number {
			latest = a
		}
	}
	cp := *latest
	return &cp, nil
}

func (tx *memTx) CreateTaskAttempt(ctx context.Context, attempt *store.TaskAttempt) error {
	cp := *attempt
	tx.b.attempts[attempt.TaskID] = append(tx.b.attempts[attempt.TaskID], &cp)
	return nil
}

func (tx *memTx) UpdateTaskAttempt(ctx context.Context, attempt *store.TaskAttempt) error {
	attempts := tx.b.attempts[attempt.TaskID]
	for i, a := range attempts {
		if a.ID == attempt.ID {
			cp := *attempt
			attempts[i] = &cp
			return nil
		}
	}
	return fmt.Errorf("backend/memory: task attempt not found: %s", attempt.ID)
}

func (tx *memTx) UpdateEndpoint(ctx context.Context, endpoint *store.Endpoint) error {
	if _, ok := tx.b.endpoints[endpoint.ID]; !ok {
		return fmt.Errorf("backend/memory: endpoint not found: %s", endpoint.ID)
	}
	cp := *endpoint
	tx.b.endpoints[endpoint.ID] = &cp
	return nil
}

func (tx *memTx) CreateAutoYieldExecution(ctx context.Context, aye *store.AutoYieldExecution) error {
	// Auto-yield rows are write-only bookkeeping in this model; they are
	// not read back by any coordinator operation. The in-memory backend
	// does not store them.
	return nil
}

func (tx *memTx) UpsertSubscription(ctx context.Context, sub *store.JobRunSubscription) error {
	for _, existing := range tx.b.subscriptions[sub.RunID] {
		if existing.Recipient == sub.Recipient && existing.Event == sub.Event {
			return nil // no-op on existing rows (invariant 8)
		}
	}
	cp := *sub
	tx.b.subscriptions[sub.RunID] = append(tx.b.subscriptions[sub.RunID], &cp)
	return nil
}

func (tx *memTx) Enqueue(ctx context.Context, job *queue.Job) error {
	tx.enqueued = append(tx.enqueued, job)
	return nil
}

func copyRun(r *store.Run) *store.Run {
	cp := *r
	cp.YieldedExecutions = append([]string(nil), r.YieldedExecutions...)
	cp.Output = copyMap(r.Output)
	cp.Properties = copyMap(r.Properties)
	return &cp
}

func copyTask(t *store.Task) *store.Task {
	cp := *t
	cp.Output = copyMap(t.Output)
	cp.OutputProperties = copyMap(t.OutputProperties)
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
