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

// Command conductord runs the run execution coordinator: it drains the
// work queue, loads each run's aggregate, and dispatches it to the
// Preprocess or Execute driver depending on the item's reason (§4, §7).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/tombee/conductor/internal/config"
	"github.com/tombee/conductor/internal/coordinator/backend"
	"github.com/tombee/conductor/internal/coordinator/backend/memory"
	pgbackend "github.com/tombee/conductor/internal/coordinator/backend/postgres"
	"github.com/tombee/conductor/internal/coordinator/backend/sqlite"
	"github.com/tombee/conductor/internal/coordinator/endpointclient"
	"github.com/tombee/conductor/internal/coordinator/execute"
	"github.com/tombee/conductor/internal/coordinator/loader"
	"github.com/tombee/conductor/internal/coordinator/metrics"
	"github.com/tombee/conductor/internal/coordinator/preprocess"
	"github.com/tombee/conductor/internal/coordinator/queue"
	pgqueue "github.com/tombee/conductor/internal/coordinator/queue/postgres"
	"github.com/tombee/conductor/internal/coordinator/store"
	"github.com/tombee/conductor/internal/coordinator/telemetry"
	"github.com/tombee/conductor/internal/coordinator/yield"
	"github.com/tombee/conductor/internal/log"
	"github.com/tombee/conductor/internal/tracing"
)

// maxParallel bounds how many work items this process drives
// concurrently, the same semaphore pattern the teacher's Runner uses
// to cap MaxParallel.
const maxParallel = 16

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductord %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "conductord: load config:", err)
		os.Exit(1)
	}

	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format)})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("conductord exited with error", log.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	q, closeQueue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer closeQueue()

	// The memory backend enqueues follow-up work directly into an
	// in-process queue.Queue, so when both store and queue are memory
	// it must be handed the very instance the dispatch loop drains.
	be, closeBackend, err := openBackend(ctx, cfg.Store, q)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer closeBackend()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.ServiceName = "conductord"
	provider, err := tracing.NewOTelProviderWithConfig(tracingCfg)
	if err != nil {
		return fmt.Errorf("start tracing provider: %w", err)
	}
	defer provider.Shutdown(ctx)

	client, err := endpointclient.New(endpointclient.Config{UserAgent: cfg.HTTPClient.UserAgent})
	if err != nil {
		return fmt.Errorf("build endpoint client: %w", err)
	}

	yieldCoord := yield.New(be)
	runLoader := loader.New(be)
	preprocessDriver := preprocess.New(be, client)
	executeDriver := execute.New(be, client, yieldCoord, noopConnections{}, noopTaskCompletion{}, telemetry.NewLogSpanSink(logger), cfg, logger)

	admin := newAdminServer(cfg.Admin.ListenAddr, yieldCoord, provider)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", log.Error(err))
		}
	}()

	sem := make(chan struct{}, maxParallel)
	dispatchLoop(ctx, q, runLoader, preprocessDriver, executeDriver, logger, sem)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	admin.Shutdown(shutdownCtx)
	wg.Wait()

	return nil
}

// dispatchLoop drains q until ctx is canceled, handing each decoded
// work item to its driver inside its own goroutine bounded by sem (the
// teacher's Runner.semaphore pattern), and waits for in-flight work to
// finish before returning.
func dispatchLoop(
	ctx context.Context,
	q queue.Queue,
	runLoader *loader.Loader,
	preprocessDriver *preprocess.Driver,
	executeDriver *execute.Driver,
	logger *slog.Logger,
	sem chan struct{},
) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		job, err := q.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			logger.ErrorContext(ctx, "dequeue failed", log.Error(err))
			metrics.RecordPersistenceError("Dequeue", "io_error")
			continue
		}

		item, err := queue.DecodeWorkItem(job)
		if err != nil {
			logger.ErrorContext(ctx, "decode work item failed", log.Error(err), log.String("job_id", job.ID))
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		wg.Add(1)
		go func(item queue.WorkItem) {
			defer wg.Done()
			defer func() { <-sem }()
			processItem(ctx, item, runLoader, preprocessDriver, executeDriver, logger)
		}(item)
	}
}

func processItem(
	ctx context.Context,
	item queue.WorkItem,
	runLoader *loader.Loader,
	preprocessDriver *preprocess.Driver,
	executeDriver *execute.Driver,
	logger *slog.Logger,
) {
	agg, err := runLoader.Load(ctx, item.RunID)
	if err != nil {
		logger.ErrorContext(ctx, "load run aggregate failed", log.Error(err), log.String("run_id", item.RunID))
		metrics.RecordPersistenceError("LoadRunAggregate", "io_error")
		return
	}
	if agg == nil {
		// Run no longer exists: redelivery of a stale message, a no-op.
		return
	}

	var runErr error
	switch item.Reason {
	case queue.ReasonPreprocess:
		runErr = preprocessDriver.Run(ctx, agg)
	case queue.ReasonExecuteJob, queue.ReasonResumeTask:
		runErr = executeDriver.Run(ctx, agg, item)
	case queue.ReasonDeliverRunSubscriptions:
		// Subscription delivery is the out-of-scope notification service
		// named in §1; this coordinator only upserts subscription rows.
	default:
		logger.WarnContext(ctx, "unknown work item reason", log.String("reason", string(item.Reason)))
	}
	if runErr != nil {
		logger.ErrorContext(ctx, "driver run failed", log.Error(runErr), log.String("run_id", item.RunID), log.String("reason", string(item.Reason)))
	}
}

func openBackend(ctx context.Context, cfg config.BackendConfig, q queue.Queue) (backend.Backend, func(), error) {
	switch cfg.Kind {
	case "memory":
		be := memory.New(q)
		return be, func() { be.Close() }, nil
	case "sqlite":
		be, err := sqlite.New(sqlite.Config{Path: cfg.DSN, WAL: true})
		if err != nil {
			return nil, nil, err
		}
		return be, func() { be.Close() }, nil
	case "postgres":
		be, err := pgbackend.New(ctx, pgbackend.Config{ConnectionString: cfg.DSN})
		if err != nil {
			return nil, nil, err
		}
		return be, func() { be.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}

func openQueue(ctx context.Context, cfg config.BackendConfig) (queue.Queue, func(), error) {
	switch cfg.Kind {
	case "memory":
		q := queue.NewMemoryQueue()
		return q, func() { q.Close() }, nil
	case "postgres":
		q, err := pgqueue.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return q, func() { q.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue kind %q", cfg.Kind)
	}
}

// newAdminServer builds the admin HTTP surface (§4.D): liveness, the
// OTel-backed metrics endpoint, and the manual force-yield route.
func newAdminServer(addr string, yieldCoord *yield.Coordinator, provider *tracing.OTelProvider) *http.Server {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET", "POST"}}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", provider.MetricsHandler())
	r.Post("/runs/{runID}/force-yield", func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runID")
		if err := yieldCoord.ForceYield(r.Context(), runID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	return &http.Server{Addr: addr, Handler: r}
}

// noopConnections is the out-of-scope OAuth/credential resolver (§1):
// this process has no integration connections to resolve.
type noopConnections struct{}

func (noopConnections) Resolve(ctx context.Context, runConnections []*store.RunConnection) (map[string]store.ConnectionAuth, error) {
	return map[string]store.ConnectionAuth{}, nil
}

// noopTaskCompletion is the out-of-scope lower-level task-completion
// service (§1), invoked only for AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK.
type noopTaskCompletion struct{}

func (noopTaskCompletion) CompleteTask(ctx context.Context, taskID string, properties map[string]any, output map[string]any) error {
	return nil
}
