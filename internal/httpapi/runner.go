package httpapi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polychat/sandbox-worker/internal/control"
	"github.com/polychat/sandbox-worker/internal/events"
	"github.com/polychat/sandbox-worker/internal/orchestrator"
	"github.com/polychat/sandbox-worker/internal/runstore"
	"github.com/polychat/sandbox-worker/pkg/models"
)

// DefaultMaxConcurrentRuns bounds how many runs execute at once; further
// submissions queue until a slot frees.
const DefaultMaxConcurrentRuns = 4

// storeFetcher serves checkpoint polls straight from the run registry, so an
// in-process run needs no HTTP round trip to see pause and cancel requests.
type storeFetcher struct {
	store *runstore.Store
	runID string
}

func (f storeFetcher) Fetch(ctx context.Context) (models.RunControl, error) {
	return f.store.GetControl(ctx, f.runID)
}

// RunnerOptions wires a Runner.
type RunnerOptions struct {
	Store             *runstore.Store
	Orchestrator      orchestrator.Options // NewController and Sink are filled per run
	Sink              events.Sink          // usually the SSE hub plus a log sink
	MaxConcurrentRuns int
}

// Runner accepts run submissions and executes them on background goroutines.
type Runner struct {
	store *runstore.Store
	base  orchestrator.Options
	sink  events.Sink
	sem   chan struct{}
	wg    sync.WaitGroup
}

func NewRunner(opts RunnerOptions) *Runner {
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.Discard
	}
	return &Runner{
		store: opts.Store,
		base:  opts.Orchestrator,
		sink:  sink,
		sem:   make(chan struct{}, opts.MaxConcurrentRuns),
	}
}

// Start registers the run and schedules it. The returned id is the run id to
// poll and stream against.
func (rn *Runner) Start(ctx context.Context, params models.TaskParams, secrets models.TaskSecrets) (string, error) {
	if params.RunID == "" {
		params.RunID = uuid.NewString()
	}
	if err := rn.store.CreateRun(ctx, params.RunID, params); err != nil {
		return "", err
	}
	rn.wg.Add(1)
	go rn.execute(params, secrets)
	return params.RunID, nil
}

func (rn *Runner) execute(params models.TaskParams, secrets models.TaskSecrets) {
	defer rn.wg.Done()
	rn.sem <- struct{}{}
	defer func() { <-rn.sem }()

	opts := rn.base
	opts.Sink = rn.sink
	opts.NewController = func(p models.TaskParams, em *events.Emitter) *control.Controller {
		return control.New(control.Options{
			Timeout: time.Duration(p.TimeoutSeconds) * time.Second,
			Fetcher: storeFetcher{store: rn.store, runID: p.RunID},
			Emitter: em,
		})
	}

	// Runs outlive the submitting request; lifecycle is governed by the
	// control state, not the request context.
	result := orchestrator.New(opts).Execute(context.Background(), params, secrets)
	if err := rn.store.SetResult(context.Background(), params.RunID, result); err != nil {
		slog.Error("could not record run result", "run_id", params.RunID, "error", err)
	}
}

// Wait blocks until all in-flight runs finish. Used on daemon shutdown.
func (rn *Runner) Wait() {
	rn.wg.Wait()
}
