// Package orchestrator runs the plan decision loop: it renders context,
// asks the planner for a decision, records it, executes the chosen tool with
// retries and timeouts, and feeds the observation into the next turn until
// the run completes, fails or is cancelled.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/bunseki/internal/catalog"
	"github.com/ashita-ai/bunseki/internal/model"
	"github.com/ashita-ai/bunseki/internal/service/execution"
	"github.com/ashita-ai/bunseki/internal/stream"
)

// ErrShuttingDown is returned by Start once Shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator: shutting down")

// Options tunes the loop. Zero values take the defaults.
type Options struct {
	// ResearchLoopCap bounds research turns; the turn past the cap is forced
	// to complete.
	ResearchLoopCap int
	// MaxLoopIterations bounds all turns.
	MaxLoopIterations int
	// DefaultToolTimeout applies to tools whose descriptor sets none.
	DefaultToolTimeout time.Duration
	// ToolRetryDelay is the pause before a retry, doubled per attempt.
	ToolRetryDelay time.Duration
	// Renderer renders planner input. Defaults to DefaultRenderer.
	Renderer ContextRenderer
	// Text tunes the planning text streamer.
	Text stream.TextOptions
	// Clock stamps persisted times.
	Clock execution.Clock
}

const (
	defaultResearchLoopCap    = 3
	defaultMaxLoopIterations  = 20
	defaultToolTimeout        = 60 * time.Second
	researchCapNoteFmt        = "[research limit of %d turns reached; analysis marked complete]"
	toolCompletionNoteFmt     = "[analysis completed by tool %s]"
	cancelledToolErrorMessage = "execution cancelled"
)

func (o Options) withDefaults() Options {
	if o.ResearchLoopCap <= 0 {
		o.ResearchLoopCap = defaultResearchLoopCap
	}
	if o.MaxLoopIterations <= 0 {
		o.MaxLoopIterations = defaultMaxLoopIterations
	}
	if o.DefaultToolTimeout <= 0 {
		o.DefaultToolTimeout = defaultToolTimeout
	}
	if o.Renderer == nil {
		o.Renderer = DefaultRenderer{}
	}
	return o
}

// activeRun is the cancellation handle of a run executing in this process.
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator drives agent executions. It is safe for concurrent use; each
// run executes on its own goroutine and within a run the loop is strictly
// sequential.
type Orchestrator struct {
	store     execution.Store
	catalog   *catalog.Catalog
	planner   Planner
	hub       *stream.Hub
	lifecycle *execution.Lifecycle
	decisions *execution.DecisionTracker
	tools     *execution.ToolTracker
	snapshots *execution.SnapshotStore
	opts      Options
	logger    *slog.Logger
	metrics   metrics

	mu       sync.Mutex
	active   map[uuid.UUID]*activeRun
	closing  bool
	inflight sync.WaitGroup
}

// New creates an Orchestrator.
func New(store execution.Store, cat *catalog.Catalog, planner Planner, hub *stream.Hub, logger *slog.Logger, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	o := &Orchestrator{
		store:     store,
		catalog:   cat,
		planner:   planner,
		hub:       hub,
		lifecycle: execution.NewLifecycle(store, logger, opts.Clock),
		decisions: execution.NewDecisionTracker(store, logger, opts.Clock),
		tools:     execution.NewToolTracker(store, logger, opts.Clock),
		snapshots: execution.NewSnapshotStore(store, opts.Clock),
		opts:      opts,
		logger:    logger,
		active:    make(map[uuid.UUID]*activeRun),
	}
	o.metrics = newMetrics(o)
	return o
}

// Start creates a run and executes it in the background. The returned
// execution is the freshly created in_progress row. The run is detached
// from ctx's cancellation; use Cancel to stop it.
func (o *Orchestrator) Start(ctx context.Context, req model.StartExecutionRequest) (model.AgentExecution, error) {
	e, runCtx, err := o.begin(context.WithoutCancel(ctx), req)
	if err != nil {
		return model.AgentExecution{}, err
	}
	go func() {
		defer o.inflight.Done()
		_, _ = o.execute(runCtx, e, req)
	}()
	return e, nil
}

// Run creates a run and executes it on the calling goroutine, returning the
// terminal execution. Cancelling ctx cancels the run.
func (o *Orchestrator) Run(ctx context.Context, req model.StartExecutionRequest) (model.AgentExecution, error) {
	e, runCtx, err := o.begin(ctx, req)
	if err != nil {
		return model.AgentExecution{}, err
	}
	defer o.inflight.Done()
	return o.execute(runCtx, e, req)
}

func (o *Orchestrator) begin(ctx context.Context, req model.StartExecutionRequest) (model.AgentExecution, context.Context, error) {
	if err := model.ValidateStartExecution(req); err != nil {
		return model.AgentExecution{}, nil, fmt.Errorf("orchestrator: %w", err)
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return model.AgentExecution{}, nil, ErrShuttingDown
	}
	o.inflight.Add(1)
	o.mu.Unlock()

	e, err := o.lifecycle.Start(ctx, req)
	if err != nil {
		o.inflight.Done()
		return model.AgentExecution{}, nil, err
	}
	o.metrics.started.Add(ctx, 1)

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.active[e.ID] = &activeRun{cancel: cancel, done: make(chan struct{})}
	o.mu.Unlock()
	o.hub.Open(e.ID)
	return e, runCtx, nil
}

// Cancel requests cancellation of a run executing in this process. It
// reports false when the run is not active here.
func (o *Orchestrator) Cancel(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.active[id]
	if ok {
		r.cancel()
	}
	return ok
}

// Done returns a channel closed when the run finishes, or nil when the run
// is not active in this process.
func (o *Orchestrator) Done(id uuid.UUID) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.active[id]; ok {
		return r.done
	}
	return nil
}

// IsActive reports whether the run is executing in this process.
func (o *Orchestrator) IsActive(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[id]
	return ok
}

// Active returns the number of runs executing in this process.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Shutdown stops accepting runs, cancels the active ones and waits for them
// to record their terminal state or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	for _, r := range o.active {
		r.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: shutdown: %w", ctx.Err())
	}
}

// Detail loads a run with its decisions and tool executions in seq order.
func (o *Orchestrator) Detail(ctx context.Context, id uuid.UUID) (model.ExecutionDetail, error) {
	e, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return model.ExecutionDetail{}, err
	}
	decisions, err := o.store.ListDecisions(ctx, id)
	if err != nil {
		return model.ExecutionDetail{}, err
	}
	tools, err := o.store.ListToolExecutions(ctx, id)
	if err != nil {
		return model.ExecutionDetail{}, err
	}
	return model.ExecutionDetail{Execution: e, Decisions: decisions, ToolExecutions: tools}, nil
}

// Snapshot loads a context snapshot.
func (o *Orchestrator) Snapshot(ctx context.Context, id uuid.UUID) (model.ContextSnapshot, error) {
	return o.snapshots.Get(ctx, id)
}

// Catalog returns the tool catalog the loop plans against.
func (o *Orchestrator) Catalog() *catalog.Catalog {
	return o.catalog
}

func (o *Orchestrator) release(id uuid.UUID) {
	o.mu.Lock()
	r, ok := o.active[id]
	delete(o.active, id)
	o.mu.Unlock()
	if ok {
		r.cancel()
		close(r.done)
	}
}
