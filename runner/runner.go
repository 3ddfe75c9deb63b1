// Package runner executes workflow plans: it loads the plan's tasks into a
// task graph, dispatches runnable tasks through the step executor with
// bounded parallelism, and feeds outcomes back into the graph until no task
// can make progress.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/stepflow/cache"
	"github.com/c360studio/stepflow/metrics"
	"github.com/c360studio/stepflow/step"
	"github.com/c360studio/stepflow/taskgraph"
)

// DefaultMaxParallel bounds concurrently running tasks when no limit is set.
const DefaultMaxParallel = 4

// Runner executes plans. One Runner may execute several plans concurrently;
// every Run gets its own task graph and workflow id.
type Runner struct {
	executor    *step.Executor
	collector   *metrics.Collector
	caches      *cache.Manager[any]
	registry    *Registry
	graphOpts   []taskgraph.Option
	listeners   []taskgraph.Listener
	maxParallel int
	logger      *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithGraphOptions sets the options of the task graph created for each run.
func WithGraphOptions(opts ...taskgraph.Option) Option {
	return func(r *Runner) {
		r.graphOpts = append(r.graphOpts, opts...)
	}
}

// WithListener attaches l to the task graph of every run.
func WithListener(l taskgraph.Listener) Option {
	return func(r *Runner) {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
}

// WithMaxParallel bounds the number of tasks executing at once.
func WithMaxParallel(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxParallel = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Runner. Nil dependencies are replaced with defaults: a
// fresh collector, an executor recording into it, an empty cache manager,
// and a registry holding the built-in operations without fetch.
func New(exec *step.Executor, collector *metrics.Collector, caches *cache.Manager[any], registry *Registry, opts ...Option) *Runner {
	if collector == nil {
		collector = metrics.NewCollector()
	}
	if exec == nil {
		exec = step.NewExecutor(step.WithRecorder(collector))
	}
	if caches == nil {
		caches = cache.NewManager[any](cache.Options{})
	}
	if registry == nil {
		registry = NewRegistry()
		_ = RegisterBuiltins(registry, nil)
	}

	r := &Runner{
		executor:    exec,
		collector:   collector,
		caches:      caches,
		registry:    registry,
		maxParallel: DefaultMaxParallel,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the operation registry.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// TaskResult is the outcome of one task across all of its dispatches.
type TaskResult struct {
	Value any `json:"value,omitempty"`
	// Runs counts dispatches, including task-level retries
	Runs int `json:"runs"`
	// Attempts counts step attempts over all runs
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Cached   bool          `json:"cached"`
	Error    string        `json:"error,omitempty"`
}

// Report describes a finished run.
type Report struct {
	WorkflowID string                `json:"workflow_id"`
	Summary    metrics.Summary       `json:"summary"`
	Stats      taskgraph.Stats       `json:"stats"`
	Results    map[string]TaskResult `json:"results"`
	Tasks      []*taskgraph.Task     `json:"tasks"`
}

// Failed returns the ids of tasks that ended in Error, in creation order.
func (r *Report) Failed() []string {
	var ids []string
	for _, t := range r.Tasks {
		if t.Status == taskgraph.StatusError {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// OK reports whether every task completed.
func (r *Report) OK() bool {
	return r.Stats.Total == r.Stats.Completed
}

// Run executes plan to quiescence and returns its report.
//
// Runnable tasks are started highest priority first. A step that fails with
// a retryable error is handed to the graph's retry policy; a fatal failure
// puts the task in Error at once. When nothing is running or waiting for a
// retry and no task is runnable, any task still Pending is cancelled. If ctx
// is cancelled, running steps are drained, every unfinished task is
// cancelled, and the report is returned together with ctx's error.
func (r *Runner) Run(ctx context.Context, plan *Plan) (*Report, error) {
	if plan == nil {
		return nil, errors.New("plan is required")
	}
	if err := plan.Validate(r.registry); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	workflowID := plan.Workflow + "-" + uuid.NewString()
	ctx = r.collector.Begin(ctx, workflowID)

	rn := &run{
		Runner:  r,
		plan:    plan,
		id:      workflowID,
		graph:   taskgraph.NewManager(r.graphOpts...),
		byID:    make(map[string]PlanTask, len(plan.Tasks)),
		wake:    make(chan struct{}, 1),
		results: make(map[string]*TaskResult),
	}
	for _, l := range r.listeners {
		rn.graph.AddListener(l)
	}
	rn.graph.AddListener(func(taskgraph.Event) { rn.signal() })

	for _, t := range plan.Tasks {
		rn.byID[t.ID] = t
		priority, _ := taskgraph.ParsePriority(t.Priority)
		_, err := rn.graph.CreateTask(t.ID, t.Title, taskgraph.CreateOptions{
			Description:  t.Description,
			Priority:     priority,
			MaxRetries:   plan.maxRetries(t),
			Dependencies: t.DependsOn,
			Metadata: map[string]any{
				"operation": t.Operation,
				"workflow":  workflowID,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("create task %s: %w", t.ID, err)
		}
	}

	r.logger.Info("Workflow started",
		"workflow", workflowID,
		"tasks", len(plan.Tasks),
		"max_parallel", r.maxParallel)

	rn.loop(ctx)
	rn.finish(ctx)

	report := &Report{
		WorkflowID: workflowID,
		Summary:    r.collector.EndWorkflow(context.WithoutCancel(ctx), workflowID),
		Stats:      rn.graph.GetStats(),
		Results:    rn.snapshotResults(),
		Tasks:      rn.graph.GetAllTasks(),
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// run is the state of one Run call.
type run struct {
	*Runner
	plan  *Plan
	id    string
	graph *taskgraph.Manager
	byID  map[string]PlanTask

	wake    chan struct{}
	running atomic.Int32

	mu      sync.Mutex
	results map[string]*TaskResult
}

// signal wakes the dispatch loop without blocking.
func (rn *run) signal() {
	select {
	case rn.wake <- struct{}{}:
	default:
	}
}

func (rn *run) loop(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(rn.maxParallel)

	for ctx.Err() == nil {
		for _, t := range rn.graph.GetRunnableTasks() {
			if int(rn.running.Load()) >= rn.maxParallel {
				break
			}
			if _, err := rn.graph.StartTask(t.ID); err != nil {
				rn.logger.Warn("Failed to start task", "workflow", rn.id, "task", t.ID, "error", err)
				continue
			}
			rn.running.Add(1)
			pt := rn.byID[t.ID]
			g.Go(func() error {
				defer rn.done()
				rn.execute(ctx, pt)
				return nil
			})
		}

		// Order matters: a finishing worker schedules its retry before it
		// stops counting as running, and a retry hop leaves the timer set
		// until the task is Pending again.
		if rn.running.Load() == 0 && rn.graph.PendingRetries() == 0 && len(rn.graph.GetRunnableTasks()) == 0 {
			break
		}

		select {
		case <-rn.wake:
		case <-ctx.Done():
		}
	}
	_ = g.Wait()
}

func (rn *run) done() {
	rn.running.Add(-1)
	rn.signal()
}

// execute runs one dispatch of pt and reports the outcome to the graph.
func (rn *run) execute(ctx context.Context, pt PlanTask) {
	op, _ := rn.registry.Lookup(pt.Operation)
	call := Call{
		WorkflowID: rn.id,
		TaskID:     pt.ID,
		Title:      pt.Title,
		Params:     pt.Params,
	}
	opts := rn.plan.stepOptions(pt, rn.executor.Defaults())
	opts.WorkflowID = rn.id

	var (
		res step.Result[any]
		ran bool
	)
	compute := func(ctx context.Context) (any, error) {
		ran = true
		var err error
		res, err = step.Run[any](ctx, rn.executor, pt.ID, func(ctx context.Context) (any, error) {
			return op(ctx, call)
		}, opts)
		return res.Value, err
	}

	var (
		value any
		err   error
	)
	if pt.Cache != nil {
		value, err = rn.caches.ExecuteWithCache(ctx, pt.Cache.Namespace, cacheKey(pt), compute, pt.Cache.TTL)
	} else {
		value, err = compute(ctx)
	}
	if err != nil && ran && res.Err != nil {
		// Report the step's error rather than the cache's wrapping of it.
		err = res.Err
	}

	rn.mu.Lock()
	result, ok := rn.results[pt.ID]
	if !ok {
		result = &TaskResult{}
		rn.results[pt.ID] = result
	}
	result.Runs++
	if ran {
		result.Attempts += res.Attempts
		result.Duration += res.Duration
	}
	result.Cached = !ran && err == nil
	if err == nil {
		result.Value = value
		result.Error = ""
	} else {
		result.Error = err.Error()
	}
	rn.mu.Unlock()

	rn.settle(ctx, pt, err)
}

// settle moves the task out of InProgress according to err.
func (rn *run) settle(ctx context.Context, pt PlanTask, err error) {
	var graphErr error
	switch {
	case err == nil:
		_, graphErr = rn.graph.CompleteTask(pt.ID, "")
		rn.logger.Debug("Task completed", "workflow", rn.id, "task", pt.ID)

	case step.IsCancelled(err) || ctx.Err() != nil:
		_, graphErr = rn.graph.CancelTask(pt.ID)
		rn.logger.Info("Task cancelled", "workflow", rn.id, "task", pt.ID)

	case step.IsFatal(err):
		status := taskgraph.StatusError
		msg := err.Error()
		_, graphErr = rn.graph.UpdateTask(pt.ID, taskgraph.Patch{Status: &status, ErrorMessage: &msg})
		rn.logger.Warn("Task failed", "workflow", rn.id, "task", pt.ID, "fatal", true, "error", err)

	default:
		var t *taskgraph.Task
		t, graphErr = rn.graph.FailTask(pt.ID, err.Error())
		if graphErr == nil {
			rn.logger.Warn("Task failed",
				"workflow", rn.id,
				"task", pt.ID,
				"retry_count", t.RetryCount,
				"max_retries", t.MaxRetries,
				"error", err)
		}
	}
	if graphErr != nil {
		rn.logger.Error("Failed to update task", "workflow", rn.id, "task", pt.ID, "error", graphErr)
	}
}

// finish cancels every task that can no longer make progress.
func (rn *run) finish(ctx context.Context) {
	interrupted := ctx.Err() != nil
	for _, t := range rn.graph.GetAllTasks() {
		if t.Status.IsTerminal() {
			continue
		}
		if !interrupted {
			rn.logger.Warn("Cancelling stalled task", "workflow", rn.id, "task", t.ID, "status", t.Status)
		}
		if _, err := rn.graph.CancelTask(t.ID); err != nil {
			rn.logger.Error("Failed to cancel task", "workflow", rn.id, "task", t.ID, "error", err)
		}
	}
}

func (rn *run) snapshotResults() map[string]TaskResult {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	out := make(map[string]TaskResult, len(rn.results))
	for id, r := range rn.results {
		out[id] = *r
	}
	return out
}
