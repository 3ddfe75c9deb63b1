// Package metrics aggregates per-workflow step records and derives workflow
// summaries from them.
//
// Workflows are attributed explicitly: a step carries its workflow id, or the
// executor reads it from the context set by WithWorkflow. There is no global
// "current workflow", so one Collector can serve concurrent runs.
package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/stepflow/clock"
)

// StepMetrics is the immutable record of one executed step.
type StepMetrics struct {
	WorkflowID string        `json:"workflow_id"`
	Name       string        `json:"name"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Success    bool          `json:"success"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Error      string        `json:"error,omitempty"`
}

// Summary is derived on demand from a workflow's records and start time.
type Summary struct {
	WorkflowID      string        `json:"workflow_id"`
	StartTime       time.Time     `json:"start_time,omitempty"`
	EndTime         time.Time     `json:"end_time,omitempty"`
	TotalDuration   time.Duration `json:"total_duration"`
	StepCount       int           `json:"step_count"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	TotalAttempts   int           `json:"total_attempts"`
	AvgStepDuration time.Duration `json:"avg_step_duration"`
}

const (
	// DefaultMaxStepsPerWorkflow bounds the records retained per workflow.
	DefaultMaxStepsPerWorkflow = 10000
	// DefaultMaxWorkflows bounds the number of tracked workflows.
	DefaultMaxWorkflows = 1000
)

// workflow holds one workflow's records. Counters cover every record ever
// appended, so summaries stay exact after old records are dropped.
type workflow struct {
	seq       uint64
	started   bool
	startTime time.Time
	ended     bool
	endTime   time.Time

	steps         []StepMetrics
	count         int
	successful    int
	failed        int
	totalAttempts int
	totalDuration time.Duration
}

func (w *workflow) add(m StepMetrics, maxSteps int) {
	w.steps = append(w.steps, m)
	if maxSteps > 0 && len(w.steps) > maxSteps {
		drop := len(w.steps) - maxSteps
		w.steps = append(w.steps[:0:0], w.steps[drop:]...)
	}
	w.count++
	if m.Success {
		w.successful++
	} else {
		w.failed++
	}
	w.totalAttempts += m.Attempts
	w.totalDuration += m.Duration
}

// Collector stores step records keyed by workflow id.
type Collector struct {
	mu        sync.Mutex
	workflows map[string]*workflow
	seq       uint64

	clock        clock.Clock
	logger       *slog.Logger
	sinks        []Sink
	maxSteps     int
	maxWorkflows int
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock sets the time source for workflow start and end times.
func WithClock(c clock.Clock) Option {
	return func(col *Collector) {
		col.clock = clock.OrReal(c)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(col *Collector) {
		if logger != nil {
			col.logger = logger
		}
	}
}

// WithSinks adds sinks that receive every record and summary.
func WithSinks(sinks ...Sink) Option {
	return func(col *Collector) {
		for _, s := range sinks {
			if s != nil {
				col.sinks = append(col.sinks, s)
			}
		}
	}
}

// WithMaxStepsPerWorkflow caps retained records per workflow. Zero or less
// disables the cap.
func WithMaxStepsPerWorkflow(n int) Option {
	return func(col *Collector) {
		col.maxSteps = n
	}
}

// WithMaxWorkflows caps tracked workflows; the oldest is evicted first. Zero or
// less disables the cap.
func WithMaxWorkflows(n int) Option {
	return func(col *Collector) {
		col.maxWorkflows = n
	}
}

// NewCollector creates a Collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		workflows:    make(map[string]*workflow),
		clock:        clock.Real(),
		logger:       slog.Default(),
		maxSteps:     DefaultMaxStepsPerWorkflow,
		maxWorkflows: DefaultMaxWorkflows,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartWorkflow resets id to an empty record list and stamps its start time.
func (c *Collector) StartWorkflow(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.newWorkflowLocked(id)
	w.started = true
	w.startTime = c.clock.Now()
}

// Begin starts workflow id and returns a context that attributes steps to it.
func (c *Collector) Begin(ctx context.Context, id string) context.Context {
	c.StartWorkflow(id)
	return WithWorkflow(ctx, id)
}

// RecordStep appends m to its workflow, creating the workflow if unknown, and
// forwards it to the sinks. It never fails.
func (c *Collector) RecordStep(ctx context.Context, m StepMetrics) {
	c.mu.Lock()
	w, ok := c.workflows[m.WorkflowID]
	if !ok {
		w = c.newWorkflowLocked(m.WorkflowID)
	}
	w.add(m, c.maxSteps)
	sinks := c.sinks
	c.mu.Unlock()

	for _, s := range sinks {
		c.deliver("step", func() error { return s.RecordStep(ctx, m) })
	}
}

// Steps returns a copy of the retained records for id.
func (c *Collector) Steps(id string) []StepMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workflows[id]
	if !ok {
		return nil
	}
	out := make([]StepMetrics, len(w.steps))
	copy(out, w.steps)
	return out
}

// Summary computes the summary for id. TotalDuration is measured from the
// start time to the end time, or to now while the workflow is open, and is
// zero for a workflow that was never started.
func (c *Collector) Summary(id string) (Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workflows[id]
	if !ok {
		return Summary{WorkflowID: id}, false
	}
	return c.summaryLocked(id, w), true
}

// EndWorkflow stamps the end time of id, emits its summary to the sinks and
// the log, and returns it. The records are kept until Forget. An unknown id
// yields a zero summary and is neither tracked nor emitted.
func (c *Collector) EndWorkflow(ctx context.Context, id string) Summary {
	c.mu.Lock()
	w, ok := c.workflows[id]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("Ending unknown workflow", "workflow", id)
		return Summary{WorkflowID: id}
	}
	if w.started && !w.ended {
		w.ended = true
		w.endTime = c.clock.Now()
	}
	s := c.summaryLocked(id, w)
	sinks := c.sinks
	c.mu.Unlock()

	c.logger.Info("Workflow completed",
		"workflow", id,
		"steps", s.StepCount,
		"successful", s.Successful,
		"failed", s.Failed,
		"attempts", s.TotalAttempts,
		"duration", s.TotalDuration)

	for _, sink := range sinks {
		c.deliver("summary", func() error { return sink.RecordSummary(ctx, s) })
	}
	return s
}

// Forget drops all state for id.
func (c *Collector) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workflows, id)
}

// Workflows returns the tracked workflow ids, oldest first.
func (c *Collector) Workflows() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.workflows))
	for id := range c.workflows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return c.workflows[ids[i]].seq < c.workflows[ids[j]].seq
	})
	return ids
}

func (c *Collector) newWorkflowLocked(id string) *workflow {
	if _, exists := c.workflows[id]; !exists && c.maxWorkflows > 0 && len(c.workflows) >= c.maxWorkflows {
		c.evictOldestLocked()
	}
	c.seq++
	w := &workflow{seq: c.seq}
	c.workflows[id] = w
	return w
}

func (c *Collector) evictOldestLocked() {
	var (
		oldestID  string
		oldestSeq uint64
		found     bool
	)
	for id, w := range c.workflows {
		if !found || w.seq < oldestSeq {
			oldestID, oldestSeq, found = id, w.seq, true
		}
	}
	if found {
		delete(c.workflows, oldestID)
		c.logger.Debug("Evicted workflow metrics", "workflow", oldestID)
	}
}

func (c *Collector) summaryLocked(id string, w *workflow) Summary {
	s := Summary{
		WorkflowID:    id,
		StepCount:     w.count,
		Successful:    w.successful,
		Failed:        w.failed,
		TotalAttempts: w.totalAttempts,
	}
	if w.count > 0 {
		s.AvgStepDuration = w.totalDuration / time.Duration(w.count)
	}
	if w.started {
		s.StartTime = w.startTime
		end := c.clock.Now()
		if w.ended {
			end = w.endTime
			s.EndTime = w.endTime
		}
		s.TotalDuration = end.Sub(w.startTime)
	}
	return s
}

// deliver runs one sink call, logging errors and panics.
func (c *Collector) deliver(kind string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Metrics sink panicked", "kind", kind, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		c.logger.Warn("Metrics sink failed", "kind", kind, "error", err)
	}
}
