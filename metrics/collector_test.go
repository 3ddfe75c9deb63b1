package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/stepflow/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func step(workflow, name string, d time.Duration, ok bool) StepMetrics {
	m := StepMetrics{
		WorkflowID: workflow,
		Name:       name,
		Duration:   d,
		Attempts:   1,
		Success:    ok,
		StartTime:  epoch,
		EndTime:    epoch.Add(d),
	}
	if !ok {
		m.Error = "failed"
	}
	return m
}

type memorySink struct {
	mu        sync.Mutex
	steps     []StepMetrics
	summaries []Summary
	err       error
}

func (s *memorySink) RecordStep(_ context.Context, m StepMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, m)
	return s.err
}

func (s *memorySink) RecordSummary(_ context.Context, sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, sum)
	return s.err
}

type panicSink struct{}

func (panicSink) RecordStep(context.Context, StepMetrics) error { panic("broken sink") }
func (panicSink) RecordSummary(context.Context, Summary) error  { panic("broken sink") }

func TestSummary_Arithmetic(t *testing.T) {
	fc := clock.NewFake(epoch)
	c := NewCollector(WithClock(fc))
	ctx := context.Background()

	c.StartWorkflow("wf")
	c.RecordStep(ctx, step("wf", "a", 50*time.Millisecond, true))
	c.RecordStep(ctx, step("wf", "b", 75*time.Millisecond, true))
	c.RecordStep(ctx, step("wf", "c", 100*time.Millisecond, false))
	fc.Advance(time.Second)

	sum, ok := c.Summary("wf")
	require.True(t, ok)
	assert.Equal(t, 3, sum.StepCount)
	assert.Equal(t, 75*time.Millisecond, sum.AvgStepDuration)
	assert.Equal(t, 2, sum.Successful)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 3, sum.TotalAttempts)
	assert.Equal(t, time.Second, sum.TotalDuration)
}

func TestRecordStep_UnknownWorkflowCreatedLazily(t *testing.T) {
	c := NewCollector(WithClock(clock.NewFake(epoch)))
	c.RecordStep(context.Background(), step("adhoc", "a", time.Millisecond, true))

	assert.Len(t, c.Steps("adhoc"), 1)
	sum, ok := c.Summary("adhoc")
	require.True(t, ok)
	assert.Equal(t, 1, sum.StepCount)
	assert.Zero(t, sum.TotalDuration, "never started")
}

func TestSummary_Unknown(t *testing.T) {
	c := NewCollector()
	sum, ok := c.Summary("nope")
	assert.False(t, ok)
	assert.Equal(t, Summary{WorkflowID: "nope"}, sum)
	assert.Nil(t, c.Steps("nope"))
}

func TestStartWorkflow_Resets(t *testing.T) {
	fc := clock.NewFake(epoch)
	c := NewCollector(WithClock(fc))
	ctx := context.Background()

	c.StartWorkflow("wf")
	c.RecordStep(ctx, step("wf", "a", time.Millisecond, true))
	fc.Advance(time.Minute)
	c.StartWorkflow("wf")

	sum, _ := c.Summary("wf")
	assert.Zero(t, sum.StepCount)
	assert.Equal(t, epoch.Add(time.Minute), sum.StartTime)
}

func TestEndWorkflow_FreezesDurationAndEmits(t *testing.T) {
	fc := clock.NewFake(epoch)
	sink := &memorySink{}
	c := NewCollector(WithClock(fc), WithSinks(sink))
	ctx := context.Background()

	c.StartWorkflow("wf")
	c.RecordStep(ctx, step("wf", "a", 10*time.Millisecond, true))
	fc.Advance(2 * time.Second)

	sum := c.EndWorkflow(ctx, "wf")
	assert.Equal(t, 2*time.Second, sum.TotalDuration)
	assert.Equal(t, epoch.Add(2*time.Second), sum.EndTime)

	fc.Advance(time.Hour)
	later, _ := c.Summary("wf")
	assert.Equal(t, 2*time.Second, later.TotalDuration)

	require.Len(t, sink.steps, 1)
	require.Len(t, sink.summaries, 1)
	assert.Equal(t, sum, sink.summaries[0])
}

func TestSinkFailuresAreIsolated(t *testing.T) {
	good := &memorySink{}
	failing := &memorySink{err: errors.New("disk full")}
	c := NewCollector(WithSinks(panicSink{}, failing, good))
	ctx := context.Background()

	assert.NotPanics(t, func() {
		c.RecordStep(ctx, step("wf", "a", time.Millisecond, true))
		c.EndWorkflow(ctx, "wf")
	})
	assert.Len(t, good.steps, 1)
	assert.Len(t, good.summaries, 1)
	assert.Len(t, c.Steps("wf"), 1)
}

func TestMaxStepsPerWorkflow_KeepsAggregatesExact(t *testing.T) {
	c := NewCollector(WithClock(clock.NewFake(epoch)), WithMaxStepsPerWorkflow(2))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		c.RecordStep(ctx, step("wf", fmt.Sprintf("s%d", i), time.Duration(i)*time.Millisecond, true))
	}

	steps := c.Steps("wf")
	require.Len(t, steps, 2)
	assert.Equal(t, "s4", steps[0].Name)
	assert.Equal(t, "s5", steps[1].Name)

	sum, _ := c.Summary("wf")
	assert.Equal(t, 5, sum.StepCount)
	assert.Equal(t, 3*time.Millisecond, sum.AvgStepDuration)
}

func TestMaxWorkflows_EvictsOldest(t *testing.T) {
	c := NewCollector(WithMaxWorkflows(2))
	c.StartWorkflow("one")
	c.StartWorkflow("two")
	c.StartWorkflow("two")
	assert.Equal(t, []string{"one", "two"}, c.Workflows())

	c.StartWorkflow("three")
	assert.Equal(t, []string{"two", "three"}, c.Workflows())

	c.Forget("two")
	assert.Equal(t, []string{"three"}, c.Workflows())
}

func TestBegin_AttachesWorkflowToContext(t *testing.T) {
	c := NewCollector()
	ctx := c.Begin(context.Background(), "wf")
	assert.Equal(t, "wf", WorkflowFromContext(ctx))
	assert.Equal(t, "", WorkflowFromContext(context.Background()))
	assert.Equal(t, []string{"wf"}, c.Workflows())
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := NewCollector()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		id := fmt.Sprintf("wf-%d", w)
		c.StartWorkflow(id)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.RecordStep(ctx, step(id, "s", time.Millisecond, true))
			}()
		}
	}
	wg.Wait()

	for w := 0; w < 4; w++ {
		sum, _ := c.Summary(fmt.Sprintf("wf-%d", w))
		assert.Equal(t, 50, sum.StepCount)
	}
}

func TestEndWorkflow_UnknownIDLeavesTrackedWorkflows(t *testing.T) {
	sink := &memorySink{}
	c := NewCollector(WithMaxWorkflows(1), WithSinks(sink))
	ctx := context.Background()

	c.StartWorkflow("real")
	c.RecordStep(ctx, step("real", "a", time.Millisecond, true))

	sum := c.EndWorkflow(ctx, "typo")
	assert.Equal(t, Summary{WorkflowID: "typo"}, sum)
	assert.Equal(t, []string{"real"}, c.Workflows())
	assert.Len(t, c.Steps("real"), 1)
	assert.Empty(t, sink.summaries)
}
