package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/stepflow/metrics"
	"github.com/c360studio/stepflow/taskgraph"
)

func startServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv, err := StartEmbedded(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

type capture struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (c *capture) handle(msg *nats.Msg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *capture) all() []*nats.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*nats.Msg(nil), c.msgs...)
}

func TestSubjects(t *testing.T) {
	s := NewSubjects("")
	assert.Equal(t, "stepflow.task.completed", s.Task(taskgraph.StatusCompleted))
	assert.Equal(t, "stepflow.step.recorded", s.Step())
	assert.Equal(t, "stepflow.workflow.summary", s.Workflow())
	assert.Equal(t, "stepflow.>", s.All())

	s = NewSubjects(".acme.flows.")
	assert.Equal(t, "acme.flows.task.*", s.AllTasks())
	assert.Equal(t, "ACME_FLOWS_EVENTS", streamName(s.Prefix))
}

func TestPublisher_RoundTrip(t *testing.T) {
	srv := startServer(t)

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	var got capture
	_, err = sub.Subscribe("test.>", got.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := Connect(srv.ClientURL(), WithPrefix("test"))
	require.NoError(t, err)
	defer pub.Close()

	mgr := taskgraph.NewManager()
	mgr.AddListener(pub.Listener())
	_, err = mgr.CreateTask("a", "Load", taskgraph.CreateOptions{})
	require.NoError(t, err)
	_, err = mgr.CompleteTask("a", "done")
	require.NoError(t, err)

	collector := metrics.NewCollector(metrics.WithSinks(pub))
	ctx := collector.Begin(context.Background(), "wf")
	collector.RecordStep(ctx, metrics.StepMetrics{WorkflowID: "wf", Name: "load", Attempts: 2, Success: true})
	collector.EndWorkflow(ctx, "wf")

	require.Eventually(t, func() bool { return got.count() == 4 }, 5*time.Second, 10*time.Millisecond)

	subjects := map[string]Envelope{}
	for _, msg := range got.all() {
		var env Envelope
		require.NoError(t, json.Unmarshal(msg.Data, &env))
		assert.NotEmpty(t, env.ID)
		subjects[msg.Subject] = env
	}
	require.Contains(t, subjects, "test.task.pending")
	require.Contains(t, subjects, "test.task.completed")
	require.Contains(t, subjects, "test.step.recorded")
	require.Contains(t, subjects, "test.workflow.summary")

	var ev taskgraph.Event
	require.NoError(t, json.Unmarshal(subjects["test.task.completed"].Payload, &ev))
	assert.Equal(t, "a", ev.TaskID)
	assert.Equal(t, taskgraph.StatusPending, ev.PreviousStatus)
	assert.Equal(t, TypeTask, subjects["test.task.completed"].Type)

	var step metrics.StepMetrics
	require.NoError(t, json.Unmarshal(subjects["test.step.recorded"].Payload, &step))
	assert.Equal(t, 2, step.Attempts)

	var sum metrics.Summary
	require.NoError(t, json.Unmarshal(subjects["test.workflow.summary"].Payload, &sum))
	assert.Equal(t, 1, sum.Successful)
}

type failingConn struct{}

func (failingConn) Publish(string, []byte) error { return errors.New("connection closed") }

func TestPublisher_Errors(t *testing.T) {
	pub := NewPublisher(failingConn{})
	err := pub.PublishTask(context.Background(), taskgraph.Event{TaskID: "a", Status: taskgraph.StatusPending})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stepflow.task.pending")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pub.RecordStep(ctx, metrics.StepMetrics{})
	assert.ErrorIs(t, err, context.Canceled)

	assert.NotPanics(t, func() {
		pub.Listener()(taskgraph.Event{TaskID: "a", Status: taskgraph.StatusError})
	})
	assert.NoError(t, pub.Close(), "borrowed connections are not closed")
}

func TestEnsureStream(t *testing.T) {
	srv := startServer(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subjects := NewSubjects("audit")
	stream, err := EnsureStream(ctx, nc, subjects, time.Hour)
	require.NoError(t, err)

	pub := NewPublisher(nc, WithPrefix("audit"))
	require.NoError(t, pub.RecordSummary(ctx, metrics.Summary{WorkflowID: "wf"}))
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		info, err := stream.Info(ctx)
		return err == nil && info.State.Msgs == 1
	}, 5*time.Second, 20*time.Millisecond)

	_, err = EnsureStream(ctx, nc, subjects, 2*time.Hour)
	assert.NoError(t, err, "update is idempotent")
}
