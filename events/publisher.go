package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/stepflow/metrics"
	"github.com/c360studio/stepflow/taskgraph"
)

// Envelope wraps every published payload.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends telemetry to NATS. It implements metrics.Sink and can be
// attached to a task manager through Listener.
type Publisher struct {
	conn     Conn
	owned    *nats.Conn
	subjects Subjects
	logger   *slog.Logger
	now      func() time.Time
}

var _ metrics.Sink = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.subjects = NewSubjects(prefix)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a Publisher on an existing connection. The caller
// keeps ownership of conn.
func NewPublisher(conn Conn, opts ...Option) *Publisher {
	p := &Publisher{
		conn:     conn,
		subjects: NewSubjects(""),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials url and returns a Publisher that owns the connection.
func Connect(url string, opts ...Option) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("stepflow-events"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	p := NewPublisher(nc, opts...)
	p.owned = nc
	return p, nil
}

// Subjects returns the subjects the publisher uses.
func (p *Publisher) Subjects() Subjects {
	return p.subjects
}

// Close flushes and closes the connection if the publisher opened it.
func (p *Publisher) Close() error {
	if p.owned == nil {
		return nil
	}
	if err := p.owned.Drain(); err != nil {
		p.owned.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

// PublishTask sends a task update on the subject for its status.
func (p *Publisher) PublishTask(ctx context.Context, ev taskgraph.Event) error {
	return p.publish(ctx, p.subjects.Task(ev.Status), TypeTask, ev)
}

// Listener returns a task listener that publishes every event. Failures are
// logged.
func (p *Publisher) Listener() taskgraph.Listener {
	return func(ev taskgraph.Event) {
		if err := p.PublishTask(context.Background(), ev); err != nil {
			p.logger.Warn("Failed to publish task event", "task_id", ev.TaskID, "status", ev.Status, "error", err)
		}
	}
}

func (p *Publisher) RecordStep(ctx context.Context, m metrics.StepMetrics) error {
	return p.publish(ctx, p.subjects.Step(), TypeStep, m)
}

func (p *Publisher) RecordSummary(ctx context.Context, s metrics.Summary) error {
	return p.publish(ctx, p.subjects.Workflow(), TypeWorkflow, s)
}

func (p *Publisher) publish(ctx context.Context, subject, typ string, payload any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	data, err := json.Marshal(Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: p.now().UTC(),
		Payload:   body,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
