// Package events publishes task, step, and workflow telemetry to NATS.
//
// Every message is a JSON Envelope. Subjects share a configurable prefix:
//
//	<prefix>.task.<status>       task status updates
//	<prefix>.step.recorded       step metrics
//	<prefix>.workflow.summary    workflow summaries
package events

import (
	"strings"

	"github.com/c360studio/stepflow/taskgraph"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "stepflow"

// Envelope types.
const (
	TypeTask     = "task.update"
	TypeStep     = "step.recorded"
	TypeWorkflow = "workflow.summary"
)

// Subjects builds subject names under a prefix.
type Subjects struct {
	Prefix string
}

// NewSubjects returns Subjects for prefix, trimming dots. An empty prefix uses
// DefaultPrefix.
func NewSubjects(prefix string) Subjects {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Subjects{Prefix: prefix}
}

// Task returns the subject for a task update with the given status.
func (s Subjects) Task(status taskgraph.Status) string {
	return s.Prefix + ".task." + string(status)
}

// AllTasks matches every task update.
func (s Subjects) AllTasks() string {
	return s.Prefix + ".task.*"
}

// Step returns the subject for step metrics.
func (s Subjects) Step() string {
	return s.Prefix + ".step.recorded"
}

// Workflow returns the subject for workflow summaries.
func (s Subjects) Workflow() string {
	return s.Prefix + ".workflow.summary"
}

// All matches every subject under the prefix.
func (s Subjects) All() string {
	return s.Prefix + ".>"
}
