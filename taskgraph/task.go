// Package taskgraph tracks named tasks that form a dependency DAG.
//
// The Manager owns every Task it creates. It enforces the status state machine,
// keeps dependency back-edges symmetric, cascades failures to downstream tasks,
// and schedules task-level retries. Callers poll GetRunnableTasks (or listen for
// events) to decide what to execute next; the graph itself never runs anything.
//
// All methods are safe for concurrent use. Listeners are invoked outside the
// internal lock, so they may call back into the Manager.
package taskgraph

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
	StatusRetrying   Status = "retrying"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusError, StatusCancelled, StatusRetrying:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s ends an attempt. CompletedAt is stamped the first
// time a task enters one of these states.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Priority is advisory; it orders GetRunnableTasks output but never blocks a task.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a case-insensitive priority name. The empty string is medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "medium", "normal":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Task is a unit of work tracked through the status lifecycle.
type Task struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Status       Status         `json:"status"`
	Priority     Priority       `json:"priority"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Dependents   []string       `json:"dependents,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the task. Metadata values are copied shallowly.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Dependents = append([]string(nil), t.Dependents...)
	c.Metadata = copyMetadata(t.Metadata)
	return &c
}

// CreateOptions carries the optional fields of CreateTask.
type CreateOptions struct {
	Description string
	Priority    Priority
	// MaxRetries overrides the manager default when non-nil.
	MaxRetries   *int
	Dependencies []string
	Metadata     map[string]any
}

// Patch is a partial update applied by UpdateTask. Nil fields are left unchanged;
// Metadata keys are merged into the existing map.
type Patch struct {
	Title        *string
	Description  *string
	Status       *Status
	Priority     *Priority
	ErrorMessage *string
	MaxRetries   *int
	Metadata     map[string]any
}

// Event is delivered to listeners whenever a task is created or changed.
type Event struct {
	TaskID         string         `json:"task_id"`
	Title          string         `json:"title"`
	Status         Status         `json:"status"`
	PreviousStatus Status         `json:"previous_status,omitempty"`
	Description    string         `json:"description,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	RetryCount     int            `json:"retry_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// StatusChanged reports whether the event carries a status transition.
func (e Event) StatusChanged() bool {
	return e.PreviousStatus != "" && e.PreviousStatus != e.Status
}

// Stats counts tasks per status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Error      int `json:"error"`
	Cancelled  int `json:"cancelled"`
	Retrying   int `json:"retrying"`
}

func newEvent(t *Task, prev Status, at time.Time) Event {
	return Event{
		TaskID:         t.ID,
		Title:          t.Title,
		Status:         t.Status,
		PreviousStatus: prev,
		Description:    t.Description,
		ErrorMessage:   t.ErrorMessage,
		RetryCount:     t.RetryCount,
		Metadata:       copyMetadata(t.Metadata),
		Timestamp:      at,
	}
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// uniqueSorted returns the distinct non-empty ids in ascending order.
func uniqueSorted(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func containsSorted(ids []string, id string) bool {
	i := sort.SearchStrings(ids, id)
	return i < len(ids) && ids[i] == id
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
