package taskgraph

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/stepflow/clock"
)

const (
	defaultMaxRetries    = 3
	defaultRetryDelay    = time.Second
	defaultRetryHopDelay = 100 * time.Millisecond
)

// Manager owns a set of tasks forming a DAG through declared dependencies.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string // creation order

	listeners    []listenerEntry
	nextListener ListenerID

	// Retry hops are voided by bumping the generation for the task.
	retryGen map[string]int
	timers   map[string]clock.Timer

	clock             clock.Clock
	logger            *slog.Logger
	autoRetry         bool
	retryDelay        time.Duration
	retryHopDelay     time.Duration
	defaultMaxRetries int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source used for timestamps and retry timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clock.OrReal(c)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithAutoRetry controls whether FailTask schedules a retry while the task
// still has retry budget. Enabled by default.
func WithAutoRetry(enabled bool) Option {
	return func(m *Manager) {
		m.autoRetry = enabled
	}
}

// WithRetryDelay sets the delay before a retried task moves to Retrying.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.retryDelay = d
	}
}

// WithRetryHopDelay sets the delay between Retrying and Pending.
func WithRetryHopDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.retryHopDelay = d
	}
}

// WithDefaultMaxRetries sets MaxRetries for tasks created without an override.
func WithDefaultMaxRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.defaultMaxRetries = n
		}
	}
}

// NewManager creates an empty task graph.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		tasks:             make(map[string]*Task),
		retryGen:          make(map[string]int),
		timers:            make(map[string]clock.Timer),
		clock:             clock.Real(),
		logger:            slog.Default(),
		autoRetry:         true,
		retryDelay:        defaultRetryDelay,
		retryHopDelay:     defaultRetryHopDelay,
		defaultMaxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateTask registers a new Pending task.
//
// The task is added to the Dependents of every dependency that already exists,
// and picks up as its own Dependents any existing task that already named it,
// so Dependencies and Dependents stay mutual inverses regardless of creation order.
func (m *Manager) CreateTask(id, title string, opts CreateOptions) (*Task, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidTask)
	}

	m.mu.Lock()
	if _, exists := m.tasks[id]; exists {
		m.mu.Unlock()
		return nil, &DuplicateTaskError{ID: id}
	}

	maxRetries := m.defaultMaxRetries
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: max retries must be >= 0", ErrInvalidTask)
		}
		maxRetries = *opts.MaxRetries
	}

	deps := uniqueSorted(opts.Dependencies)
	if path := m.findCycleLocked(id, deps); path != nil {
		m.mu.Unlock()
		return nil, &CycleError{Path: path}
	}

	now := m.clock.Now()
	t := &Task{
		ID:           id,
		Title:        title,
		Description:  opts.Description,
		Status:       StatusPending,
		Priority:     opts.Priority,
		CreatedAt:    now,
		UpdatedAt:    now,
		MaxRetries:   maxRetries,
		Dependencies: deps,
		Metadata:     copyMetadata(opts.Metadata),
	}

	for _, depID := range deps {
		if dep, ok := m.tasks[depID]; ok {
			dep.Dependents = insertSorted(dep.Dependents, id)
		}
	}
	for _, otherID := range m.order {
		if containsSorted(m.tasks[otherID].Dependencies, id) {
			t.Dependents = insertSorted(t.Dependents, otherID)
		}
	}

	m.tasks[id] = t
	m.order = append(m.order, id)

	snapshot := t.Clone()
	events := []Event{newEvent(t, "", now)}
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.notify(listeners, events)
	return snapshot, nil
}

// findCycleLocked walks the dependency edges reachable from deps and returns a
// cycle path if one leads back to id. Forward references to tasks that do not
// exist yet are followed once those tasks are created.
func (m *Manager) findCycleLocked(id string, deps []string) []string {
	parent := make(map[string]string, len(deps))
	stack := make([]string, 0, len(deps))
	for _, d := range deps {
		if d == id {
			return []string{id, id}
		}
		parent[d] = id
		stack = append(stack, d)
	}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		t, ok := m.tasks[cur]
		if !ok {
			continue
		}
		for _, next := range t.Dependencies {
			if next == id {
				var chain []string
				for n := cur; n != id; n = parent[n] {
					chain = append(chain, n)
				}
				path := []string{id}
				for i := len(chain) - 1; i >= 0; i-- {
					path = append(path, chain[i])
				}
				return append(path, id)
			}
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			stack = append(stack, next)
		}
	}
	return nil
}

// UpdateTask applies p to the task. When the status changes, the transition
// handler runs (cascading failures to dependents) before listeners are notified.
func (m *Manager) UpdateTask(id string, p Patch) (*Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, notFound(id)
	}

	events, err := m.applyLocked(t, p)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	snapshot := t.Clone()
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.notify(listeners, events)
	return snapshot, nil
}

func (m *Manager) applyLocked(t *Task, p Patch) ([]Event, error) {
	prev := t.Status
	if p.Status != nil && *p.Status != prev {
		if !p.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTask, *p.Status)
		}
		if !isAllowedTransition(prev, *p.Status) {
			return nil, &InvalidTransitionError{ID: t.ID, From: prev, To: *p.Status}
		}
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must be >= 0", ErrInvalidTask)
	}

	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.ErrorMessage != nil {
		t.ErrorMessage = *p.ErrorMessage
	}
	if p.MaxRetries != nil {
		t.MaxRetries = *p.MaxRetries
	}
	if len(p.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			t.Metadata[k] = v
		}
	}
	if p.Status != nil {
		t.Status = *p.Status
	}

	now := m.clock.Now()
	t.UpdatedAt = now
	stampTimes(t, now)

	var events []Event
	if t.Status != prev {
		events = m.onStatusChangeLocked(t, prev, now)
	}
	return append(events, newEvent(t, prev, now)), nil
}

// stampTimes sets StartedAt and CompletedAt once; they are never overwritten.
func stampTimes(t *Task, now time.Time) {
	if t.Status == StatusInProgress && t.StartedAt == nil {
		at := now
		t.StartedAt = &at
	}
	if t.Status.IsTerminal() && t.CompletedAt == nil {
		at := now
		t.CompletedAt = &at
	}
}

// StartTask moves the task to InProgress.
func (m *Manager) StartTask(id string) (*Task, error) {
	s := StatusInProgress
	return m.UpdateTask(id, Patch{Status: &s})
}

// CompleteTask moves the task to Completed, optionally replacing its description.
func (m *Manager) CompleteTask(id, description string) (*Task, error) {
	s := StatusCompleted
	p := Patch{Status: &s}
	if description != "" {
		p.Description = &description
	}
	return m.UpdateTask(id, p)
}

// CancelTask moves the task to Cancelled.
func (m *Manager) CancelTask(id string) (*Task, error) {
	s := StatusCancelled
	return m.UpdateTask(id, Patch{Status: &s})
}

// FailTask records a failure. With auto-retry enabled and retry budget left
// the task is scheduled for retry instead of entering Error; otherwise it
// becomes Error and the failure cascades to its Pending dependents.
func (m *Manager) FailTask(id, message string) (*Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, notFound(id)
	}

	var (
		events []Event
		err    error
	)
	if m.autoRetry && t.RetryCount < t.MaxRetries {
		events, err = m.retryLocked(t, message)
	} else {
		s := StatusError
		events, err = m.applyLocked(t, Patch{Status: &s, ErrorMessage: &message})
	}
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	snapshot := t.Clone()
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.notify(listeners, events)
	return snapshot, nil
}

// GetTask returns a copy of the task.
func (m *Manager) GetTask(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// GetAllTasks returns copies of all tasks in creation order.
func (m *Manager) GetAllTasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id].Clone())
	}
	return out
}

// CanStartTask reports whether the task is Pending and every dependency is
// Completed. A dependency that does not exist is never Completed.
func (m *Manager) CanStartTask(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false
	}
	return m.canStartLocked(t)
}

func (m *Manager) canStartLocked(t *Task) bool {
	if t.Status != StatusPending {
		return false
	}
	for _, depID := range t.Dependencies {
		dep, ok := m.tasks[depID]
		if !ok || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// GetRunnableTasks returns every task that CanStartTask would accept, highest
// priority first and then in creation order.
func (m *Manager) GetRunnableTasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runnable []*Task
	for _, id := range m.order {
		t := m.tasks[id]
		if m.canStartLocked(t) {
			runnable = append(runnable, t.Clone())
		}
	}
	sort.SliceStable(runnable, func(i, j int) bool {
		return runnable[i].Priority > runnable[j].Priority
	})
	return runnable
}

// GetStats counts tasks per status.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{Total: len(m.tasks)}
	for _, t := range m.tasks {
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusInProgress:
			stats.InProgress++
		case StatusCompleted:
			stats.Completed++
		case StatusError:
			stats.Error++
		case StatusCancelled:
			stats.Cancelled++
		case StatusRetrying:
			stats.Retrying++
		}
	}
	return stats
}

// TopologicalOrder returns task ids with dependencies first. Ties are broken
// by creation order. Dependencies on tasks that do not exist are ignored.
func (m *Manager) TopologicalOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	inDegree := make(map[string]int, len(m.tasks))
	for _, id := range m.order {
		for _, depID := range m.tasks[id].Dependencies {
			if _, ok := m.tasks[depID]; ok {
				inDegree[id]++
			}
		}
	}

	var queue []string
	for _, id := range m.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(m.tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, depID := range m.tasks[id].Dependents {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}
	return order
}

// Clear drops all tasks, listeners, and pending retry timers.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Generations stay monotonic so a hop already waiting on the lock cannot
	// match a task recreated under the same id.
	for id := range m.retryGen {
		m.cancelRetryLocked(id)
	}
	m.tasks = make(map[string]*Task)
	m.order = nil
	m.listeners = nil
}
