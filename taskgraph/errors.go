package taskgraph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTask     = errors.New("duplicate task")
	ErrCycle             = errors.New("dependency cycle")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidTask       = errors.New("invalid task")
)

// DuplicateTaskError is returned by CreateTask when the id is already taken.
type DuplicateTaskError struct {
	ID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task: %q already exists", e.ID)
}

func (e *DuplicateTaskError) Unwrap() error { return ErrDuplicateTask }

// CycleError is returned by CreateTask when the declared dependencies would
// close a cycle. Path lists task ids where each entry depends on the next.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycle.Error()
	}
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// InvalidTransitionError is returned when a status change is not allowed by
// the task state machine.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for %q: %s -> %s", e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

func notFound(id string) error {
	return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
}
