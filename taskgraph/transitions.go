package taskgraph

import "time"

// BlockedPrefix starts the ErrorMessage of every task failed by cascade.
const BlockedPrefix = "Blocked by failed dependency: "

func isAllowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusCompleted || to == StatusError ||
			to == StatusCancelled || to == StatusRetrying
	case StatusInProgress:
		return to == StatusCompleted || to == StatusError || to == StatusCancelled ||
			to == StatusRetrying || to == StatusPending
	case StatusRetrying:
		return to == StatusPending || to == StatusCancelled
	case StatusError:
		return to == StatusRetrying || to == StatusPending || to == StatusCancelled
	default:
		// Completed and Cancelled are terminal.
		return false
	}
}

// onStatusChangeLocked is the transition handler. It returns the events of
// every task it changed, in the order they changed.
func (m *Manager) onStatusChangeLocked(t *Task, prev Status, now time.Time) []Event {
	if t.Status.IsTerminal() {
		m.cancelRetryLocked(t.ID)
	}

	switch t.Status {
	case StatusCompleted:
		// Dependents are not started here; callers poll GetRunnableTasks.
		if len(t.Dependents) > 0 {
			m.logger.Debug("Task completed, dependents may be runnable",
				"task", t.ID, "dependents", t.Dependents)
		}
		return nil
	case StatusError:
		return m.cascadeFailureLocked(t, now)
	default:
		return nil
	}
}

// cascadeFailureLocked marks every Pending task downstream of failed as Error.
//
// Traversal is an explicit breadth-first worklist over Dependents (sorted), so
// stack depth stays constant on deep graphs. Each affected task records the
// title of the predecessor that blocked it.
func (m *Manager) cascadeFailureLocked(failed *Task, now time.Time) []Event {
	var events []Event
	queue := []*Task{failed}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, depID := range cur.Dependents {
			dep, ok := m.tasks[depID]
			if !ok || dep.Status != StatusPending {
				continue
			}
			prev := dep.Status
			dep.Status = StatusError
			dep.ErrorMessage = BlockedPrefix + cur.Title
			dep.UpdatedAt = now
			stampTimes(dep, now)
			m.cancelRetryLocked(dep.ID)

			events = append(events, newEvent(dep, prev, now))
			queue = append(queue, dep)
		}
	}

	if len(events) > 0 {
		m.logger.Debug("Cascaded task failure", "task", failed.ID, "affected", len(events))
	}
	return events
}
