package taskgraph

// RetryTask schedules another attempt of the task.
//
// RetryCount is incremented, StartedAt and CompletedAt are cleared, and message
// is kept as ErrorMessage. After the retry delay the task moves to Retrying and,
// after the hop delay, to Pending with ErrorMessage cleared. The two hops let
// observers tell "about to retry" from "ready to retry".
func (m *Manager) RetryTask(id, message string) (*Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, notFound(id)
	}

	events, err := m.retryLocked(t, message)
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

func (m *Manager) retryLocked(t *Task, message string) ([]Event, error) {
	if t.Status == StatusCompleted || t.Status == StatusCancelled {
		return nil, &InvalidTransitionError{ID: t.ID, From: t.Status, To: StatusRetrying}
	}

	now := m.clock.Now()
	t.RetryCount++
	t.StartedAt = nil
	t.CompletedAt = nil
	t.ErrorMessage = message
	t.UpdatedAt = now

	m.scheduleRetryLocked(t.ID)

	m.logger.Debug("Task retry scheduled",
		"task", t.ID,
		"retry_count", t.RetryCount,
		"max_retries", t.MaxRetries,
		"delay", m.retryDelay)

	return []Event{newEvent(t, t.Status, now)}, nil
}

func (m *Manager) scheduleRetryLocked(id string) {
	m.cancelRetryLocked(id)
	gen := m.retryGen[id]
	m.timers[id] = m.clock.AfterFunc(m.retryDelay, func() {
		m.retryHop(id, gen, StatusRetrying)
	})
}

// cancelRetryLocked voids any pending hop for id.
func (m *Manager) cancelRetryLocked(id string) {
	m.retryGen[id]++
	if timer, ok := m.timers[id]; ok {
		timer.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) retryHop(id string, gen int, to Status) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok || m.retryGen[id] != gen {
		m.mu.Unlock()
		return
	}
	if t.Status == StatusCompleted || t.Status == StatusCancelled {
		m.mu.Unlock()
		return
	}

	prev := t.Status
	now := m.clock.Now()
	t.Status = to
	t.UpdatedAt = now

	if to == StatusPending {
		t.ErrorMessage = ""
		delete(m.timers, id)
	} else {
		m.timers[id] = m.clock.AfterFunc(m.retryHopDelay, func() {
			m.retryHop(id, gen, StatusPending)
		})
	}

	events := []Event{newEvent(t, prev, now)}
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.notify(listeners, events)
}

// PendingRetries returns the number of tasks with a scheduled retry hop.
func (m *Manager) PendingRetries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
