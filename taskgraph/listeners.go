package taskgraph

import "fmt"

// Listener receives task events synchronously, in the order they occurred.
type Listener func(Event)

// ListenerID identifies a registered listener for RemoveListener.
type ListenerID int

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// AddListener registers fn and returns its id.
func (m *Manager) AddListener(fn Listener) ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextListener++
	m.listeners = append(m.listeners, listenerEntry{id: m.nextListener, fn: fn})
	return m.nextListener
}

// RemoveListener unregisters a listener. Unknown ids are ignored.
func (m *Manager) RemoveListener(id ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filtered := m.listeners[:0]
	for _, l := range m.listeners {
		if l.id != id {
			filtered = append(filtered, l)
		}
	}
	m.listeners = filtered
}

func (m *Manager) listenersLocked() []listenerEntry {
	if len(m.listeners) == 0 {
		return nil
	}
	out := make([]listenerEntry, len(m.listeners))
	copy(out, m.listeners)
	return out
}

// notify delivers each event to every listener. A panicking listener is logged
// and skipped; it never stops delivery to the others.
func (m *Manager) notify(listeners []listenerEntry, events []Event) {
	for _, ev := range events {
		for _, l := range listeners {
			m.deliver(l, ev)
		}
	}
}

func (m *Manager) deliver(l listenerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Task listener failed",
				"listener", l.id,
				"task", ev.TaskID,
				"status", ev.Status,
				"error", fmt.Sprint(r))
		}
	}()
	l.fn(ev)
}
