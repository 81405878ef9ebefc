// Package status tracks the connection state of realtime subscriptions
// and publishes status changes to registered observers.
package status

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Status is the externally visible connection state of a subscription.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// severity orders statuses from healthiest to worst. The aggregate status
// across topics is the worst per-topic status.
func (s Status) severity() int {
	switch s {
	case Connected:
		return 0
	case Connecting:
		return 1
	case Reconnecting:
		return 2
	case Disconnected:
		return 3
	default:
		return 4
	}
}

// Event is a connection lifecycle occurrence driving status transitions.
type Event int

const (
	// EventDialing marks the start of an initial connection attempt.
	EventDialing Event = iota
	// EventOpened marks a channel becoming live.
	EventOpened
	// EventDropped marks an established or in-progress connection failing.
	EventDropped
	// EventRetrying marks a fresh attempt after a terminal failure.
	EventRetrying
	// EventFailed marks an irrecoverable failure.
	EventFailed
	// EventReset returns a failed topic to its initial state, as when
	// the user acknowledges the failure before a manual reconnect.
	EventReset
	// EventShutdown marks an orderly teardown. Subscription owners
	// release topics with Forget instead, so that tearing one topic
	// down never degrades the aggregate for the rest; EventShutdown is
	// for embedders driving the machine directly at session end.
	EventShutdown
)

func (e Event) String() string {
	switch e {
	case EventDialing:
		return "dialing"
	case EventOpened:
		return "opened"
	case EventDropped:
		return "dropped"
	case EventRetrying:
		return "retrying"
	case EventFailed:
		return "failed"
	case EventReset:
		return "reset"
	case EventShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// next returns the status after applying ev to cur. Invalid combinations
// leave the status unchanged, so a connection can never jump straight
// from Disconnected to Connected and repeated drops collapse into one
// Reconnecting state.
func next(cur Status, ev Event) Status {
	switch ev {
	case EventDialing:
		if cur == Disconnected {
			return Connecting
		}
	case EventOpened:
		if cur == Connecting || cur == Reconnecting {
			return Connected
		}
	case EventDropped:
		if cur == Connected || cur == Connecting {
			return Reconnecting
		}
	case EventRetrying:
		if cur == Error {
			return Reconnecting
		}
	case EventFailed:
		return Error
	case EventReset:
		if cur == Error {
			return Disconnected
		}
	case EventShutdown:
		return Disconnected
	}
	return cur
}

// Machine tracks per-topic connection statuses and an aggregate status.
// Transition is the only mutator. Observers are notified once per
// aggregate change, in transition order.
type Machine struct {
	logger   *slog.Logger
	notifier *Notifier
	current  atomic.Int32

	mu     sync.Mutex
	topics map[string]Status
}

func NewMachine(logger *slog.Logger) *Machine {
	return &Machine{
		logger:   logger,
		notifier: NewNotifier(),
		topics:   make(map[string]Status),
	}
}

// Status returns the aggregate status across all tracked topics.
func (m *Machine) Status() Status {
	return Status(m.current.Load())
}

// TopicStatus returns the status of one topic. Untracked topics report
// Disconnected.
func (m *Machine) TopicStatus(topic string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topics[topic]
}

// AddObserver registers fn for aggregate status changes. The returned
// function removes the observer.
func (m *Machine) AddObserver(fn Observer) func() {
	return m.notifier.Add(fn)
}

// Transition applies ev to topic. Invalid events are ignored, and a
// transition that leaves the aggregate unchanged emits no notification.
func (m *Machine) Transition(topic string, ev Event) {
	m.mu.Lock()
	cur := m.topics[topic]
	nxt := next(cur, ev)
	if nxt == cur {
		m.mu.Unlock()
		return
	}
	m.topics[topic] = nxt
	changed := m.republishLocked()
	m.mu.Unlock()

	m.logger.Debug("status transition",
		slog.String("topic", topic),
		slog.String("event", ev.String()),
		slog.String("from", cur.String()),
		slog.String("to", nxt.String()))
	if changed {
		m.notifier.dispatch()
	}
}

// Forget stops tracking topic, recomputing the aggregate. Used when a
// subscription is released.
func (m *Machine) Forget(topic string) {
	m.mu.Lock()
	if _, ok := m.topics[topic]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.topics, topic)
	changed := m.republishLocked()
	m.mu.Unlock()

	if changed {
		m.notifier.dispatch()
	}
}

// republishLocked recomputes the aggregate and, when it changed, stores
// it and enqueues a notification. Enqueueing under m.mu keeps the
// notification order identical to the transition order.
func (m *Machine) republishLocked() bool {
	agg := Disconnected
	first := true
	for _, s := range m.topics {
		if first || s.severity() > agg.severity() {
			agg = s
			first = false
		}
	}
	if agg == Status(m.current.Load()) {
		return false
	}
	m.current.Store(int32(agg))
	m.notifier.enqueue(agg)
	return true
}
