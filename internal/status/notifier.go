package status

import "sync"

// Observer receives aggregate status updates.
type Observer func(Status)

// Notifier delivers statuses to observers in publish order. Publishing
// from inside an observer callback is safe: the nested status is queued
// and delivered after the current one, never reentrantly.
type Notifier struct {
	mu          sync.Mutex
	nextID      int
	observers   []observerEntry
	queue       []Status
	dispatching bool
}

type observerEntry struct {
	id int
	fn Observer
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

// Add registers fn. The returned function removes it and is safe to call
// more than once.
func (n *Notifier) Add(fn Observer) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.observers = append(n.observers, observerEntry{id: id, fn: fn})
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, e := range n.observers {
			if e.id == id {
				n.observers = append(n.observers[:i], n.observers[i+1:]...)
				return
			}
		}
	}
}

// Publish queues s and drains the queue.
func (n *Notifier) Publish(s Status) {
	n.enqueue(s)
	n.dispatch()
}

// enqueue appends s without dispatching. Callers who need queue order to
// match some external order may enqueue under their own lock and call
// dispatch after releasing it.
func (n *Notifier) enqueue(s Status) {
	n.mu.Lock()
	n.queue = append(n.queue, s)
	n.mu.Unlock()
}

// dispatch drains the queue unless another goroutine already is. Observer
// callbacks run without any lock held.
func (n *Notifier) dispatch() {
	n.mu.Lock()
	if n.dispatching {
		n.mu.Unlock()
		return
	}
	n.dispatching = true
	for len(n.queue) > 0 {
		s := n.queue[0]
		n.queue = n.queue[1:]
		observers := make([]Observer, len(n.observers))
		for i, e := range n.observers {
			observers[i] = e.fn
		}
		n.mu.Unlock()
		for _, fn := range observers {
			fn(s)
		}
		n.mu.Lock()
	}
	n.dispatching = false
	n.mu.Unlock()
}
