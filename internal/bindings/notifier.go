package bindings

import "sync"

// Subscription is an active change subscription.
type Subscription struct {
	id       uint64
	notifier *Notifier
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s != nil && s.notifier != nil {
		s.notifier.unsubscribe(s.id)
	}
}

// Notifier fans changes out to subscribers synchronously, in subscription
// order, without holding its lock during delivery.
type Notifier struct {
	mu        sync.RWMutex
	observers map[uint64]func(Change)
	order     []uint64
	nextID    uint64
}

// NewNotifier returns a notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{observers: make(map[uint64]func(Change))}
}

// Subscribe registers fn for every published change.
func (n *Notifier) Subscribe(fn func(Change)) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	n.observers[id] = fn
	n.order = append(n.order, id)
	return &Subscription{id: id, notifier: n}
}

func (n *Notifier) unsubscribe(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.observers[id]; !ok {
		return
	}
	delete(n.observers, id)
	for i, v := range n.order {
		if v == id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

// Publish delivers c to every subscriber.
func (n *Notifier) Publish(c Change) {
	n.mu.RLock()
	fns := make([]func(Change), 0, len(n.order))
	for _, id := range n.order {
		fns = append(fns, n.observers[id])
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Len returns the number of active subscriptions.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.observers)
}
