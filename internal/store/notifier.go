package store

import (
	"sync"

	"github.com/vendorhub/review-engine/internal/domain"
)

type subscriber struct {
	vendorID string
	ch       chan domain.ChangeEvent
}

// Notifier fans change events out to per-vendor subscribers. Delivery never
// blocks a publisher: each subscriber channel buffers one event and further
// events are coalesced while the subscriber is busy, which is enough because
// consumers re-query the store on every wake-up.
type Notifier struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewNotifier returns an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers for events of one vendor. The cancel func releases the
// subscription and closes the channel.
func (n *Notifier) Subscribe(vendorID string) (<-chan domain.ChangeEvent, func()) {
	sub := &subscriber{vendorID: vendorID, ch: make(chan domain.ChangeEvent, 1)}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	n.subs[sub] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			if _, ok := n.subs[sub]; ok {
				delete(n.subs, sub)
				close(sub.ch)
			}
			n.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber of its vendor.
func (n *Notifier) Publish(ev domain.ChangeEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for sub := range n.subs {
		if sub.vendorID != ev.VendorID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber still has an unconsumed wake-up; coalesce.
		}
	}
}

// SubscriberCount reports the current number of subscriptions.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Close drops all subscriptions and closes their channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for sub := range n.subs {
		close(sub.ch)
		delete(n.subs, sub)
	}
}
