// Package telemetry fans out scheduler lifecycle events (frames queued,
// start-of-exposure, buffer completions, request completions) to any
// number of observability subscribers without ever blocking the
// scheduler's dispatcher goroutine. It is adapted from the teacher's
// frame-bus: same non-blocking drop-on-backpressure publish, same
// DropNew/DropOld subscriber policies, retargeted from video frames to
// scheduler events.
package telemetry

import (
	"sync"
	"sync/atomic"
)

type subscriberHolder struct {
	id     string
	policy DropPolicy
	stats  *SubscriberStats

	// For DropNew policy.
	ch chan<- Event

	// For DropOld policy.
	holder *latestEventHolder
}

type bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriberHolder
	totalPublished uint64
	closed         bool
}

// New creates a new telemetry Bus.
func New() Bus {
	return &bus{
		subscribers: make(map[string]*subscriberHolder),
	}
}

// Subscribe registers ch to receive events with DropNew policy: a full
// channel causes the event to be dropped for this subscriber rather than
// the publisher blocking.
func (b *bus) Subscribe(id string, ch chan<- Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if ch == nil {
		return ErrNilChannel
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriberHolder{
		id:     id,
		policy: DropNew,
		stats:  &SubscriberStats{},
		ch:     ch,
	}
	return nil
}

// SubscribeDropOld registers a subscriber that only ever holds the most
// recently published event, for consumers that poll (a debug endpoint, a
// status command) rather than stream.
func (b *bus) SubscribeDropOld(id string) (EventReceiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	holder := &subscriberHolder{
		id:     id,
		policy: DropOld,
		stats:  &SubscriberStats{},
		holder: newLatestEventHolder(),
	}
	b.subscribers[id] = holder
	return holder.holder, nil
}

// Publish distributes event to every subscriber. It never blocks: a
// DropNew subscriber that can't keep up loses the event, and a DropOld
// subscriber always accepts by overwriting.
func (b *bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	atomic.AddUint64(&b.totalPublished, 1)

	for _, holder := range b.subscribers {
		switch holder.policy {
		case DropNew:
			select {
			case holder.ch <- event:
				atomic.AddUint64(&holder.stats.Sent, 1)
			default:
				atomic.AddUint64(&holder.stats.Dropped, 1)
			}
		case DropOld:
			_ = holder.holder.Set(event)
			atomic.AddUint64(&holder.stats.Sent, 1)
		}
	}
}

// Unsubscribe removes a subscriber. It does not close a DropNew
// subscriber's channel; that remains the subscriber's responsibility.
func (b *bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	holder, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if holder.policy == DropOld && holder.holder != nil {
		holder.holder.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns a snapshot of one subscriber's sent/dropped counters.
func (b *bus) Stats(id string) (*SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	holder, exists := b.subscribers[id]
	if !exists {
		return nil, ErrSubscriberNotFound
	}
	return &SubscriberStats{
		Sent:    atomic.LoadUint64(&holder.stats.Sent),
		Dropped: atomic.LoadUint64(&holder.stats.Dropped),
	}, nil
}

// Close shuts the bus down. Publish becomes a no-op and
// Subscribe/SubscribeDropOld start returning ErrBusClosed. Close is
// idempotent.
func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, holder := range b.subscribers {
		if holder.policy == DropOld && holder.holder != nil {
			holder.holder.Close()
		}
	}
	b.subscribers = nil
}

// latestEventHolder implements EventReceiver for the DropOld policy.
type latestEventHolder struct {
	mu     sync.RWMutex
	cond   *sync.Cond
	event  *Event
	closed bool
}

func newLatestEventHolder() *latestEventHolder {
	h := &latestEventHolder{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *latestEventHolder) Set(event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrReceiverClosed
	}
	h.event = &event
	h.cond.Broadcast()
	return nil
}

// Receive blocks until an event is available or the receiver is closed.
func (h *latestEventHolder) Receive() Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	for h.event == nil && !h.closed {
		h.cond.Wait()
	}
	if h.closed {
		return Event{}
	}
	return *h.event
}

// TryReceive returns the latest event without blocking.
func (h *latestEventHolder) TryReceive() (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.event == nil {
		return Event{}, false
	}
	return *h.event, true
}

func (h *latestEventHolder) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.cond.Broadcast()
}
