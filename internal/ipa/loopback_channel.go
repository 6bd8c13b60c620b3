package ipa

import (
	"context"
	"sync"
)

// LoopbackChannel is an in-process Channel double for tests and for the
// simplepipeline reference handler, which has no IPA at all. It records
// every outbound call for assertions and lets the caller inject inbound
// Actions synchronously via Inject.
type LoopbackChannel struct {
	mu sync.Mutex

	configured    bool
	lastStream    StreamConfig
	lastSensor    SensorControlInfo
	mappedBuffers map[BufferID][]PlaneDescriptor
	events        []Event
	closed        bool

	fnMu sync.Mutex
	fn   QueueFrameActionFunc
}

// NewLoopbackChannel returns an empty LoopbackChannel.
func NewLoopbackChannel() *LoopbackChannel {
	return &LoopbackChannel{mappedBuffers: make(map[BufferID][]PlaneDescriptor)}
}

func (l *LoopbackChannel) SetQueueFrameActionFunc(fn QueueFrameActionFunc) {
	l.fnMu.Lock()
	l.fn = fn
	l.fnMu.Unlock()
}

func (l *LoopbackChannel) Configure(_ context.Context, stream StreamConfig, sensor SensorControlInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configured = true
	l.lastStream = stream
	l.lastSensor = sensor
	return nil
}

func (l *LoopbackChannel) MapBuffers(_ context.Context, mappings []BufferMapping) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range mappings {
		l.mappedBuffers[m.ID] = m.Planes
	}
	return nil
}

func (l *LoopbackChannel) UnmapBuffers(_ context.Context, ids []BufferID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		delete(l.mappedBuffers, id)
	}
	return nil
}

func (l *LoopbackChannel) ProcessEvent(_ context.Context, ev Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	return nil
}

func (l *LoopbackChannel) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Inject delivers an inbound Action to the registered callback, as if
// the IPA had sent it. A no-op if no callback is registered yet.
func (l *LoopbackChannel) Inject(a Action) {
	l.fnMu.Lock()
	fn := l.fn
	l.fnMu.Unlock()
	if fn != nil {
		fn(a)
	}
}

// Events returns a snapshot of every outbound event sent so far, in
// order.
func (l *LoopbackChannel) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// MappedBufferCount reports how many buffer ids are currently mapped,
// for round-trip assertions (mapBuffers followed by unmapBuffers must
// return this to 0).
func (l *LoopbackChannel) MappedBufferCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.mappedBuffers)
}

// Configured reports whether Configure has been called.
func (l *LoopbackChannel) Configured() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.configured
}

// Closed reports whether Close has been called.
func (l *LoopbackChannel) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
