package scheduler

import (
	"sync"
	"time"

	"github.com/rkisp1/campipe/internal/rkbuf"
	"github.com/rkisp1/campipe/request"
)

// memfdImporter hands out empty plane slices for count buffers, enough to
// exercise buffer bookkeeping without a real kernel allocation.
type memfdImporter struct{}

func (memfdImporter) ExportBuffers(count int) ([][]rkbuf.Plane, error) {
	out := make([][]rkbuf.Plane, count)
	for i := range out {
		out[i] = []rkbuf.Plane{}
	}
	return out, nil
}

// fakeKernelDevice is a KernelBufferDevice test double: Enqueue completes
// the buffer immediately (synchronously, on the caller's goroutine) unless
// held, in which case the test completes it later by calling Release.
type fakeKernelDevice struct {
	mu        sync.Mutex
	streaming bool
	completed func(buf *rkbuf.Buffer)
	hold      bool
	held      []*rkbuf.Buffer
}

func (d *fakeKernelDevice) StreamOn() error  { d.mu.Lock(); d.streaming = true; d.mu.Unlock(); return nil }
func (d *fakeKernelDevice) StreamOff() error { d.mu.Lock(); d.streaming = false; d.mu.Unlock(); return nil }

func (d *fakeKernelDevice) SetCompletionFunc(fn func(buf *rkbuf.Buffer)) {
	d.mu.Lock()
	d.completed = fn
	d.mu.Unlock()
}

func (d *fakeKernelDevice) Enqueue(buf *rkbuf.Buffer) error {
	d.mu.Lock()
	hold := d.hold
	fn := d.completed
	if hold {
		d.held = append(d.held, buf)
	}
	d.mu.Unlock()
	if !hold && fn != nil {
		fn(buf)
	}
	return nil
}

// releaseHeld completes every buffer enqueued while hold was true.
func (d *fakeKernelDevice) releaseHeld() {
	d.mu.Lock()
	fn := d.completed
	held := d.held
	d.held = nil
	d.mu.Unlock()
	for _, b := range held {
		fn(b)
	}
}

// fakeImageDevice is an ImageDevice test double. Completion is triggered
// explicitly by the test via complete, carrying a caller-chosen sequence
// number and timestamp, to drive SOE notification deterministically.
type fakeImageDevice struct {
	mu        sync.Mutex
	streaming bool
	completed func(buf *request.Buffer, sequence uint32, timestamp time.Time)
	enqueued  []*request.Buffer
}

func (d *fakeImageDevice) StreamOn() error  { d.mu.Lock(); d.streaming = true; d.mu.Unlock(); return nil }
func (d *fakeImageDevice) StreamOff() error { d.mu.Lock(); d.streaming = false; d.mu.Unlock(); return nil }

func (d *fakeImageDevice) SetCompletionFunc(fn func(buf *request.Buffer, sequence uint32, timestamp time.Time)) {
	d.mu.Lock()
	d.completed = fn
	d.mu.Unlock()
}

func (d *fakeImageDevice) Enqueue(buf *request.Buffer) error {
	d.mu.Lock()
	d.enqueued = append(d.enqueued, buf)
	d.mu.Unlock()
	return nil
}

func (d *fakeImageDevice) complete(buf *request.Buffer, sequence uint32, timestamp time.Time) {
	d.mu.Lock()
	fn := d.completed
	d.mu.Unlock()
	fn(buf, sequence, timestamp)
}

// fakeSensorDevice records every SetControls call.
type fakeSensorDevice struct {
	mu    sync.Mutex
	calls []map[int]interface{}
}

func (d *fakeSensorDevice) SetControls(controls map[int]interface{}) error {
	d.mu.Lock()
	d.calls = append(d.calls, controls)
	d.mu.Unlock()
	return nil
}

func (d *fakeSensorDevice) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}
