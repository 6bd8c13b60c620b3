package simplepipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rkisp1/campipe/request"
)

// fakeDevice is a Device test double: Enqueue completes the buffer
// synchronously on the caller's goroutine, mirroring the fake kernel
// devices internal/scheduler's own tests use.
type fakeDevice struct {
	mu        sync.Mutex
	streaming bool
	bufCount  int
	completed func(buf *request.Buffer, sequence uint32, timestamp time.Time)
}

func (d *fakeDevice) RequestBuffers(count int) error {
	d.mu.Lock()
	d.bufCount = count
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) SetFormat(int, int, uint32) error { return nil }

func (d *fakeDevice) StreamOn() error {
	d.mu.Lock()
	d.streaming = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) StreamOff() error {
	d.mu.Lock()
	d.streaming = false
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) SetCompletionFunc(fn func(buf *request.Buffer, sequence uint32, timestamp time.Time)) {
	d.mu.Lock()
	d.completed = fn
	d.mu.Unlock()
}

func (d *fakeDevice) Enqueue(buf *request.Buffer) error {
	d.mu.Lock()
	fn := d.completed
	d.mu.Unlock()
	if fn != nil {
		fn(buf, 0, time.Now())
	}
	return nil
}

func newTestRequest(index uint32) (*request.Request, *request.Buffer) {
	req := request.New(request.NewControlList())
	buf := &request.Buffer{Index: index, Length: 4096}
	req.AddBuffer(request.MainStream, buf)
	return req, buf
}

func TestQueueRequestCompletesBufferAndRequest(t *testing.T) {
	dev := &fakeDevice{}
	var completedBuf *request.Buffer
	var completedReq *request.Request

	h := New(dev, func(req *request.Request, buf *request.Buffer) {
		completedBuf = buf
	}, func(req *request.Request) {
		completedReq = req
	})

	if err := h.AllocateBuffers(4); err != nil {
		t.Fatalf("AllocateBuffers: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	req, buf := newTestRequest(0)
	if err := h.QueueRequest(req); err != nil {
		t.Fatalf("QueueRequest: %v", err)
	}

	if completedBuf != buf {
		t.Error("completeBuffer was not called with the queued buffer")
	}
	if completedReq != req {
		t.Error("completeRequest was not called once the buffer completed")
	}
}

func TestQueueRequestWithoutMainStreamBufferFails(t *testing.T) {
	dev := &fakeDevice{}
	h := New(dev, nil, nil)
	_ = h.AllocateBuffers(2)
	_ = h.Start(context.Background())

	req := request.New(request.NewControlList())
	if err := h.QueueRequest(req); err == nil {
		t.Fatal("QueueRequest with no main-stream buffer: want error, got nil")
	}
}

func TestQueueRequestBeforeStartFails(t *testing.T) {
	dev := &fakeDevice{}
	h := New(dev, nil, nil)
	_ = h.AllocateBuffers(2)

	req, _ := newTestRequest(0)
	if err := h.QueueRequest(req); err == nil {
		t.Fatal("QueueRequest before Start: want error, got nil")
	}
}

func TestAllocateBuffersTwiceFails(t *testing.T) {
	dev := &fakeDevice{}
	h := New(dev, nil, nil)
	if err := h.AllocateBuffers(4); err != nil {
		t.Fatalf("AllocateBuffers: %v", err)
	}
	if err := h.AllocateBuffers(4); err == nil {
		t.Fatal("AllocateBuffers twice: want error, got nil")
	}
}

func TestFreeBuffersThenAllocateAgain(t *testing.T) {
	dev := &fakeDevice{}
	h := New(dev, nil, nil)
	if err := h.AllocateBuffers(4); err != nil {
		t.Fatalf("AllocateBuffers: %v", err)
	}
	if err := h.FreeBuffers(); err != nil {
		t.Fatalf("FreeBuffers: %v", err)
	}
	if err := h.AllocateBuffers(4); err != nil {
		t.Fatalf("AllocateBuffers after FreeBuffers: %v", err)
	}
}

func TestStopAbandonsInflightBuffers(t *testing.T) {
	dev := &fakeDevice{}
	h := New(dev, nil, nil)
	_ = h.AllocateBuffers(4)
	_ = h.Start(context.Background())

	h.mu.Lock()
	h.inflight[7] = request.New(request.NewControlList())
	h.mu.Unlock()

	h.Stop()

	h.mu.Lock()
	n := len(h.inflight)
	h.mu.Unlock()
	if n != 0 {
		t.Errorf("inflight count after Stop = %d, want 0", n)
	}
}
