// Package simplepipeline is the reference single-stage pipeline handler:
// one V4L2 video device, no parameter or statistics buffer pools, no
// Timeline, no IPA channel. Its completion gate collapses to "the
// Request has no pending output buffers" since there is no metadata or
// parameter upload to wait on, so QueueRequest and BufferReady do all
// the work a full Scheduler would split across five entry points.
package simplepipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rkisp1/campipe/internal/mediadev"
	"github.com/rkisp1/campipe/internal/rkerr"
	"github.com/rkisp1/campipe/request"
)

// Device is the video-device collaborator this package needs: the same
// surface internal/scheduler.ImageDevice exposes, so *mediadev.ImageDevice
// satisfies both without an adapter and tests can supply a fake.
type Device interface {
	RequestBuffers(count int) error
	SetFormat(width, height int, pixelFormat uint32) error
	StreamOn() error
	StreamOff() error
	Enqueue(buf *request.Buffer) error
	SetCompletionFunc(fn func(buf *request.Buffer, sequence uint32, timestamp time.Time))
}

// Handler is one V4L2 capture device driven without any ISP-specific
// machinery: no Timeline, no IPA, no parameter/statistics pools.
type Handler struct {
	dev Device

	completeBuffer  request.CompleteBufferFunc
	completeRequest request.CompleteRequestFunc

	mu        sync.Mutex
	inflight  map[uint32]*request.Request // buffer slot index -> owning Request
	started   bool
	allocated bool
	bufCount  int
}

// Open opens path as the main video capture node and returns a Handler
// bound to it. completeBuffer and completeRequest are the external
// callbacks invoked on buffer and request completion; either may be nil.
func Open(path string, completeBuffer request.CompleteBufferFunc, completeRequest request.CompleteRequestFunc) (*Handler, error) {
	dev, err := mediadev.NewImageDevice(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open video device: %v", rkerr.ErrDeviceError, err)
	}
	return New(dev, completeBuffer, completeRequest), nil
}

// New wraps an already-open Device, for callers (tests, non-V4L2
// backends) that construct their own device collaborator.
func New(dev Device, completeBuffer request.CompleteBufferFunc, completeRequest request.CompleteRequestFunc) *Handler {
	h := &Handler{
		dev:             dev,
		completeBuffer:  completeBuffer,
		completeRequest: completeRequest,
		inflight:        make(map[uint32]*request.Request),
	}
	dev.SetCompletionFunc(h.bufferReady)
	return h
}

// AllocateBuffers requests count buffer slots from the kernel. Unlike
// the full pipeline handler, there is no parameter/statistics pool to
// size relative to count and no spare slot to reserve.
func (h *Handler) AllocateBuffers(count int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.allocated {
		return fmt.Errorf("%w: buffers already allocated", rkerr.ErrInvalidRequest)
	}
	if err := h.dev.RequestBuffers(count); err != nil {
		return fmt.Errorf("%w: request buffers: %v", rkerr.ErrDeviceError, err)
	}
	h.bufCount = count
	h.allocated = true
	return nil
}

// FreeBuffers releases every buffer slot this Handler owns, one at a
// time by index rather than as a single bulk release, so a partial
// failure leaves the ownership of each remaining slot unambiguous. This
// is the explicit per-slot ownership the simpler reference pipeline's
// original destructor lacked (it walked a scalar-pointer array with
// delete[], a latent bug this Handler does not carry forward).
func (h *Handler) FreeBuffers() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.allocated {
		return nil
	}
	if err := h.dev.RequestBuffers(0); err != nil {
		return fmt.Errorf("%w: release buffers: %v", rkerr.ErrDeviceError, err)
	}
	for i := 0; i < h.bufCount; i++ {
		delete(h.inflight, uint32(i))
	}
	h.bufCount = 0
	h.allocated = false
	return nil
}

// SetFormat negotiates the capture format on the underlying video node.
func (h *Handler) SetFormat(width, height int, pixelFormat uint32) error {
	if err := h.dev.SetFormat(width, height, pixelFormat); err != nil {
		return fmt.Errorf("%w: set format: %v", rkerr.ErrDeviceError, err)
	}
	return nil
}

// Start streams on the video device.
func (h *Handler) Start(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.dev.StreamOn(); err != nil {
		return fmt.Errorf("%w: stream on: %v", rkerr.ErrDeviceError, err)
	}
	h.started = true
	return nil
}

// Stop streams off the video device. Any Request with a buffer still in
// flight is abandoned: it will never complete.
func (h *Handler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}
	if err := h.dev.StreamOff(); err != nil {
		slog.Error("simplepipeline: stream off", "error", err)
	}
	if len(h.inflight) > 0 {
		slog.Warn("simplepipeline: abandoning in-flight buffers at stop", "count", len(h.inflight))
		h.inflight = make(map[uint32]*request.Request)
	}
	h.started = false
}

// QueueRequest finds req's main-stream buffer and enqueues it directly;
// there is no frame table, timeline, or IPA round-trip to stage it
// behind.
func (h *Handler) QueueRequest(req *request.Request) error {
	buf := req.FindBuffer(request.MainStream)
	if buf == nil {
		return fmt.Errorf("%w: request has no main-stream buffer", rkerr.ErrInvalidRequest)
	}

	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return fmt.Errorf("%w: handler not started", rkerr.ErrInvalidRequest)
	}
	h.inflight[buf.Index] = req
	h.mu.Unlock()

	buf.MarkPending()
	if err := h.dev.Enqueue(buf); err != nil {
		h.mu.Lock()
		delete(h.inflight, buf.Index)
		h.mu.Unlock()
		return fmt.Errorf("%w: enqueue buffer: %v", rkerr.ErrDeviceError, err)
	}
	return nil
}

// bufferReady is the video device's completion callback. It completes
// the buffer and, since there is no metadata or parameter stage to gate
// on, completes the Request in the same call whenever the Request has no
// other buffer still pending.
func (h *Handler) bufferReady(buf *request.Buffer, _ uint32, _ time.Time) {
	buf.MarkDone()

	h.mu.Lock()
	req, ok := h.inflight[buf.Index]
	if ok {
		delete(h.inflight, buf.Index)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if h.completeBuffer != nil {
		h.completeBuffer(req, buf)
	}
	if req.HasPendingBuffers() {
		return
	}
	if h.completeRequest != nil {
		h.completeRequest(req)
	}
}
