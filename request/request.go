package request

import (
	"sync"

	"github.com/google/uuid"
)

// StreamID identifies one of the camera's configured streams. The ISP1
// pipeline handler only ever configures a single stream (spec Non-goal:
// no multi-stream support), but the Request surface still keys buffers by
// stream so the shape survives a future multi-stream core unchanged.
type StreamID int

// MainStream is the sole stream the rkisp1 pipeline handler produces.
const MainStream StreamID = 0

// Buffer is a user-supplied output buffer slot bound to a stream. It is
// intentionally distinct from rkbuf.Buffer: this one is owned by the
// Request's caller (memory either imported from the application or
// exported by the video device and returned to the app), while rkbuf.Buffer
// is pool-owned by the scheduler for the parameter/statistics roles.
type Buffer struct {
	FD     uintptr
	Length int
	Index  uint32

	mu      sync.Mutex
	pending bool
}

// MarkPending flags the buffer as queued to the kernel and not yet
// returned. Called by the pipeline facade when a Buffer is enqueued.
func (b *Buffer) MarkPending() {
	b.mu.Lock()
	b.pending = true
	b.mu.Unlock()
}

// MarkDone clears the pending flag. Called when the video device reports
// completion for this buffer.
func (b *Buffer) MarkDone() {
	b.mu.Lock()
	b.pending = false
	b.mu.Unlock()
}

// Pending reports whether the buffer is still outstanding at the kernel.
func (b *Buffer) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// CompleteFunc is invoked by the pipeline facade when a buffer or request
// reaches completion. These are the "generic complete buffer"/"complete
// request" callbacks the spec describes as provided by the Camera/Request
// surface; the pipeline facade registers concrete implementations at
// wiring time rather than relying on per-object signal connections.
type CompleteBufferFunc func(req *Request, buf *Buffer)
type CompleteRequestFunc func(req *Request)

// Request aggregates controls and user-supplied output buffer slots for a
// single capture, plus (once filled by the scheduler) the resulting
// per-frame result metadata.
type Request struct {
	ID uuid.UUID

	Controls ControlList

	mu       sync.Mutex
	buffers  map[StreamID]*Buffer
	metadata ControlList
}

// New creates a Request with a fresh ID and the given controls.
func New(controls ControlList) *Request {
	return &Request{
		ID:       uuid.New(),
		Controls: controls,
		buffers:  make(map[StreamID]*Buffer),
		metadata: NewControlList(),
	}
}

// AddBuffer binds buf to stream. Must be called before the request is
// queued; the pipeline facade rejects requests missing a buffer for the
// stream it is configured to produce.
func (r *Request) AddBuffer(stream StreamID, buf *Buffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers[stream] = buf
}

// FindBuffer returns the buffer bound to stream, or nil if none was bound.
func (r *Request) FindBuffer(stream StreamID) *Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffers[stream]
}

// HasPendingBuffers reports whether any bound buffer is still outstanding
// at the kernel. The scheduler's completion gate (spec §4.5.5) will not
// complete a Request while this is true.
func (r *Request) HasPendingBuffers() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.buffers {
		if b.Pending() {
			return true
		}
	}
	return false
}

// SetMetadata installs the IPA's per-frame result metadata. Called once,
// from the scheduler's METADATA handler.
func (r *Request) SetMetadata(metadata ControlList) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata = metadata
}

// Metadata returns the result metadata set by SetMetadata, or an empty
// ControlList if none has been set yet.
func (r *Request) Metadata() ControlList {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metadata
}
