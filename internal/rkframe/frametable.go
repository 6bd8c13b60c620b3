// Package rkframe implements the per-frame ledger that binds a Request to
// its parameter/statistics/image buffer triple and the three completion
// flags that gate request completion, plus the frame-indexed table that
// owns every live FrameInfo.
package rkframe

import (
	"fmt"
	"log/slog"

	"github.com/rkisp1/campipe/internal/rkbuf"
	"github.com/rkisp1/campipe/internal/rkerr"
	"github.com/rkisp1/campipe/request"
)

// FrameInfo is the per-frame ledger binding a Request to its buffers and
// completion state. It exists from the moment queueRequest admits the
// request until completion. Request is a non-owning back-reference: the
// Request is owned by the caller and outlives the FrameInfo.
type FrameInfo struct {
	Frame   uint32
	Request *request.Request

	ParamBuffer *rkbuf.Buffer
	StatBuffer  *rkbuf.Buffer
	VideoBuffer *request.Buffer

	ParamFilled       bool
	ParamDequeued     bool
	MetadataProcessed bool
}

// Table is a mapping frame number -> FrameInfo, exclusively owned.
// Secondary lookups by buffer identity and by request identity are linear
// scans over present entries (expected cardinality <= ~10, per spec).
//
// Not safe for concurrent use: callers are the scheduler's single
// dispatcher goroutine.
type Table struct {
	paramQueue *rkbuf.FreeQueue
	statQueue  *rkbuf.FreeQueue
	frames     map[uint32]*FrameInfo
}

// NewTable returns a Table that draws parameter and statistics buffers
// from the given free queues, which remain owned by the caller (the
// scheduler) across the Table's lifetime.
func NewTable(paramQueue, statQueue *rkbuf.FreeQueue) *Table {
	return &Table{
		paramQueue: paramQueue,
		statQueue:  statQueue,
		frames:     make(map[uint32]*FrameInfo),
	}
}

// Create dequeues one parameter buffer and one statistics buffer from the
// free queues, looks up the user image buffer the Request has bound to
// stream, and emplaces a new FrameInfo with all flags false. On any
// failure it returns without mutating state: buffers dequeued before the
// failing check are pushed back before returning.
func (t *Table) Create(frame uint32, req *request.Request, stream request.StreamID) (*FrameInfo, error) {
	paramBuf := t.paramQueue.Pop()
	if paramBuf == nil {
		return nil, fmt.Errorf("%w: no free parameter buffer for frame %d", rkerr.ErrBufferUnderrun, frame)
	}

	statBuf := t.statQueue.Pop()
	if statBuf == nil {
		t.paramQueue.Push(paramBuf)
		return nil, fmt.Errorf("%w: no free statistics buffer for frame %d", rkerr.ErrBufferUnderrun, frame)
	}

	videoBuf := req.FindBuffer(stream)
	if videoBuf == nil {
		t.paramQueue.Push(paramBuf)
		t.statQueue.Push(statBuf)
		return nil, fmt.Errorf("%w: request has no buffer for stream %d", rkerr.ErrInvalidRequest, stream)
	}

	info := &FrameInfo{
		Frame:       frame,
		Request:     req,
		ParamBuffer: paramBuf,
		StatBuffer:  statBuf,
		VideoBuffer: videoBuf,
	}
	t.frames[frame] = info
	return info, nil
}

// Destroy returns the parameter and statistics buffers to the free
// queues, erases the entry, and releases the FrameInfo.
func (t *Table) Destroy(frame uint32) error {
	info, ok := t.frames[frame]
	if !ok {
		return fmt.Errorf("%w: frame %d", rkerr.ErrNotFound, frame)
	}

	t.paramQueue.Push(info.ParamBuffer)
	t.statQueue.Push(info.StatBuffer)
	delete(t.frames, frame)
	return nil
}

// Find looks up a FrameInfo by frame number. Absence is expected for late
// events referencing an already-destroyed frame; it is logged at debug
// and callers treat a nil return as "drop this event."
func (t *Table) Find(frame uint32) *FrameInfo {
	info, ok := t.frames[frame]
	if !ok {
		slog.Debug("rkframe: frame not found", "frame", frame)
		return nil
	}
	return info
}

// FindByBuffer looks up the FrameInfo holding buf in any of its three
// buffer roles.
func (t *Table) FindByBuffer(buf *rkbuf.Buffer) *FrameInfo {
	for _, info := range t.frames {
		if info.ParamBuffer == buf || info.StatBuffer == buf {
			return info
		}
	}
	slog.Debug("rkframe: frame not found for buffer", "buffer_index", buf.Index)
	return nil
}

// FindByVideoBuffer looks up the FrameInfo whose image buffer is buf.
func (t *Table) FindByVideoBuffer(buf *request.Buffer) *FrameInfo {
	for _, info := range t.frames {
		if info.VideoBuffer == buf {
			return info
		}
	}
	slog.Debug("rkframe: frame not found for video buffer")
	return nil
}

// FindByRequest looks up the FrameInfo serving req.
func (t *Table) FindByRequest(req *request.Request) *FrameInfo {
	for _, info := range t.frames {
		if info.Request == req {
			return info
		}
	}
	slog.Debug("rkframe: frame not found for request", "request_id", req.ID)
	return nil
}

// Len returns the number of live FrameInfos.
func (t *Table) Len() int {
	return len(t.frames)
}

// Abandon clears every live FrameInfo without completing its Request:
// their parameter and statistics buffers are returned to the free
// queues (stream-off returns all in-flight kernel buffers to userspace
// regardless of whether their per-frame bookkeeping ever finished), but
// the entries are simply dropped, not destroyed one at a time. Returns
// the abandoned FrameInfos for logging. Called only from Stop, per the
// source's "any FrameInfos still live at stop are abandoned by design"
// note.
func (t *Table) Abandon() []*FrameInfo {
	if len(t.frames) == 0 {
		return nil
	}
	abandoned := make([]*FrameInfo, 0, len(t.frames))
	for _, info := range t.frames {
		t.paramQueue.Push(info.ParamBuffer)
		t.statQueue.Push(info.StatBuffer)
		abandoned = append(abandoned, info)
	}
	t.frames = make(map[uint32]*FrameInfo)
	return abandoned
}
