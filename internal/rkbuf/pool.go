// Package rkbuf implements the two pools of pre-allocated kernel buffers
// the rkisp1 pipeline handler uses for ISP parameter uploads and
// statistics downloads: a fixed-size registry of Buffer handles plus a
// FIFO free-list the scheduler draws from and returns to.
//
// No concurrency: every exported method here is only ever called from the
// scheduler's single dispatcher goroutine (spec §5).
package rkbuf

import "fmt"

// Buffer is the indivisible unit the core passes through the state
// machine. Index is the buffer's slot in its owning Pool and is the only
// stable identity the IPA and kernel share.
type Buffer struct {
	Index     uint32
	Planes    []Plane
	Completed chan struct{}
}

// newBuffer constructs a Buffer at the given pool slot with no planes yet
// bound; planes are attached by an Importer during Pool.Create.
func newBuffer(index uint32) *Buffer {
	return &Buffer{Index: index, Completed: make(chan struct{}, 1)}
}

// SignalCompleted marks the buffer as returned by the kernel. Non-blocking:
// a full channel (an unconsumed previous signal) is left as-is, since a
// Buffer can only be in kernel custody once at a time per the scheduling
// model.
func (b *Buffer) SignalCompleted() {
	select {
	case b.Completed <- struct{}{}:
	default:
	}
}

// Importer allocates or imports the backing planes for count buffer slots.
// Exporting (kernel-allocated dma-buf) and importing (caller-supplied fds)
// are both delegated to the external video device per spec §4.1; rkbuf
// itself never allocates memory.
type Importer interface {
	// ExportBuffers asks the kernel to allocate count buffers and returns
	// their backing planes, one plane slice per buffer, in index order.
	ExportBuffers(count int) ([][]Plane, error)
}

// Pool is a fixed-size registry of Buffer handles. It is not itself a
// free-list: ownership tracking (free vs. in-kernel vs. bound-to-frame)
// is the scheduler's job via FreeQueue.
type Pool struct {
	buffers []*Buffer
}

// Create allocates count buffers by asking importer to export their
// backing planes, and registers them at slots [0, count).
func (p *Pool) Create(count int, importer Importer) error {
	if len(p.buffers) != 0 {
		return fmt.Errorf("rkbuf: pool already created with %d buffers", len(p.buffers))
	}
	if count <= 0 {
		return fmt.Errorf("rkbuf: pool count must be > 0, got %d", count)
	}

	planeSets, err := importer.ExportBuffers(count)
	if err != nil {
		return fmt.Errorf("rkbuf: export buffers: %w", err)
	}
	if len(planeSets) != count {
		return fmt.Errorf("rkbuf: importer returned %d plane sets, want %d", len(planeSets), count)
	}

	buffers := make([]*Buffer, count)
	for i := 0; i < count; i++ {
		buf := newBuffer(uint32(i))
		buf.Planes = planeSets[i]
		buffers[i] = buf
	}
	p.buffers = buffers
	return nil
}

// Destroy releases every buffer's planes and empties the pool. Errors
// releasing individual planes are collected but do not stop the sweep —
// teardown never aborts (spec §7).
func (p *Pool) Destroy() error {
	var firstErr error
	for _, buf := range p.buffers {
		for i := range buf.Planes {
			if err := buf.Planes[i].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	p.buffers = nil
	return firstErr
}

// Len returns the number of buffers in the pool.
func (p *Pool) Len() int {
	return len(p.buffers)
}

// At returns the buffer at slot i.
func (p *Pool) At(i int) *Buffer {
	return p.buffers[i]
}

// All returns every buffer in the pool, in index order. The returned
// slice must not be mutated by the caller.
func (p *Pool) All() []*Buffer {
	return p.buffers
}
