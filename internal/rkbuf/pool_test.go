package rkbuf

import (
	"os"
	"testing"
)

// memfdImporter exports count anonymous memfds as single-plane buffers,
// standing in for a kernel exportBuffers call in tests.
type memfdImporter struct {
	planeLen int
}

func (m memfdImporter) ExportBuffers(count int) ([][]Plane, error) {
	out := make([][]Plane, count)
	for i := 0; i < count; i++ {
		f, err := os.CreateTemp("", "rkbuf-test-*")
		if err != nil {
			return nil, err
		}
		if err := f.Truncate(int64(m.planeLen)); err != nil {
			return nil, err
		}
		plane, err := NewPlane(f.Fd(), m.planeLen)
		if err != nil {
			return nil, err
		}
		out[i] = []Plane{plane}
	}
	return out, nil
}

func TestPoolCreateDestroy(t *testing.T) {
	var pool Pool
	if err := pool.Create(4, memfdImporter{planeLen: 4096}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if pool.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", pool.Len())
	}
	for i := 0; i < 4; i++ {
		if pool.At(i).Index != uint32(i) {
			t.Errorf("buffer %d has Index %d", i, pool.At(i).Index)
		}
	}
	if err := pool.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if pool.Len() != 0 {
		t.Errorf("Len() after Destroy = %d, want 0", pool.Len())
	}
}

func TestPoolCreateTwiceFails(t *testing.T) {
	var pool Pool
	if err := pool.Create(2, memfdImporter{planeLen: 4096}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer pool.Destroy()

	if err := pool.Create(2, memfdImporter{planeLen: 4096}); err == nil {
		t.Fatal("second Create should fail")
	}
}

func TestFreeQueueRoundTrip(t *testing.T) {
	var pool Pool
	if err := pool.Create(3, memfdImporter{planeLen: 4096}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer pool.Destroy()

	q := NewFreeQueue(&pool)
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}

	var popped []*Buffer
	for q.Len() > 0 {
		popped = append(popped, q.Pop())
	}
	if len(popped) != 3 {
		t.Fatalf("popped %d buffers, want 3", len(popped))
	}
	if q.Pop() != nil {
		t.Fatal("Pop on empty queue should return nil")
	}

	// Round-trip: pushing everything back restores the pre-allocation count.
	for _, b := range popped {
		q.Push(b)
	}
	if q.Len() != 3 {
		t.Fatalf("Len() after round-trip = %d, want 3", q.Len())
	}
}
