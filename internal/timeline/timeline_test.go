package timeline

import (
	"sync"
	"testing"
	"time"
)

func TestScheduleActionNoAnchorRunsImmediately(t *testing.T) {
	var mu sync.Mutex
	ran := false
	tl := New(func(fn func()) { fn() }, 33*time.Millisecond, nil)
	defer tl.Close()

	tl.ScheduleAction(Action{Frame: 0, Kind: QueueBuffers, Run: func() {
		mu.Lock()
		ran = true
		mu.Unlock()
	}})

	mu.Lock()
	defer mu.Unlock()
	if !ran {
		t.Fatal("action with no anchor frame (frame 0, offset -1) should run immediately")
	}
}

func TestScheduleActionWithKnownAnchorRunsAfterDelay(t *testing.T) {
	var mu sync.Mutex
	var ranAt time.Time
	done := make(chan struct{})

	tl := New(func(fn func()) { fn() }, 33*time.Millisecond, nil)
	defer tl.Close()

	soe := time.Now()
	tl.NotifyStartOfExposure(0, soe)

	tl.ScheduleAction(Action{Frame: 1, Kind: QueueBuffers, Run: func() {
		mu.Lock()
		ranAt = time.Now()
		mu.Unlock()
		close(done)
	}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("action never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	due := soe.Add(10 * time.Millisecond)
	if ranAt.Before(due) {
		t.Errorf("action ran at %v, before its due time %v", ranAt, due)
	}
}

func TestScheduleActionWaitsForAnchorSOE(t *testing.T) {
	var mu sync.Mutex
	ran := false
	done := make(chan struct{})

	tl := New(func(fn func()) { fn() }, 33*time.Millisecond, nil)
	defer tl.Close()

	// Frame 1's QueueBuffers anchors on frame 0, whose SOE is not yet
	// known and cannot be extrapolated (no SOE history at all yet).
	tl.ScheduleAction(Action{Frame: 1, Kind: QueueBuffers, Run: func() {
		mu.Lock()
		ran = true
		mu.Unlock()
		close(done)
	}})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	if ran {
		mu.Unlock()
		t.Fatal("action fired before its anchor frame's SOE arrived")
	}
	mu.Unlock()

	tl.NotifyStartOfExposure(0, time.Now())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("action never ran after its anchor SOE arrived")
	}
}

func TestResetDropsPendingActions(t *testing.T) {
	ran := false
	tl := New(func(fn func()) { fn() }, 33*time.Millisecond, nil)
	defer tl.Close()

	tl.ScheduleAction(Action{Frame: 1, Kind: QueueBuffers, Run: func() {
		ran = true
	}})

	tl.Reset()
	tl.NotifyStartOfExposure(0, time.Now())

	time.Sleep(20 * time.Millisecond)
	if ran {
		t.Fatal("action scheduled before Reset must never run")
	}
}

func TestOrderingIsFrameMajorOnTie(t *testing.T) {
	var mu sync.Mutex
	var order []uint32

	tl := New(func(fn func()) { fn() }, 33*time.Millisecond, nil)
	defer tl.Close()

	// Frame 1 anchors on frame 0, frame 2 anchors on frame 1; giving both
	// anchor frames the same SOE timestamp makes the two actions' due
	// times tie, so the release order is decided by frame-major ordering.
	soe := time.Now().Add(50 * time.Millisecond)
	tl.NotifyStartOfExposure(0, soe)
	tl.NotifyStartOfExposure(1, soe)

	var wg sync.WaitGroup
	wg.Add(2)
	tl.ScheduleAction(Action{Frame: 2, Kind: QueueBuffers, Run: func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		wg.Done()
	}})
	tl.ScheduleAction(Action{Frame: 1, Kind: QueueBuffers, Run: func() {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		wg.Done()
	}})

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, want [1 2] (frame-major on tied due time)", order)
	}
}
