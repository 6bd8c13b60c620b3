// Package timeline sequences actions tied to hardware pipeline stages: a
// control write or a buffer enqueue must happen a fixed number of
// milliseconds after the start-of-exposure of a frame some fixed number
// of frames earlier. The timeline tracks observed start-of-exposure (SOE)
// times and releases each pending action once its predicted due time has
// elapsed.
package timeline

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"
)

// ActionKind is one of the three hardware-pipeline-tied action classes.
type ActionKind int

const (
	// SetSensor writes sensor controls so they take effect at the action's
	// target frame.
	SetSensor ActionKind = iota
	// SOE marks the frame whose start-of-exposure time anchors the
	// timeline; it carries no thunk of its own in this pipeline and is
	// retained only as a named kind for completeness with the source
	// table.
	SOE
	// QueueBuffers enqueues the parameter, statistics, and image buffers
	// for the action's target frame.
	QueueBuffers
)

func (k ActionKind) String() string {
	switch k {
	case SetSensor:
		return "SetSensor"
	case SOE:
		return "SOE"
	case QueueBuffers:
		return "QueueBuffers"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Delay is one row of the per-kind pipeline-delay table: the offset (in
// frames, relative to the action's own frame) of the frame whose SOE
// anchors the due-time computation, and the latency added to that SOE.
type Delay struct {
	FrameOffset int
	Delay       time.Duration
}

// DefaultDelays is the pipeline-delay table used when New is given a nil
// table. internal/rkconfig loads the deployment's tuned values from YAML
// and falls back to these when a row is absent.
func DefaultDelays() map[ActionKind]Delay {
	return map[ActionKind]Delay{
		SetSensor:    {FrameOffset: -1, Delay: 5 * time.Millisecond},
		SOE:          {FrameOffset: 0, Delay: 0},
		QueueBuffers: {FrameOffset: -1, Delay: 10 * time.Millisecond},
	}
}

// Action is a timed job keyed by a frame number and an action kind.
// Immutable once scheduled.
type Action struct {
	Frame uint32
	Kind  ActionKind
	Run   func()
}

// anchorFrame is the frame number whose SOE the action's due time is
// computed from. Returns ok=false if the action's own frame is too small
// for the offset to land on a real frame (the only case in the table is
// frame 0 with an SetSensor/QueueBuffers action, whose anchor would be
// frame -1); such actions have no anchor and run immediately.
func (tl *Timeline) anchorFrame(a Action) (uint32, bool) {
	row := tl.delays[a.Kind]
	anchor := int64(a.Frame) + int64(row.FrameOffset)
	if anchor < 0 {
		return 0, false
	}
	return uint32(anchor), true
}

type pendingAction struct {
	action Action
	seq    uint64
}

// heapItem is a pendingAction with a resolved due time, ordered due-time
// major, frame-number minor, schedule-order as final tiebreak — matching
// the "frame-major, then kind-within-frame as scheduled" ordering the
// timeline promises.
type heapItem struct {
	due    time.Time
	frame  uint32
	seq    uint64
	action Action
}

type actionHeap []*heapItem

func (h actionHeap) Len() int { return len(h) }
func (h actionHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	if h[i].frame != h[j].frame {
		return h[i].frame < h[j].frame
	}
	return h[i].seq < h[j].seq
}
func (h actionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *actionHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *actionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Timeline sequences TimelineActions against observed start-of-exposure
// times. All exported methods are safe to call from any goroutine; the
// action thunks themselves are always invoked through dispatch, which
// the owning scheduler uses to serialize them onto its single dispatcher
// goroutine (spec: no suspension primitives, one thread of execution).
type Timeline struct {
	dispatch        func(func())
	nominalInterval time.Duration
	delays          map[ActionKind]Delay

	mu          sync.Mutex
	soeHistory  map[uint32]time.Time
	haveSOE     bool
	lastFrame   uint32
	lastSOE     time.Time
	waiting     map[uint32][]*pendingAction
	pending     actionHeap
	seq         uint64
	timer       *time.Timer
	timerTarget time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}
}

// New returns a Timeline that posts due actions through dispatch.
// nominalInterval is the fallback inter-frame interval used to
// extrapolate a due time for an anchor frame whose SOE has not yet been
// observed and is not the immediately-preceding one (it has no effect on
// the common case, where the anchor frame's SOE is already known by the
// time an action referencing it is scheduled). delays is the per-kind
// pipeline-delay table fixed for the lifetime of this Timeline; a nil
// table falls back to DefaultDelays. Delays are resolved once here, at
// construction, not exposed as a runtime SetDelay API.
func New(dispatch func(func()), nominalInterval time.Duration, delays map[ActionKind]Delay) *Timeline {
	if delays == nil {
		delays = DefaultDelays()
	}
	ctx, cancel := context.WithCancel(context.Background())
	tl := &Timeline{
		dispatch:        dispatch,
		nominalInterval: nominalInterval,
		delays:          delays,
		soeHistory:      make(map[uint32]time.Time),
		waiting:         make(map[uint32][]*pendingAction),
		ctx:             ctx,
		cancel:          cancel,
		wake:            make(chan struct{}, 1),
	}
	tl.wg.Add(1)
	go tl.run()
	return tl
}

// ScheduleAction places an action on the ordered work list. If the
// anchor frame's SOE is already known, or can be extrapolated, and the
// resulting due time has already passed, the action runs immediately
// (dispatched, not inline). Otherwise it is parked until the anchor
// frame's SOE arrives via NotifyStartOfExposure, or released by the
// runner goroutine once its due time elapses.
func (tl *Timeline) ScheduleAction(a Action) {
	tl.mu.Lock()
	anchor, ok := tl.anchorFrame(a)
	if !ok {
		tl.mu.Unlock()
		tl.dispatch(a.Run)
		return
	}

	soe, known := tl.soeHistory[anchor]
	if !known {
		soe, known = tl.predictLocked(anchor)
	}
	if !known {
		tl.seq++
		tl.waiting[anchor] = append(tl.waiting[anchor], &pendingAction{action: a, seq: tl.seq})
		tl.mu.Unlock()
		return
	}

	tl.seq++
	armedNow := tl.armLocked(a, soe, tl.seq)
	tl.mu.Unlock()
	if armedNow {
		tl.wakeRunner()
	}
}

// armLocked computes the due time for a from the anchor's SOE and either
// runs it immediately (returning false, having already dispatched it) or
// pushes it onto the pending heap (returning true, so the caller wakes
// the runner). Must be called with tl.mu held. Dispatching while holding
// tl.mu is safe here: dispatch only ever posts to the scheduler's inbox
// channel, it never calls back into the timeline synchronously.
func (tl *Timeline) armLocked(a Action, soe time.Time, seq uint64) (pushed bool) {
	due := soe.Add(tl.delays[a.Kind].Delay)
	if !due.After(time.Now()) {
		tl.dispatch(a.Run)
		return false
	}
	heap.Push(&tl.pending, &heapItem{due: due, frame: a.Frame, seq: seq, action: a})
	return true
}

// predictLocked extrapolates a due-time anchor for frame from the most
// recently observed SOE plus the nominal frame interval. Returns
// ok=false if no SOE has ever been observed (nothing to extrapolate
// from).
func (tl *Timeline) predictLocked(frame uint32) (time.Time, bool) {
	if !tl.haveSOE {
		return time.Time{}, false
	}
	delta := int64(frame) - int64(tl.lastFrame)
	return tl.lastSOE.Add(time.Duration(delta) * tl.nominalInterval), true
}

// NotifyStartOfExposure records the actual SOE for frame and releases
// every action waiting on it, plus wakes the runner so any now-due
// pending action fires.
func (tl *Timeline) NotifyStartOfExposure(frame uint32, soe time.Time) {
	tl.mu.Lock()
	tl.soeHistory[frame] = soe
	if !tl.haveSOE || frame >= tl.lastFrame {
		tl.haveSOE = true
		tl.lastFrame = frame
		tl.lastSOE = soe
	}

	waiters := tl.waiting[frame]
	delete(tl.waiting, frame)

	pushedAny := false
	for _, p := range waiters {
		if tl.armLocked(p.action, soe, p.seq) {
			pushedAny = true
		}
	}
	tl.mu.Unlock()

	if pushedAny {
		tl.wakeRunner()
	}
}

// Reset drops every pending action and all SOE history. Called on stop;
// after Reset returns, no parked or heap-pending action thunk will
// subsequently execute.
func (tl *Timeline) Reset() {
	tl.mu.Lock()
	tl.soeHistory = make(map[uint32]time.Time)
	tl.waiting = make(map[uint32][]*pendingAction)
	tl.pending = nil
	tl.haveSOE = false
	if tl.timer != nil {
		tl.timer.Stop()
		tl.timer = nil
	}
	tl.mu.Unlock()
}

// Close stops the runner goroutine permanently. The Timeline must not be
// used after Close.
func (tl *Timeline) Close() {
	tl.cancel()
	tl.wg.Wait()
}

func (tl *Timeline) wakeRunner() {
	select {
	case tl.wake <- struct{}{}:
	default:
	}
}

// run is the single background goroutine that sleeps until the earliest
// pending action's due time and releases it. Kept separate from the
// scheduler's own dispatcher goroutine: this one only ever decides *when*
// to run an action, never runs it directly — dispatch() hands the actual
// Run() back to the scheduler's serialized loop.
func (tl *Timeline) run() {
	defer tl.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	timer.Stop()
	armed := false

	for {
		tl.mu.Lock()
		now := time.Now()
		for tl.pending.Len() > 0 && !tl.pending[0].due.After(now) {
			item := heap.Pop(&tl.pending).(*heapItem)
			tl.dispatch(item.action.Run)
		}
		var wait time.Duration
		haveNext := tl.pending.Len() > 0
		if haveNext {
			wait = tl.pending[0].due.Sub(now)
		}
		tl.mu.Unlock()

		if armed {
			timer.Stop()
			armed = false
		}
		if haveNext {
			timer.Reset(wait)
			armed = true
		}

		select {
		case <-tl.ctx.Done():
			return
		case <-tl.wake:
			continue
		case <-timer.C:
			armed = false
			continue
		}
	}
}
