// Package scheduler implements the per-frame scheduling and
// buffer-lifecycle engine: the state machine that turns queueRequest and
// the three bufferReady callbacks plus the IPA's replies into completed
// Requests, never losing, double-completing, or leaking a buffer.
//
// Every entry point funnels through a single dispatcher goroutine (spec:
// single-threaded cooperative scheduling with an event dispatcher) so the
// handler bodies below never need locks of their own.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rkisp1/campipe/internal/ipa"
	"github.com/rkisp1/campipe/internal/rkbuf"
	"github.com/rkisp1/campipe/internal/rkerr"
	"github.com/rkisp1/campipe/internal/rkframe"
	"github.com/rkisp1/campipe/internal/telemetry"
	"github.com/rkisp1/campipe/internal/timeline"
	"github.com/rkisp1/campipe/request"
)

// Config wires the Scheduler to its external collaborators. Every field
// is required except IPATimeOffset and NominalFrameInterval, which
// default to 0 and 33ms respectively.
type Config struct {
	ParamDevice  KernelBufferDevice
	StatDevice   KernelBufferDevice
	ImageDevice  ImageDevice
	SensorDevice SensorDevice
	Channel      ipa.Channel

	CompleteBuffer  request.CompleteBufferFunc
	CompleteRequest request.CompleteRequestFunc

	// Telemetry receives a lifecycle Event for every frame transition the
	// Scheduler observes. Optional: a nil Bus disables publishing, so
	// tests and simplepipeline can leave it unset.
	Telemetry telemetry.Bus

	// IPATimeOffset is the fixed signed duration added to a capture
	// device's kernel timestamp to estimate actual start-of-exposure, per
	// spec §4.3. In a full implementation the IPA would report this at
	// Configure time; here it is supplied once at construction since the
	// Channel interface has no dedicated reply slot for it.
	IPATimeOffset time.Duration

	// NominalFrameInterval is the fallback inter-frame spacing the
	// Timeline extrapolates from when it must predict a due time for an
	// anchor frame whose SOE has not yet been observed.
	NominalFrameInterval time.Duration

	// Delays is the per-kind pipeline-delay table handed to the
	// Timeline. A nil map uses timeline.DefaultDelays; internal/rkconfig
	// builds this from a deployment's YAML tuning.
	Delays map[timeline.ActionKind]timeline.Delay
}

// Scheduler is the per-camera pipeline core. Holds the two buffer free
// queues, the frame table, the timeline, and the activeCamera flag valid
// only between Start and Stop, matching the source's single
// activeCamera_ pointer.
type Scheduler struct {
	paramDev  KernelBufferDevice
	statDev   KernelBufferDevice
	imageDev  ImageDevice
	sensorDev SensorDevice
	ch        ipa.Channel

	completeBuffer  request.CompleteBufferFunc
	completeRequest request.CompleteRequestFunc
	telemetry       telemetry.Bus

	ipaTimeOffset   time.Duration
	nominalInterval time.Duration
	delays          map[timeline.ActionKind]timeline.Delay

	paramPool rkbuf.Pool
	statPool  rkbuf.Pool
	paramFree *rkbuf.FreeQueue
	statFree  *rkbuf.FreeQueue
	frames    *rkframe.Table
	tl        *timeline.Timeline

	inbox  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextFrame         uint32
	active            bool
	dispatcherRunning bool
}

// New constructs a Scheduler and registers its completion callbacks with
// the device collaborators. The dispatcher goroutine is not started until
// Start is called.
func New(cfg Config) *Scheduler {
	interval := cfg.NominalFrameInterval
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}

	s := &Scheduler{
		paramDev:        cfg.ParamDevice,
		statDev:         cfg.StatDevice,
		imageDev:        cfg.ImageDevice,
		sensorDev:       cfg.SensorDevice,
		ch:              cfg.Channel,
		completeBuffer:  cfg.CompleteBuffer,
		completeRequest: cfg.CompleteRequest,
		telemetry:       cfg.Telemetry,
		ipaTimeOffset:   cfg.IPATimeOffset,
		nominalInterval: interval,
		delays:          cfg.Delays,
		inbox:           make(chan func(), 64),
	}

	s.paramDev.SetCompletionFunc(func(buf *rkbuf.Buffer) { s.dispatch(func() { s.handleParamReady(buf) }) })
	s.statDev.SetCompletionFunc(func(buf *rkbuf.Buffer) { s.dispatch(func() { s.handleStatReady(buf) }) })
	s.imageDev.SetCompletionFunc(func(buf *request.Buffer, seq uint32, ts time.Time) {
		s.dispatch(func() { s.handleImageReady(buf, seq, ts) })
	})
	s.ch.SetQueueFrameActionFunc(func(a ipa.Action) { s.dispatch(func() { s.handleIPAAction(a) }) })

	return s
}

// dispatch posts fn to the single dispatcher goroutine. Never drops: a
// full inbox blocks the caller rather than losing the event, since a
// dropped bufferReady would leak a kernel buffer. Returns silently if the
// dispatcher has already stopped (fn is discarded — this only happens for
// events racing a Stop, which the source abandons by design).
func (s *Scheduler) dispatch(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.ctx.Done():
	}
}

// dispatchSync posts fn and blocks until it has run, for callers
// (Start, Stop, QueueRequest) that need a synchronous result.
func (s *Scheduler) dispatchSync(fn func()) {
	done := make(chan struct{})
	s.inbox <- func() {
		fn()
		close(done)
	}
	<-done
}

// publish forwards evt to the telemetry bus, if one was configured. Always
// called from the dispatcher goroutine, but telemetry.Bus.Publish never
// blocks regardless, so this never risks stalling the scheduler.
func (s *Scheduler) publish(evt telemetry.Event) {
	if s.telemetry == nil {
		return
	}
	s.telemetry.Publish(evt)
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.inbox:
			fn()
		}
	}
}

// AllocateBuffers exports bufferCount+1 parameter buffers and the same
// count of statistics buffers (the spare slot keeps the params stage from
// ever stalling waiting for a free slot while one is in flight),
// registers every buffer with the IPA under its wire id, and populates
// the free queues. Must be called before Start, and before any prior
// allocation has been freed.
func (s *Scheduler) AllocateBuffers(ctx context.Context, bufferCount int, paramImporter, statImporter rkbuf.Importer) error {
	count := bufferCount + 1

	if err := s.paramPool.Create(count, paramImporter); err != nil {
		return fmt.Errorf("%w: parameter pool: %v", rkerr.ErrDeviceError, err)
	}
	if err := s.statPool.Create(count, statImporter); err != nil {
		s.paramPool.Destroy()
		return fmt.Errorf("%w: statistics pool: %v", rkerr.ErrDeviceError, err)
	}

	mappings := make([]ipa.BufferMapping, 0, 2*count)
	for _, b := range s.paramPool.All() {
		mappings = append(mappings, ipa.BufferMapping{
			ID:     ipa.EncodeBufferID(ipa.ParamBase, b.Index),
			Planes: planeDescriptors(b.Planes),
		})
	}
	for _, b := range s.statPool.All() {
		mappings = append(mappings, ipa.BufferMapping{
			ID:     ipa.EncodeBufferID(ipa.StatBase, b.Index),
			Planes: planeDescriptors(b.Planes),
		})
	}
	if err := s.ch.MapBuffers(ctx, mappings); err != nil {
		s.statPool.Destroy()
		s.paramPool.Destroy()
		return fmt.Errorf("%w: map buffers to ipa: %v", rkerr.ErrDeviceError, err)
	}

	s.paramFree = rkbuf.NewFreeQueue(&s.paramPool)
	s.statFree = rkbuf.NewFreeQueue(&s.statPool)
	s.frames = rkframe.NewTable(s.paramFree, s.statFree)
	return nil
}

// FreeBuffers releases everything AllocateBuffers acquired, in the
// reverse order of acquisition: unmap from the IPA first, then destroy
// the statistics pool, then the parameter pool.
func (s *Scheduler) FreeBuffers(ctx context.Context) error {
	if s.frames == nil {
		return nil
	}

	ids := make([]ipa.BufferID, 0, s.paramPool.Len()+s.statPool.Len())
	for _, b := range s.paramPool.All() {
		ids = append(ids, ipa.EncodeBufferID(ipa.ParamBase, b.Index))
	}
	for _, b := range s.statPool.All() {
		ids = append(ids, ipa.EncodeBufferID(ipa.StatBase, b.Index))
	}
	if err := s.ch.UnmapBuffers(ctx, ids); err != nil {
		slog.Error("scheduler: unmap buffers", "error", err)
	}

	if err := s.statPool.Destroy(); err != nil {
		slog.Error("scheduler: destroy statistics pool", "error", err)
	}
	if err := s.paramPool.Destroy(); err != nil {
		slog.Error("scheduler: destroy parameter pool", "error", err)
	}

	s.paramFree = nil
	s.statFree = nil
	s.frames = nil
	return nil
}

// ParamPool returns the parameter buffer pool AllocateBuffers created, so
// the pipeline facade can bind its KernelBufferDevice's completion
// lookups to it via SetPool. Nil before the first successful
// AllocateBuffers call.
func (s *Scheduler) ParamPool() *rkbuf.Pool { return &s.paramPool }

// StatPool is ParamPool's statistics-buffer counterpart.
func (s *Scheduler) StatPool() *rkbuf.Pool { return &s.statPool }

func planeDescriptors(planes []rkbuf.Plane) []ipa.PlaneDescriptor {
	out := make([]ipa.PlaneDescriptor, len(planes))
	for i, p := range planes {
		out[i] = ipa.PlaneDescriptor{FD: p.FD, Length: p.Length}
	}
	return out
}

// Start resets the frame counter, streams on the three video devices in
// order (params, stats, image), and configures the IPA. On any failure it
// unwinds whatever already succeeded and returns without leaving the
// scheduler active.
func (s *Scheduler) Start(ctx context.Context, stream ipa.StreamConfig, sensor ipa.SensorControlInfo) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	s.dispatcherRunning = true
	go s.run()

	var startErr error
	s.dispatchSync(func() {
		startErr = s.handleStart(stream, sensor)
	})
	if startErr != nil {
		s.cancel()
		s.wg.Wait()
		s.dispatcherRunning = false
		return startErr
	}
	return nil
}

func (s *Scheduler) handleStart(stream ipa.StreamConfig, sensor ipa.SensorControlInfo) error {
	s.nextFrame = 0
	s.tl = timeline.New(s.dispatch, s.nominalInterval, s.delays)

	onErr := func(stage string, err error) error {
		return fmt.Errorf("%w: start: %s: %v", rkerr.ErrDeviceError, stage, err)
	}

	if err := s.paramDev.StreamOn(); err != nil {
		return onErr("param stream-on", err)
	}
	if err := s.statDev.StreamOn(); err != nil {
		_ = s.paramDev.StreamOff()
		return onErr("stat stream-on", err)
	}
	if err := s.imageDev.StreamOn(); err != nil {
		_ = s.statDev.StreamOff()
		_ = s.paramDev.StreamOff()
		return onErr("image stream-on", err)
	}

	if err := s.ch.Configure(s.ctx, stream, sensor); err != nil {
		_ = s.imageDev.StreamOff()
		_ = s.statDev.StreamOff()
		_ = s.paramDev.StreamOff()
		return fmt.Errorf("%w: configure: %v", rkerr.ErrIPALoadError, err)
	}

	s.active = true
	return nil
}

// Stop streams off in reverse order, logging but ignoring each failure,
// resets the timeline, and clears activeCamera. Any FrameInfo still live
// is abandoned: its Request will never complete. Idempotent: a second
// call after the dispatcher has already stopped is a no-op.
func (s *Scheduler) Stop() {
	if s.ctx == nil || !s.dispatcherRunning {
		return
	}
	s.dispatchSync(s.handleStop)
	s.cancel()
	s.wg.Wait()
	s.dispatcherRunning = false
}

func (s *Scheduler) handleStop() {
	if !s.active {
		return
	}

	if err := s.imageDev.StreamOff(); err != nil {
		slog.Error("scheduler: image stream-off", "error", err)
	}
	if err := s.statDev.StreamOff(); err != nil {
		slog.Error("scheduler: stat stream-off", "error", err)
	}
	if err := s.paramDev.StreamOff(); err != nil {
		slog.Error("scheduler: param stream-off", "error", err)
	}

	if s.frames != nil {
		if abandoned := s.frames.Abandon(); len(abandoned) > 0 {
			slog.Warn("scheduler: abandoning in-flight frames at stop", "count", len(abandoned))
			for _, info := range abandoned {
				s.publish(telemetry.Event{Kind: telemetry.FrameAbandoned, Frame: info.Frame, Request: info.Request.ID, Timestamp: time.Now()})
			}
		}
	}
	if s.tl != nil {
		s.tl.Reset()
		s.tl.Close()
		s.tl = nil
	}
	s.active = false
}

// QueueRequest admits request as a new frame. Returns BufferUnderrun or
// InvalidRequest without side effects if no FrameInfo could be created.
func (s *Scheduler) QueueRequest(req *request.Request) error {
	var queueErr error
	s.dispatchSync(func() {
		queueErr = s.handleQueueRequest(req)
	})
	return queueErr
}

func (s *Scheduler) handleQueueRequest(req *request.Request) error {
	if !s.active {
		return fmt.Errorf("%w: scheduler not started", rkerr.ErrInvalidRequest)
	}

	frame := s.nextFrame
	info, err := s.frames.Create(frame, req, request.MainStream)
	if err != nil {
		return err
	}
	s.nextFrame++
	s.publish(telemetry.Event{Kind: telemetry.FrameQueued, Frame: frame, Request: req.ID, Timestamp: time.Now()})

	controls := make(map[int]interface{}, req.Controls.Len())
	req.Controls.Range(func(id request.ControlID, v interface{}) { controls[int(id)] = v })

	ev := ipa.Event{
		Op:            ipa.OpQueueRequest,
		Frame:         frame,
		ParamBufferID: ipa.EncodeBufferID(ipa.ParamBase, info.ParamBuffer.Index),
		Controls:      controls,
	}
	if err := s.ch.ProcessEvent(s.ctx, ev); err != nil {
		slog.Error("scheduler: send queue_request to ipa", "frame", frame, "error", err)
	}

	s.tl.ScheduleAction(timeline.Action{
		Frame: frame,
		Kind:  timeline.QueueBuffers,
		Run:   func() { s.handleQueueBuffersAction(frame) },
	})

	return nil
}

func (s *Scheduler) handleQueueBuffersAction(frame uint32) {
	info := s.frames.Find(frame)
	if info == nil {
		return
	}

	if !info.ParamFilled {
		// The param buffer is never enqueued, so the kernel can never
		// dequeue it and ParamDequeued stays false. The frame will not
		// complete; Stop abandons it.
		slog.Warn("scheduler: parameters not filled in time, skipping parameter upload", "frame", frame)
	} else if err := s.paramDev.Enqueue(info.ParamBuffer); err != nil {
		slog.Error("scheduler: enqueue parameter buffer", "frame", frame, "error", err)
	}

	if err := s.statDev.Enqueue(info.StatBuffer); err != nil {
		slog.Error("scheduler: enqueue statistics buffer", "frame", frame, "error", err)
	}

	if err := s.imageDev.Enqueue(info.VideoBuffer); err != nil {
		slog.Error("scheduler: enqueue image buffer", "frame", frame, "error", err)
	} else {
		info.VideoBuffer.MarkPending()
	}

	s.tryComplete(info)
}

func (s *Scheduler) handleImageReady(buf *request.Buffer, sequence uint32, timestamp time.Time) {
	buf.MarkDone()

	soe := timestamp.Add(s.ipaTimeOffset)
	s.tl.NotifyStartOfExposure(sequence, soe)
	s.publish(telemetry.Event{Kind: telemetry.StartOfExposure, Sequence: sequence, Timestamp: soe})

	if sequence+1 > s.nextFrame {
		s.nextFrame = sequence + 1
	}

	info := s.frames.FindByVideoBuffer(buf)
	if info == nil {
		return
	}
	s.publish(telemetry.Event{Kind: telemetry.BufferReady, Frame: info.Frame, Sequence: sequence, Request: info.Request.ID, Timestamp: timestamp})

	if s.completeBuffer != nil {
		s.completeBuffer(info.Request, buf)
	}
	s.tryComplete(info)
}

func (s *Scheduler) handleParamReady(buf *rkbuf.Buffer) {
	info := s.frames.FindByBuffer(buf)
	if info == nil {
		return
	}
	info.ParamDequeued = true
	s.publish(telemetry.Event{Kind: telemetry.BufferReady, Frame: info.Frame, Request: info.Request.ID, Timestamp: time.Now(), Meta: map[string]interface{}{"buffer": "param"}})
	s.tryComplete(info)
}

func (s *Scheduler) handleStatReady(buf *rkbuf.Buffer) {
	info := s.frames.FindByBuffer(buf)
	if info == nil {
		return
	}
	s.publish(telemetry.Event{Kind: telemetry.BufferReady, Frame: info.Frame, Request: info.Request.ID, Timestamp: time.Now(), Meta: map[string]interface{}{"buffer": "stat"}})

	ev := ipa.Event{
		Op:           ipa.OpSignalStatBuffer,
		Frame:        info.Frame,
		StatBufferID: ipa.EncodeBufferID(ipa.StatBase, buf.Index),
	}
	if err := s.ch.ProcessEvent(s.ctx, ev); err != nil {
		slog.Error("scheduler: send signal_stat_buffer to ipa", "frame", info.Frame, "error", err)
	}
}

func (s *Scheduler) handleIPAAction(a ipa.Action) {
	switch a.Op {
	case ipa.OpV4L2Set:
		controls := a.Controls
		frame := a.Frame
		s.tl.ScheduleAction(timeline.Action{
			Frame: frame,
			Kind:  timeline.SetSensor,
			Run:   func() { s.applySensorControls(frame, controls) },
		})

	case ipa.OpParamFilled:
		info := s.frames.Find(a.Frame)
		if info == nil {
			return
		}
		info.ParamFilled = true
		s.publish(telemetry.Event{Kind: telemetry.ParamFilled, Frame: a.Frame, Request: info.Request.ID, Timestamp: time.Now()})

	case ipa.OpMetadata:
		info := s.frames.Find(a.Frame)
		if info == nil {
			return
		}
		metadata := request.NewControlList()
		for id, v := range a.Controls {
			metadata.Set(request.ControlID(id), v)
		}
		info.Request.SetMetadata(metadata)
		info.MetadataProcessed = true
		s.publish(telemetry.Event{Kind: telemetry.MetadataReady, Frame: a.Frame, Request: info.Request.ID, Timestamp: time.Now()})
		s.tryComplete(info)

	default:
		slog.Warn("scheduler: unknown ipa action", "op", a.Op)
	}
}

func (s *Scheduler) applySensorControls(frame uint32, controls map[int]interface{}) {
	if err := s.sensorDev.SetControls(controls); err != nil {
		slog.Error("scheduler: set sensor controls", "frame", frame, "error", err)
	}
}

// tryComplete completes request iff it has no pending output buffers and
// both metadataProcessed and paramDequeued are set. Safe to call
// multiple times per frame: once the FrameInfo is destroyed, subsequent
// lookups by the caller return nil before tryComplete is ever reached
// again, so there is no separate re-entrancy guard needed here.
func (s *Scheduler) tryComplete(info *rkframe.FrameInfo) {
	if info.Request.HasPendingBuffers() {
		return
	}
	if !info.MetadataProcessed || !info.ParamDequeued {
		return
	}

	frame := info.Frame
	req := info.Request
	s.publish(telemetry.Event{Kind: telemetry.RequestCompleted, Frame: frame, Request: req.ID, Timestamp: time.Now()})

	if s.completeRequest != nil {
		s.completeRequest(req)
	}
	if err := s.frames.Destroy(frame); err != nil {
		slog.Error("scheduler: destroy completed frame", "frame", frame, "error", err)
	}
}
