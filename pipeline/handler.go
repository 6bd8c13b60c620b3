// Package pipeline is the rkisp1 pipeline handler facade: it resolves
// the media-controller topology, negotiates stream and sensor formats,
// and wires the concrete kernel-buffer/image/sensor devices and the IPA
// channel into an internal/scheduler.Scheduler. Callers never touch the
// scheduler directly; GenerateConfiguration, Configure, AllocateBuffers,
// FreeBuffers, Start, Stop, and QueueRequest are the whole surface.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rkisp1/campipe/internal/ipa"
	"github.com/rkisp1/campipe/internal/mediadev"
	"github.com/rkisp1/campipe/internal/rkconfig"
	"github.com/rkisp1/campipe/internal/rkerr"
	"github.com/rkisp1/campipe/internal/scheduler"
	"github.com/rkisp1/campipe/internal/sensorctl"
	"github.com/rkisp1/campipe/internal/telemetry"
	"github.com/rkisp1/campipe/internal/v4l2io"
	"github.com/rkisp1/campipe/request"
)

// SensorInfo is the caller-supplied description of the sensor bound to
// this handler: its native resolution (used to derive a default output
// size) and the V4L2 control ids backing the ControlIDs the IPA is
// allowed to write, plus the advertised range for each.
type SensorInfo struct {
	Width, Height int
	ControlMap    sensorctl.ControlMap
	ControlInfo   ipa.SensorControlInfo
}

// Handler is one configured rkisp1 pipeline instance: one media device,
// one sensor, one IPA channel. Not safe for concurrent method calls other
// than QueueRequest, matching the scheduler's own single-activeCamera
// model — callers serialize Configure/Start/Stop externally.
type Handler struct {
	topo     *mediadev.Topology
	paramDev *mediadev.KernelDevice
	statDev  *mediadev.KernelDevice
	imageDev *mediadev.ImageDevice
	sensor   *sensorctl.Sensor
	channel  ipa.Channel
	sched    *scheduler.Scheduler
	cfg      *rkconfig.Config

	sensorWidth, sensorHeight int
	controlInfo               ipa.SensorControlInfo

	mu          sync.Mutex
	format      StreamFormat
	bufferCount int
	allocated   bool
}

// Match opens mediaPath and resolves it against the fixed rkisp1
// topology (entity "rkisp1" by device-info model name, plus the six
// required entities and the caller-named sensor entity). Returns
// ErrNotFound if mediaPath is not an rkisp1 instance or is missing a
// required entity.
func Match(mediaPath, sensorEntityName string) (*mediadev.Topology, error) {
	topo, err := mediadev.Discover(mediaPath, sensorEntityName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return topo, nil
}

// New opens the concrete video/subdev nodes topo resolved, wires them to
// a scheduler.Scheduler, and returns a Handler ready for
// GenerateConfiguration/Configure. channel is the IPA transport (a
// *ipa.ProcessChannel in production, a *ipa.LoopbackChannel in tests).
// cfg supplies the deployment's pipeline tuning; a nil cfg falls back to
// rkconfig.Default(). tel is optional telemetry; nil disables it.
func New(topo *mediadev.Topology, sensor SensorInfo, channel ipa.Channel, cfg *rkconfig.Config, tel telemetry.Bus, completeBuffer request.CompleteBufferFunc, completeRequest request.CompleteRequestFunc) (*Handler, error) {
	if cfg == nil {
		cfg = rkconfig.Default()
	}

	paramDev, err := mediadev.NewKernelDevice(topo.ParamsPath, v4l2io.BufTypeMetaOutput)
	if err != nil {
		return nil, fmt.Errorf("%w: open params device: %v", rkerr.ErrDeviceError, err)
	}
	statDev, err := mediadev.NewKernelDevice(topo.StatsPath, v4l2io.BufTypeMetaCapture)
	if err != nil {
		return nil, fmt.Errorf("%w: open statistics device: %v", rkerr.ErrDeviceError, err)
	}
	imageDev, err := mediadev.NewImageDevice(topo.MainPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open main path device: %v", rkerr.ErrDeviceError, err)
	}
	sensorDev, err := sensorctl.Open(topo.SensorPath, sensor.ControlMap)
	if err != nil {
		return nil, fmt.Errorf("%w: open sensor subdev: %v", rkerr.ErrDeviceError, err)
	}

	sched := scheduler.New(scheduler.Config{
		ParamDevice:          paramDev,
		StatDevice:           statDev,
		ImageDevice:          imageDev,
		SensorDevice:         sensorDev,
		Channel:              channel,
		CompleteBuffer:       completeBuffer,
		CompleteRequest:      completeRequest,
		Telemetry:            tel,
		IPATimeOffset:        cfg.IPATimeOffset(),
		NominalFrameInterval: cfg.NominalFrameInterval(),
		Delays:               cfg.TimelineDelays(),
	})

	return &Handler{
		topo:          topo,
		paramDev:      paramDev,
		statDev:       statDev,
		imageDev:      imageDev,
		sensor:        sensorDev,
		channel:       channel,
		sched:         sched,
		cfg:           cfg,
		sensorWidth:   sensor.Width,
		sensorHeight:  sensor.Height,
		controlInfo:   sensor.ControlInfo,
	}, nil
}

// GenerateConfiguration negotiates a requested width/height/pixel format
// against the fixed constraints in spec §6, without touching any device.
// Pass width=0, height=0 to get this handler's sensor-derived default
// size.
func (h *Handler) GenerateConfiguration(width, height int, pixelFormat string) StreamFormat {
	return negotiateFormat(width, height, pixelFormat, h.sensorWidth, h.sensorHeight)
}

// Configure applies format to the media-controller links, the main path
// node, and the sensor subdev. It must be called before AllocateBuffers
// and Start, and again whenever the stream geometry changes (after
// FreeBuffers/Stop, never while streaming).
func (h *Handler) Configure(format StreamFormat) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.topo.Configure(); err != nil {
		return fmt.Errorf("%w: media links: %v", rkerr.ErrDeviceError, err)
	}

	code, err := pixelFormatCode(format.PixelFormat)
	if err != nil {
		return err
	}
	if err := h.imageDev.SetFormat(format.Width, format.Height, code); err != nil {
		return fmt.Errorf("%w: main path format: %v", rkerr.ErrDeviceError, err)
	}

	if err := h.negotiateSensorFormat(format.Width, format.Height); err != nil {
		return err
	}

	if h.topo.ISPSubdevPath != "" {
		if err := sensorctl.SetSubdevFormat(h.topo.ISPSubdevPath, 2, format.Width, format.Height, mbusYUYV8_2X8); err != nil {
			return fmt.Errorf("%w: isp subdev pad 2: %v", rkerr.ErrDeviceError, err)
		}
	}

	h.format = format
	return nil
}

// negotiateSensorFormat tries sensorFormatSearchOrder in order against
// the sensor subdev's pad 0, stopping at the first one the driver
// accepts.
func (h *Handler) negotiateSensorFormat(width, height int) error {
	var lastErr error
	for _, code := range sensorFormatSearchOrder {
		if err := h.sensor.SetMediaBusFormat(0, width, height, code); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: no sensor media-bus format accepted: %v", rkerr.ErrDeviceError, lastErr)
}

// AllocateBuffers exports bufferCount+1 parameter and statistics
// buffers, the same count of image buffer slots on the main path node,
// registers every parameter/statistics buffer with the IPA, and binds
// the kernel devices' completion lookups to the new pools. A bufferCount
// of 0 uses the deployment's DefaultBufferCount.
func (h *Handler) AllocateBuffers(ctx context.Context, bufferCount int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if bufferCount <= 0 {
		bufferCount = h.cfg.DefaultBufferCount
	}
	if h.allocated {
		return fmt.Errorf("%w: buffers already allocated", rkerr.ErrInvalidRequest)
	}

	if err := h.imageDev.RequestBuffers(bufferCount); err != nil {
		return fmt.Errorf("%w: request image buffers: %v", rkerr.ErrDeviceError, err)
	}

	if err := h.sched.AllocateBuffers(ctx, bufferCount, h.paramDev, h.statDev); err != nil {
		_ = h.imageDev.RequestBuffers(0)
		return err
	}
	h.paramDev.SetPool(h.sched.ParamPool())
	h.statDev.SetPool(h.sched.StatPool())

	h.bufferCount = bufferCount
	h.allocated = true
	return nil
}

// FreeBuffers releases everything AllocateBuffers acquired, in reverse
// order: unmap/destroy the scheduler's pools first, then release the
// main path node's buffer slots.
func (h *Handler) FreeBuffers(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.allocated {
		return nil
	}

	if err := h.sched.FreeBuffers(ctx); err != nil {
		return err
	}
	h.paramDev.SetPool(nil)
	h.statDev.SetPool(nil)

	if err := h.imageDev.RequestBuffers(0); err != nil {
		return fmt.Errorf("%w: release image buffers: %v", rkerr.ErrDeviceError, err)
	}

	h.bufferCount = 0
	h.allocated = false
	return nil
}

// Start streams on the three video devices and configures the IPA with
// the negotiated stream format and the sensor's advertised control
// range. Configure and AllocateBuffers must have already succeeded.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	format := h.format
	h.mu.Unlock()

	stream := ipa.StreamConfig{Width: format.Width, Height: format.Height, Format: format.PixelFormat}
	return h.sched.Start(ctx, stream, h.controlInfo)
}

// Stop streams off every device and abandons any in-flight frames. Safe
// to call even if Start failed or was never called.
func (h *Handler) Stop() {
	h.sched.Stop()
}

// QueueRequest admits request as a new frame. See
// internal/scheduler.Scheduler.QueueRequest for the full contract.
func (h *Handler) QueueRequest(req *request.Request) error {
	return h.sched.QueueRequest(req)
}

// Close releases every device this Handler opened. Must be called after
// Stop and FreeBuffers; the Handler must not be used afterward.
func (h *Handler) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(h.sensor.Close())
	record(h.channel.Close())
	record(h.topo.Close())
	return firstErr
}
