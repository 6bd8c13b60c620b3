// Package mediadev resolves the rkisp1 media-controller topology (the
// parameter, statistics, and main-path video nodes plus the ISP subdev,
// self-path, CSI-2 receiver, and sensor subdevice, all children of one
// /dev/mediaN node) and adapts the resulting v4l2io.Device handles to the
// scheduler's KernelBufferDevice, ImageDevice, and rkbuf.Importer
// contracts.
package mediadev

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rkisp1/campipe/internal/rkbuf"
	"github.com/rkisp1/campipe/internal/v4l2io"
	"github.com/rkisp1/campipe/request"
)

const (
	mediaIocDeviceInfo   = 0x80086d01
	mediaIocEnumEntities = 0xc0586d01
	mediaIocEnumLinks    = 0xc0206d03
	mediaIocSetupLink    = 0xc0186d04
)

// DeviceName is the fixed media-controller device name this package
// matches against, per the required topology.
const DeviceName = "rkisp1"

// Required entity names on the rkisp1 media graph. The sensor's own
// entity name has no fixed value (it is driver-specific) and is supplied
// by the caller's configuration instead.
const (
	EntityISPSubdev = "rkisp1-isp-subdev"
	EntityMainPath  = "rkisp1_mainpath"
	EntitySelfPath  = "rkisp1_selfpath"
	EntityStats     = "rkisp1-statistics"
	EntityParams    = "rkisp1-input-params"
	EntityDphy      = "rockchip-sy-mipi-dphy"
)

// mediaDeviceInfo mirrors the fields of struct media_device_info this
// package reads: driver, model, bus_info, version. Only model is used to
// confirm the device is rkisp1.
type mediaDeviceInfo struct {
	driver   [16]byte
	model    [32]byte
	busInfo  [32]byte
	version  uint32
	hwRev    uint32
	driverV  uint32
	_reserved [31]uint32
}

// entityDesc mirrors the fields of struct media_entity_desc this package
// reads: id, name, and the dev union's major/minor (populated by the
// kernel when the entity corresponds to a /dev/video* or
// /dev/v4l-subdev* node).
type entityDesc struct {
	id    uint32
	name  [32]byte
	typ   uint32
	_rev  uint32
	flags uint32
	_pad  [5]uint32
	major uint32
	minor uint32
	_pad2 [4]uint32
}

// mediaPadDesc mirrors struct media_pad_desc.
type mediaPadDesc struct {
	entity   uint32
	index    uint16
	flags    uint16
	_reserved [2]uint32
}

// mediaLinkDesc mirrors struct media_link_desc.
type mediaLinkDesc struct {
	source    mediaPadDesc
	sink      mediaPadDesc
	flags     uint32
	_reserved [2]uint32
}

// mediaLinksEnum mirrors struct media_links_enum for a single entity:
// the kernel fills pads and links up to the counts this package
// allocated room for.
type mediaLinksEnum struct {
	entity    uint32
	pads      uintptr // *mediaPadDesc
	links     uintptr // *mediaLinkDesc
	_reserved [4]uint32
}

const (
	mediaLnkFlEnabled   = 1 << 0
	mediaLnkFlImmutable = 1 << 1
)

// link is a resolved source-entity -> sink-entity link the caller can
// enable or disable.
type link struct {
	sourceEntity, sinkEntity uint32
	sourcePad, sinkPad       uint16
	flags                    uint32
}

// Topology is the resolved set of device nodes and entity identities one
// rkisp1 instance needs. Paths are /dev nodes for entities that have one;
// IDs are media-entity identifiers used for link setup.
type Topology struct {
	ParamsPath    string
	StatsPath     string
	MainPath      string
	SensorPath    string
	ISPSubdevPath string

	ispSubdevID uint32
	mainPathID  uint32
	selfPathID  uint32
	dphyID      uint32
	sensorID    uint32

	mediaFd int
}

// Discover opens mediaPath, confirms its model name matches DeviceName,
// and walks its entities looking for the six fixed rkisp1 entity names
// plus sensorEntityName (supplied by the caller's configuration, since
// the sensor's media-entity name is driver-specific and has no fixed
// value the way the ISP's internal entities do).
//
// The returned Topology keeps mediaPath's file descriptor open, so
// Configure can later enumerate and set up links; callers must call
// Close when done with the topology.
func Discover(mediaPath string, sensorEntityName string) (*Topology, error) {
	fd, err := unix.Open(mediaPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("mediadev: open %s: %w", mediaPath, err)
	}

	if err := checkDeviceName(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}

	topo := &Topology{mediaFd: fd}
	ids := map[string]*uint32{
		EntityISPSubdev: &topo.ispSubdevID,
		EntityMainPath:  &topo.mainPathID,
		EntitySelfPath:  &topo.selfPathID,
		EntityDphy:      &topo.dphyID,
		sensorEntityName: &topo.sensorID,
	}
	paths := map[string]*string{
		EntityParams:     &topo.ParamsPath,
		EntityStats:      &topo.StatsPath,
		EntityMainPath:   &topo.MainPath,
		EntityISPSubdev:  &topo.ISPSubdevPath,
		sensorEntityName: &topo.SensorPath,
	}

	found := map[string]bool{}
	for id := uint32(0); ; {
		desc := entityDesc{id: id | (1 << 31)} // MEDIA_ENT_ID_FLAG_NEXT
		if err := ioctl(fd, mediaIocEnumEntities, unsafe.Pointer(&desc)); err != nil {
			break // ENODATA/EINVAL: no more entities
		}
		id = desc.id

		name := cString(desc.name[:])
		found[name] = true
		if dst, ok := ids[name]; ok {
			*dst = desc.id
		}
		if dst, ok := paths[name]; ok && (desc.major != 0 || desc.minor != 0) {
			path, err := resolveDevNode(desc.major, desc.minor)
			if err != nil {
				unix.Close(fd)
				return nil, fmt.Errorf("mediadev: resolve node for entity %q: %w", name, err)
			}
			*dst = path
		}
	}

	required := []string{EntityISPSubdev, EntityMainPath, EntitySelfPath, EntityStats, EntityParams, EntityDphy, sensorEntityName}
	var missing []string
	for _, name := range required {
		if !found[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("mediadev: entities not found on %s: %s", mediaPath, strings.Join(missing, ", "))
	}
	if topo.ParamsPath == "" || topo.StatsPath == "" || topo.MainPath == "" || topo.SensorPath == "" {
		unix.Close(fd)
		return nil, fmt.Errorf("mediadev: required device node missing on %s", mediaPath)
	}
	return topo, nil
}

// Close releases the media device's file descriptor.
func (t *Topology) Close() error {
	return unix.Close(t.mediaFd)
}

// dphyLinkAction classifies a link touching the dphy entity during
// Configure: whether it belongs to the sensor/ISP wiring at all and, if
// so, whether it should end up enabled. Every other sensor feeding the
// dphy besides activeSensorID is disabled: at most one sensor may feed
// the ISP at a time.
func dphyLinkAction(l link, activeSensorID, dphyID, ispSubdevID uint32) (relevant, enable bool) {
	switch {
	case l.sinkEntity == dphyID:
		return true, l.sourceEntity == activeSensorID
	case l.sourceEntity == dphyID && l.sinkEntity == ispSubdevID:
		return true, true
	default:
		return false, false
	}
}

// Configure sets up the active sensor's link into the dphy and the
// fixed dphy-to-isp and isp-to-mainpath links, disabling every other
// sensor-to-dphy link found on the graph.
func (t *Topology) Configure() error {
	dphyLinks, err := t.enumLinks(t.dphyID)
	if err != nil {
		return fmt.Errorf("mediadev: enumerate dphy links: %w", err)
	}
	for _, l := range dphyLinks {
		relevant, enable := dphyLinkAction(l, t.sensorID, t.dphyID, t.ispSubdevID)
		if !relevant {
			continue
		}
		if !enable {
			slog.Info("mediadev: disabling inactive sensor link", "source_entity", l.sourceEntity, "sink_entity", l.sinkEntity)
		}
		if err := t.setupLink(l, enable); err != nil {
			return fmt.Errorf("mediadev: set up link (entity %d -> %d, enable=%v): %w", l.sourceEntity, l.sinkEntity, enable, err)
		}
	}

	ispLinks, err := t.enumLinks(t.ispSubdevID)
	if err != nil {
		return fmt.Errorf("mediadev: enumerate isp links: %w", err)
	}
	for _, l := range ispLinks {
		if l.sourceEntity == t.ispSubdevID && l.sinkEntity == t.mainPathID {
			if err := t.setupLink(l, true); err != nil {
				return fmt.Errorf("mediadev: enable isp->mainpath link: %w", err)
			}
		}
	}
	return nil
}

// enumLinks returns every link touching entity, via MEDIA_IOC_ENUM_LINKS.
// A fixed-size scratch buffer is used for pads/links since this graph
// never has more than a handful of either per entity.
func (t *Topology) enumLinks(entity uint32) ([]link, error) {
	const maxPadsLinks = 16
	pads := make([]mediaPadDesc, maxPadsLinks)
	links := make([]mediaLinkDesc, maxPadsLinks)

	le := mediaLinksEnum{
		entity: entity,
		pads:   uintptr(unsafe.Pointer(&pads[0])),
		links:  uintptr(unsafe.Pointer(&links[0])),
	}
	if err := ioctl(t.mediaFd, mediaIocEnumLinks, unsafe.Pointer(&le)); err != nil {
		return nil, err
	}

	out := make([]link, 0, maxPadsLinks)
	for _, l := range links {
		if l.source.entity == 0 && l.sink.entity == 0 {
			continue
		}
		out = append(out, link{
			sourceEntity: l.source.entity,
			sourcePad:    l.source.index,
			sinkEntity:   l.sink.entity,
			sinkPad:      l.sink.index,
			flags:        l.flags,
		})
	}
	return out, nil
}

// setupLink enables or disables l via MEDIA_IOC_SETUP_LINK, preserving
// MEDIA_LNK_FL_IMMUTABLE if it was already set (an immutable link cannot
// be changed, and the kernel rejects trying).
func (t *Topology) setupLink(l link, enable bool) error {
	if l.flags&mediaLnkFlImmutable != 0 {
		return nil
	}
	flags := l.flags &^ mediaLnkFlEnabled
	if enable {
		flags |= mediaLnkFlEnabled
	}
	desc := mediaLinkDesc{
		source: mediaPadDesc{entity: l.sourceEntity, index: l.sourcePad},
		sink:   mediaPadDesc{entity: l.sinkEntity, index: l.sinkPad},
		flags:  flags,
	}
	return ioctl(t.mediaFd, mediaIocSetupLink, unsafe.Pointer(&desc))
}

func checkDeviceName(fd int) error {
	var info mediaDeviceInfo
	if err := ioctl(fd, mediaIocDeviceInfo, unsafe.Pointer(&info)); err != nil {
		return fmt.Errorf("mediadev: device info: %w", err)
	}
	model := cString(info.model[:])
	if !strings.HasPrefix(model, DeviceName) {
		return fmt.Errorf("mediadev: %w: model %q does not match %q", errNotRkisp1, model, DeviceName)
	}
	return nil
}

var errNotRkisp1 = fmt.Errorf("media device is not an rkisp1")

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// resolveDevNode follows the /sys/dev/char/major:minor symlink the
// kernel maintains for every character device, to recover its /dev path
// without guessing video0/video1/... numbering.
func resolveDevNode(major, minor uint32) (string, error) {
	sysPath := fmt.Sprintf("/sys/dev/char/%d:%d", major, minor)
	target, err := os.Readlink(sysPath)
	if err != nil {
		return "", err
	}
	return "/dev/" + lastPathElement(target), nil
}

func lastPathElement(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// KernelDevice adapts a v4l2io.Device bound to a meta capture/output node
// (the parameter or statistics video node) to scheduler.KernelBufferDevice
// and rkbuf.Importer. The rkbuf.Pool it allocates via ExportBuffers must
// be handed back with SetPool before streaming starts, so completions can
// be resolved back to the *rkbuf.Buffer the scheduler handed out.
type KernelDevice struct {
	dev *v4l2io.Device

	mu        sync.Mutex
	pool      *rkbuf.Pool
	completed func(buf *rkbuf.Buffer)
}

// NewKernelDevice opens path as a meta device bound to bufType (one of
// v4l2io.BufTypeMetaOutput for parameters, v4l2io.BufTypeMetaCapture for
// statistics).
func NewKernelDevice(path string, bufType uint32) (*KernelDevice, error) {
	dev, err := v4l2io.Open(path, bufType)
	if err != nil {
		return nil, err
	}
	return &KernelDevice{dev: dev}, nil
}

// SetPool binds the rkbuf.Pool this device's buffers were allocated
// into, so completion indices can be resolved to a *rkbuf.Buffer.
func (d *KernelDevice) SetPool(pool *rkbuf.Pool) {
	d.mu.Lock()
	d.pool = pool
	d.mu.Unlock()
}

// ExportBuffers implements rkbuf.Importer: it requests count DMABUF
// buffer slots from the kernel and exports each one's backing memory as
// a single plane.
func (d *KernelDevice) ExportBuffers(count int) ([][]rkbuf.Plane, error) {
	if err := d.dev.RequestBuffers(count); err != nil {
		return nil, err
	}

	planeSets := make([][]rkbuf.Plane, count)
	for i := 0; i < count; i++ {
		length, _, err := d.dev.QueryBuffer(uint32(i))
		if err != nil {
			return nil, err
		}
		fd, err := d.dev.ExportBuffer(uint32(i))
		if err != nil {
			return nil, err
		}
		plane, err := rkbuf.NewPlane(uintptr(fd), int(length))
		if err != nil {
			return nil, err
		}
		planeSets[i] = []rkbuf.Plane{plane}
	}
	return planeSets, nil
}

func (d *KernelDevice) StreamOn() error  { return d.dev.StreamOn() }
func (d *KernelDevice) StreamOff() error { return d.dev.StreamOff() }

// Enqueue queues buf's single plane to the kernel by its pool index.
func (d *KernelDevice) Enqueue(buf *rkbuf.Buffer) error {
	return d.dev.QueueBuffer(buf.Index, int(buf.Planes[0].FD))
}

// SetCompletionFunc registers fn and wires it to the underlying
// v4l2io.Device's dequeue loop, resolving each completed index back to
// the bound pool's *rkbuf.Buffer.
func (d *KernelDevice) SetCompletionFunc(fn func(buf *rkbuf.Buffer)) {
	d.mu.Lock()
	d.completed = fn
	d.mu.Unlock()

	d.dev.SetCompletionFunc(func(index, _ uint32, _ uint32, _ time.Time) {
		d.mu.Lock()
		pool, fn := d.pool, d.completed
		d.mu.Unlock()
		if pool == nil || fn == nil || int(index) >= pool.Len() {
			return
		}
		fn(pool.At(int(index)))
	})
}

// ImageDevice adapts a v4l2io.Device bound to the main capture video node
// to scheduler.ImageDevice. Unlike KernelDevice, buffers are owned by the
// application (request.Buffer), so this type tracks in-flight buffers by
// index itself rather than needing a pool handed in.
type ImageDevice struct {
	dev *v4l2io.Device

	mu        sync.Mutex
	inflight  map[uint32]*request.Buffer
	completed func(buf *request.Buffer, sequence uint32, timestamp time.Time)
}

// NewImageDevice opens path as the main video capture node.
func NewImageDevice(path string) (*ImageDevice, error) {
	dev, err := v4l2io.Open(path, v4l2io.BufTypeVideoCapture)
	if err != nil {
		return nil, err
	}
	return &ImageDevice{dev: dev, inflight: make(map[uint32]*request.Buffer)}, nil
}

// RequestBuffers allocates count buffer slots on the main video node.
// Unlike the parameter/statistics nodes, this package does not export
// these buffers itself: the application supplies and dma-buf-exports its
// own output buffers, one per request.Buffer, bound to a slot index by
// the pipeline facade at configure time.
func (d *ImageDevice) RequestBuffers(count int) error {
	return d.dev.RequestBuffers(count)
}

func (d *ImageDevice) SetFormat(width, height int, pixelFormat uint32) error {
	return d.dev.SetFormat(width, height, pixelFormat)
}

func (d *ImageDevice) StreamOn() error  { return d.dev.StreamOn() }
func (d *ImageDevice) StreamOff() error { return d.dev.StreamOff() }

func (d *ImageDevice) Enqueue(buf *request.Buffer) error {
	d.mu.Lock()
	d.inflight[buf.Index] = buf
	d.mu.Unlock()
	return d.dev.QueueBuffer(buf.Index, int(buf.FD))
}

func (d *ImageDevice) SetCompletionFunc(fn func(buf *request.Buffer, sequence uint32, timestamp time.Time)) {
	d.mu.Lock()
	d.completed = fn
	d.mu.Unlock()

	d.dev.SetCompletionFunc(func(index, _ uint32, sequence uint32, ts time.Time) {
		d.mu.Lock()
		buf, ok := d.inflight[index]
		delete(d.inflight, index)
		fn := d.completed
		d.mu.Unlock()
		if !ok || fn == nil {
			return
		}
		fn(buf, sequence, ts)
	})
}
