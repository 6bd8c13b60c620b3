// Package sensorctl sets sensor controls (exposure, analogue gain,
// colour gains) through a V4L2 subdevice node's extended-controls ioctl,
// and negotiates the subdev's media-bus pad format during pipeline
// configuration. It is the concrete backing for the scheduler's
// SensorDevice interface, plus the pipeline facade's format negotiation.
package sensorctl

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Control class and ioctl request codes this package needs.
const (
	ctrlClassCamera = 0x009a0000

	vidiocSCtrl      = 0xc008561c
	vidiocSExtCtrls  = 0xc0205648
	vidiocSubdevSFmt = 0xc0585657
)

// ControlMap translates the Scheduler's int-keyed control ids (mirroring
// request.ControlID without this leaf package importing that one) into
// the V4L2_CID_* values the kernel driver expects. The pipeline facade
// builds this once from the sensor's advertised control range at
// configure time.
type ControlMap map[int]uint32

// Sensor is an open V4L2 subdevice bound to a fixed ControlMap.
type Sensor struct {
	fd      int
	ids     ControlMap
	mu      sync.Mutex
}

// Open opens the subdevice node at path (typically /dev/v4l-subdevN).
func Open(path string, ids ControlMap) (*Sensor, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("sensorctl: open %s: %w", path, err)
	}
	return &Sensor{fd: fd, ids: ids}, nil
}

// Close closes the subdevice node.
func (s *Sensor) Close() error {
	return unix.Close(s.fd)
}

// v4l2Control mirrors struct v4l2_control, for a single 32-bit control.
type v4l2Control struct {
	id    uint32
	value int32
}

// v4l2ExtControl mirrors struct v4l2_ext_control's 64-bit-value case,
// which covers every control this pipeline ever writes (exposure,
// analogue gain, and the two white-balance gains all fit in an int64).
type v4l2ExtControl struct {
	id       uint32
	size     uint32
	_padding uint32
	value64  int64
	_pad     [8]byte
}

// v4l2ExtControls mirrors struct v4l2_ext_controls.
type v4l2ExtControls struct {
	ctrlClass uint32
	count     uint32
	errorIdx  uint32
	_reserved [2]uint32
	controls  unsafe.Pointer
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// SetControls writes every control in controls (keyed the same way the
// scheduler's IPA V4L2_SET action carries them) in a single
// VIDIOC_S_EXT_CTRLS call, for atomicity: the sensor driver applies every
// control from one ioctl at the same frame boundary.
func (s *Sensor) SetControls(controls map[int]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(controls) == 0 {
		return nil
	}

	ext := make([]v4l2ExtControl, 0, len(controls))
	for key, v := range controls {
		id, ok := s.ids[key]
		if !ok {
			return fmt.Errorf("sensorctl: no V4L2 control id mapped for control %d", key)
		}
		ext = append(ext, v4l2ExtControl{id: id, value64: toInt64(v)})
	}

	ecs := v4l2ExtControls{
		ctrlClass: ctrlClassCamera,
		count:     uint32(len(ext)),
		controls:  unsafe.Pointer(&ext[0]),
	}
	if err := ioctl(s.fd, vidiocSExtCtrls, unsafe.Pointer(&ecs)); err != nil {
		return fmt.Errorf("sensorctl: VIDIOC_S_EXT_CTRLS (failed at index %d): %w", ecs.errorIdx, err)
	}
	return nil
}

// toInt64 widens whatever numeric type a control value arrived as. The
// IPA wire protocol (internal/ipa) round-trips controls through msgpack,
// which can decode integers as any of these depending on magnitude.
func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}

// SetSingleControl writes one control via the simpler VIDIOC_S_CTRL
// ioctl, for callers that only ever need one value at a time (the
// pipeline facade's manual control API outside of streaming).
func (s *Sensor) SetSingleControl(id uint32, value int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := v4l2Control{id: id, value: value}
	if err := ioctl(s.fd, vidiocSCtrl, unsafe.Pointer(&c)); err != nil {
		return fmt.Errorf("sensorctl: VIDIOC_S_CTRL id=%d: %w", id, err)
	}
	return nil
}

// v4l2MbusFramefmt mirrors struct v4l2_mbus_framefmt.
type v4l2MbusFramefmt struct {
	width, height uint32
	code          uint32
	field         uint32
	colorspace    uint32
	flags         uint32
	quantization  uint32
	xferFunc      uint32
	_reserved     [8]uint16
}

// v4l2SubdevFormat mirrors struct v4l2_subdev_format.
type v4l2SubdevFormat struct {
	which  uint32
	pad    uint32
	format v4l2MbusFramefmt
	_pad   [8]uint32
}

const subdevFormatActive = 1 // V4L2_SUBDEV_FORMAT_ACTIVE

// SetMediaBusFormat negotiates this subdev's pad via VIDIOC_SUBDEV_S_FMT,
// used both for the sensor's own pad (the Bayer-order/bit-depth search in
// spec §6) and, through SetSubdevFormat, for forcing the ISP subdev's
// output pad.
func (s *Sensor) SetMediaBusFormat(pad int, width, height int, code uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := v4l2SubdevFormat{which: subdevFormatActive, pad: uint32(pad)}
	f.format.width = uint32(width)
	f.format.height = uint32(height)
	f.format.code = code
	if err := ioctl(s.fd, vidiocSubdevSFmt, unsafe.Pointer(&f)); err != nil {
		return fmt.Errorf("sensorctl: VIDIOC_SUBDEV_S_FMT pad=%d code=%#x: %w", pad, code, err)
	}
	return nil
}

// SetSubdevFormat is a one-shot variant of SetMediaBusFormat for a subdev
// the caller does not otherwise need a persistent Sensor handle for (the
// pipeline facade uses it to force the ISP subdev's output pad to
// YUYV8_2X8 without opening a full sensorctl.Sensor for it).
func SetSubdevFormat(path string, pad int, width, height int, code uint32) error {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("sensorctl: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	f := v4l2SubdevFormat{which: subdevFormatActive, pad: uint32(pad)}
	f.format.width = uint32(width)
	f.format.height = uint32(height)
	f.format.code = code
	if err := ioctl(fd, vidiocSubdevSFmt, unsafe.Pointer(&f)); err != nil {
		return fmt.Errorf("sensorctl: VIDIOC_SUBDEV_S_FMT %s pad=%d code=%#x: %w", path, pad, code, err)
	}
	return nil
}
