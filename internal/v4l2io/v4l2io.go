// Package v4l2io wraps the V4L2 ioctl surface the rkisp1 video nodes need:
// format negotiation, buffer request/export/queue/dequeue, and stream
// on/off. No cgo: every ioctl is a raw unix.Syscall against the numeric
// VIDIOC_* request codes, the buffer memory type is always DMABUF (the
// kernel never owns the backing memory; rkbuf's Pool/Importer does), and
// dequeue completions are delivered by a dedicated poll loop goroutine
// per device rather than by the caller blocking in DQBUF.
package v4l2io

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Buffer type constants (linux/videodev2.h's enum v4l2_buf_type).
const (
	BufTypeVideoCapture = 1
	BufTypeVideoOutput  = 2
	BufTypeMetaCapture  = 13
	BufTypeMetaOutput   = 14
)

// Memory type constants (enum v4l2_memory). This package only ever uses
// DMABUF: buffers are allocated and exported elsewhere (an exporting
// video node, or a dedicated allocator) and imported here by file
// descriptor.
const (
	MemoryMMAP   = 1
	MemoryDMABUF = 4
)

// Field constant for progressive (non-interlaced) capture.
const FieldNone = 7

// Ioctl request codes, hardcoded the way every pure-Go (non-cgo) V4L2
// binding in the ecosystem does it: these are architecture-independent
// on amd64/arm64 (the ioctl number encodes a struct size that happens to
// match on both), which is the only pair this module targets.
const (
	vidiocQueryCap  = 0x80685600
	vidiocReqBufs   = 0xc0145608
	vidiocQueryBuf  = 0xc0585609
	vidiocQBuf      = 0xc058560f
	vidiocDQBuf     = 0xc0585611
	vidiocStreamOn  = 0x40045612
	vidiocStreamOff = 0x40045613
	vidiocSFmt      = 0xc0d05605
	vidiocGFmt      = 0xc0d05604
	vidiocExpBuf    = 0xc0405610
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// v4l2PixFormat mirrors struct v4l2_pix_format (single-planar), padded to
// match the kernel's layout for the fields this package sets.
type v4l2PixFormat struct {
	width, height       uint32
	pixelFormat         uint32
	field               uint32
	bytesPerLine        uint32
	sizeImage           uint32
	colorspace          uint32
	priv                uint32
	flags               uint32
	ycbcrOrHsvEnc       uint32
	quantization        uint32
	xferFunc            uint32
}

// v4l2Format mirrors struct v4l2_format for the VIDEO_CAPTURE/
// VIDEO_OUTPUT/META_* single-planar union member, oversized to match the
// kernel's 200-byte union regardless of which member is active.
type v4l2Format struct {
	typ  uint32
	pix  v4l2PixFormat
	_pad [200 - 11*4]byte
}

// v4l2RequestBuffers mirrors struct v4l2_requestbuffers.
type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	_reserved    [3]uint8
}

// v4l2Buffer mirrors struct v4l2_buffer for the single-planar case. m is
// the union's widest member (offset/userptr/fd/planes pointer); this
// package only ever reads the fd member (DMABUF) or the offset member
// (MMAP, used only for metadata devices that predate DMABUF export on
// some platforms).
type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesUsed uint32
	flags     uint32
	field     uint32
	timestamp [16]byte
	timecode  [44]byte
	sequence  uint32
	memory    uint32
	m         int64 // offset (uint32) or fd (int32), widened to the union's pointer-sized slot
	length    uint32
	reserved2 uint32
	requestFD int32
}

// Device is an open V4L2 video node, bound to a single buffer type
// (capture or output, meta or video).
type Device struct {
	fd      int
	bufType uint32

	mu        sync.Mutex
	completed func(index uint32, bytesUsed uint32, sequence uint32, timestamp time.Time)
	stop      chan struct{}
	wg        sync.WaitGroup
}

// Open opens path and binds the device to bufType (one of the BufType*
// constants).
func Open(path string, bufType uint32) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("v4l2io: open %s: %w", path, err)
	}
	return &Device{fd: fd, bufType: bufType}, nil
}

// Close closes the underlying file descriptor. The caller must have
// already stopped any running dequeue loop via StreamOff.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// Fd returns the underlying file descriptor, for callers (mediadev) that
// need to pass it to a media-controller ioctl.
func (d *Device) Fd() int { return d.fd }

// SetFormat negotiates width/height/pixelFormat via VIDIOC_S_FMT.
func (d *Device) SetFormat(width, height int, pixelFormat uint32) error {
	f := v4l2Format{typ: d.bufType}
	f.pix.width = uint32(width)
	f.pix.height = uint32(height)
	f.pix.pixelFormat = pixelFormat
	f.pix.field = FieldNone
	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return fmt.Errorf("v4l2io: VIDIOC_S_FMT: %w", err)
	}
	return nil
}

// RequestBuffers asks the kernel to allocate count DMABUF-backed buffer
// slots (count==0 releases every previously requested buffer).
func (d *Device) RequestBuffers(count int) error {
	rb := v4l2RequestBuffers{count: uint32(count), typ: d.bufType, memory: MemoryMMAP}
	if err := ioctl(d.fd, vidiocReqBufs, unsafe.Pointer(&rb)); err != nil {
		return fmt.Errorf("v4l2io: VIDIOC_REQBUFS: %w", err)
	}
	return nil
}

// QueryBuffer returns the length and mmap offset of buffer slot index,
// for mapping it into user space (and subsequently exporting its dma-buf
// fd via ExportBuffer).
func (d *Device) QueryBuffer(index uint32) (length uint32, offset uint32, err error) {
	qb := v4l2Buffer{index: index, typ: d.bufType, memory: MemoryMMAP}
	if err := ioctl(d.fd, vidiocQueryBuf, unsafe.Pointer(&qb)); err != nil {
		return 0, 0, fmt.Errorf("v4l2io: VIDIOC_QUERYBUF: %w", err)
	}
	return qb.length, uint32(qb.m), nil
}

// ExportBuffer returns a dma-buf file descriptor for buffer slot index
// via VIDIOC_EXPBUF, so the buffer can be shared with the ISP kernel
// driver and the IPA without a copy.
func (d *Device) ExportBuffer(index uint32) (fd int, err error) {
	eb := struct {
		typ    uint32
		index  uint32
		plane  uint32
		fd     int32
		flags  uint32
		_pad   [11]uint32
	}{typ: d.bufType, index: index}
	if err := ioctl(d.fd, vidiocExpBuf, unsafe.Pointer(&eb)); err != nil {
		return -1, fmt.Errorf("v4l2io: VIDIOC_EXPBUF: %w", err)
	}
	return int(eb.fd), nil
}

// QueueBuffer enqueues buffer slot index, bound to the dma-buf fd buf,
// for the kernel to fill (capture) or consume (output).
func (d *Device) QueueBuffer(index uint32, fd int) error {
	qb := v4l2Buffer{index: index, typ: d.bufType, memory: MemoryDMABUF, m: int64(fd)}
	if err := ioctl(d.fd, vidiocQBuf, unsafe.Pointer(&qb)); err != nil {
		return fmt.Errorf("v4l2io: VIDIOC_QBUF: %w", err)
	}
	return nil
}

// SetCompletionFunc registers the callback StreamOn's dequeue loop
// invokes for every buffer the kernel returns.
func (d *Device) SetCompletionFunc(fn func(index uint32, bytesUsed uint32, sequence uint32, timestamp time.Time)) {
	d.mu.Lock()
	d.completed = fn
	d.mu.Unlock()
}

// decodeTimestamp reads the kernel's struct timeval (two native-endian
// int64 fields: tv_sec, tv_usec) out of a dequeued buffer's raw
// timestamp bytes.
func decodeTimestamp(raw [16]byte) time.Time {
	sec := int64(binary.LittleEndian.Uint64(raw[0:8]))
	usec := int64(binary.LittleEndian.Uint64(raw[8:16]))
	return time.Unix(sec, usec*1000)
}

// StreamOn enables streaming and starts the background dequeue loop that
// polls the device for completed buffers and calls the registered
// completion function for each.
func (d *Device) StreamOn() error {
	typ := d.bufType
	if err := ioctl(d.fd, vidiocStreamOn, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("v4l2io: VIDIOC_STREAMON: %w", err)
	}

	d.mu.Lock()
	d.stop = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go d.dequeueLoop()
	return nil
}

// StreamOff disables streaming, which also returns every outstanding
// buffer to user ownership, and stops the dequeue loop.
func (d *Device) StreamOff() error {
	typ := d.bufType
	err := ioctl(d.fd, vidiocStreamOff, unsafe.Pointer(&typ))

	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
		d.wg.Wait()
	}

	if err != nil {
		return fmt.Errorf("v4l2io: VIDIOC_STREAMOFF: %w", err)
	}
	return nil
}

// dequeueLoop polls the device fd for readability and dequeues every
// buffer the kernel has completed, until StreamOff closes d.stop.
func (d *Device) dequeueLoop() {
	defer d.wg.Done()

	pollFds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	for {
		d.mu.Lock()
		stop := d.stop
		d.mu.Unlock()
		if stop == nil {
			return
		}

		select {
		case <-stop:
			return
		default:
		}

		n, err := unix.Poll(pollFds, 100)
		if err != nil || n == 0 {
			continue
		}

		dq := v4l2Buffer{typ: d.bufType, memory: MemoryDMABUF}
		if err := ioctl(d.fd, vidiocDQBuf, unsafe.Pointer(&dq)); err != nil {
			continue
		}

		d.mu.Lock()
		fn := d.completed
		d.mu.Unlock()
		if fn != nil {
			fn(dq.index, dq.bytesUsed, dq.sequence, decodeTimestamp(dq.timestamp))
		}
	}
}
