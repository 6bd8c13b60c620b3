package rkbuf

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Plane is an owned mapping of a single DMA file descriptor. The mapped
// region is acquired lazily on first Mem access and released on Unmap.
//
// Invariant: Length > 0 once FD is set; Mem is either unset or a valid
// mapping of exactly Length bytes backed by FD.
type Plane struct {
	FD     uintptr
	Length int

	mem []byte
}

// NewPlane binds fd to a plane of the given length. It does not map the
// memory; call Mem to acquire the mapping lazily.
func NewPlane(fd uintptr, length int) (Plane, error) {
	if length <= 0 {
		return Plane{}, fmt.Errorf("rkbuf: plane length must be > 0, got %d", length)
	}
	return Plane{FD: fd, Length: length}, nil
}

// Mem returns the mapped region backing this plane, mapping it on first
// access via mmap(MAP_SHARED) over FD.
func (p *Plane) Mem() ([]byte, error) {
	if p.mem != nil {
		return p.mem, nil
	}
	mem, err := unix.Mmap(int(p.FD), 0, p.Length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("rkbuf: mmap fd=%d length=%d: %w", p.FD, p.Length, err)
	}
	p.mem = mem
	return p.mem, nil
}

// Unmap releases the mapped region, if one was acquired. Safe to call on
// an unmapped Plane.
func (p *Plane) Unmap() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	if err != nil {
		return fmt.Errorf("rkbuf: munmap fd=%d: %w", p.FD, err)
	}
	return nil
}

// Close releases the plane's mapping and the underlying file descriptor.
func (p *Plane) Close() error {
	unmapErr := p.Unmap()
	closeErr := unix.Close(int(p.FD))
	if unmapErr != nil {
		return unmapErr
	}
	if closeErr != nil {
		return fmt.Errorf("rkbuf: close fd=%d: %w", p.FD, closeErr)
	}
	return nil
}
