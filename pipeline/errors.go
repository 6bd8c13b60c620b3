package pipeline

import "github.com/rkisp1/campipe/internal/rkerr"

// Public API errors - Re-export internal errors as stable contract

var (
	// ErrBufferUnderrun means no free parameter or statistics buffer was
	// available at QueueRequest time.
	ErrBufferUnderrun = rkerr.ErrBufferUnderrun

	// ErrInvalidRequest means a Request lacks a buffer for the stream the
	// handler expects, or was queued before Start.
	ErrInvalidRequest = rkerr.ErrInvalidRequest

	// ErrDeviceError wraps a kernel enqueue/format/stream-on failure.
	ErrDeviceError = rkerr.ErrDeviceError

	// ErrIPALoadError means the IPA process could not be started or
	// configured.
	ErrIPALoadError = rkerr.ErrIPALoadError

	// ErrNotFound means Match found no media device satisfying the
	// required topology.
	ErrNotFound = rkerr.ErrNotFound
)
