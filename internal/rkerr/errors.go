// Package rkerr defines the sentinel error taxonomy shared by every
// internal package, so callers across the module boundary can use
// errors.Is regardless of which layer raised the error. pipeline/errors.go
// re-exports these as the module's public error values, the way
// framebus/api.go re-exports internal/bus's errors as its stable contract.
package rkerr

import "errors"

var (
	// ErrBufferUnderrun means no free parameter or statistics buffer was
	// available at queueRequest time.
	ErrBufferUnderrun = errors.New("rkisp1: buffer underrun")

	// ErrInvalidRequest means a Request lacks a buffer for the stream the
	// pipeline handler expects.
	ErrInvalidRequest = errors.New("rkisp1: invalid request")

	// ErrDeviceError wraps a kernel enqueue/format/stream-on failure.
	ErrDeviceError = errors.New("rkisp1: device error")

	// ErrIPALoadError means no IPA implementation could be located or
	// started.
	ErrIPALoadError = errors.New("rkisp1: ipa load error")

	// ErrNotFound means a lookup for an event whose frame has already been
	// destroyed (or never existed) came back empty. Expected for late
	// events; callers log at debug and drop the event, never treat it as a
	// hard failure.
	ErrNotFound = errors.New("rkisp1: not found")
)
