package scheduler

import (
	"time"

	"github.com/rkisp1/campipe/internal/rkbuf"
	"github.com/rkisp1/campipe/request"
)

// KernelBufferDevice is the video-device collaborator for the parameter
// and statistics video nodes: both move rkbuf.Buffer handles in and out
// of the kernel and have no per-buffer metadata beyond identity.
// Completion is delivered by calling the function registered through
// SetCompletionFunc, per the source's signals-to-registered-callback
// rearchitecture.
type KernelBufferDevice interface {
	StreamOn() error
	StreamOff() error
	Enqueue(buf *rkbuf.Buffer) error
	SetCompletionFunc(fn func(buf *rkbuf.Buffer))
}

// ImageDevice is the video-device collaborator for the main capture
// node. Its completion callback additionally carries the kernel sequence
// number and timestamp the Timeline needs to anchor start-of-exposure.
type ImageDevice interface {
	StreamOn() error
	StreamOff() error
	Enqueue(buf *request.Buffer) error
	SetCompletionFunc(fn func(buf *request.Buffer, sequence uint32, timestamp time.Time))
}

// SensorDevice is the sensor-control collaborator: it exposes just enough
// surface for the scheduler to apply a V4L2_SET action's controls.
// Enumerating supported controls and formats belongs to the pipeline
// facade's configuration path, not the scheduler.
type SensorDevice interface {
	SetControls(controls map[int]interface{}) error
}
