// Package ipa implements the messaging adapter between the scheduler and
// an out-of-process Image Processing Algorithm: the buffer-id wire
// encoding, the outbound event catalogue (QUEUE_REQUEST,
// SIGNAL_STAT_BUFFER), and the inbound action catalogue (V4L2_SET,
// PARAM_FILLED, METADATA) the algorithm replies with.
package ipa

import "context"

// StreamConfig is the minimal stream description the IPA needs at
// configure time: pixel format and dimensions of the image stream it is
// tuning for.
type StreamConfig struct {
	Width  int
	Height int
	Format string
}

// SensorControlInfo advertises the sensor's writable control range to the
// IPA, keyed the same way request.ControlID values are (kept as int here
// to avoid this leaf package importing the request package).
type SensorControlInfo struct {
	Controls map[int]ControlRange
}

// ControlRange is an inclusive [Min, Max] bound on a sensor control, plus
// its default value.
type ControlRange struct {
	Min, Max, Default int64
}

// Channel is the bidirectional asynchronous message channel with the IPA
// process. Configure is called once at start; MapBuffers/UnmapBuffers
// bracket buffer lifetime; ProcessEvent sends a fire-and-forget outbound
// message; SetQueueFrameActionFunc registers the inbound callback.
type Channel interface {
	Configure(ctx context.Context, stream StreamConfig, sensor SensorControlInfo) error
	MapBuffers(ctx context.Context, mappings []BufferMapping) error
	UnmapBuffers(ctx context.Context, ids []BufferID) error
	ProcessEvent(ctx context.Context, ev Event) error
	SetQueueFrameActionFunc(fn QueueFrameActionFunc)
	Close() error
}
