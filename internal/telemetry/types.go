package telemetry

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Internal errors - mapped to public behaviour through returned values,
// matching the pattern pipeline/errors.go uses to re-export internal/rkerr.
var (
	ErrBusClosed          = errors.New("telemetry: bus is closed")
	ErrSubscriberExists   = errors.New("telemetry: subscriber already exists")
	ErrSubscriberNotFound = errors.New("telemetry: subscriber not found")
	ErrNilChannel         = errors.New("telemetry: nil channel provided")
	ErrReceiverClosed     = errors.New("telemetry: receiver is closed")
)

// DropPolicy controls what a subscriber does when it cannot keep up with
// the rate of published events.
type DropPolicy int

const (
	// DropNew drops the incoming event when the subscriber's channel is
	// full (backpressure): the subscriber sees every event it can keep up
	// with, then gaps.
	DropNew DropPolicy = iota
	// DropOld keeps only the most recently published event, overwriting
	// whatever a DropOld subscriber hasn't yet read.
	DropOld
)

// EventKind names the scheduler-observable occurrences this bus fans out.
// It is deliberately coarser than internal/ipa's wire Op set: telemetry is
// for observability, not for driving pipeline state.
type EventKind int

const (
	// FrameQueued fires when a Request is accepted and a FrameInfo is
	// created for it (Scheduler.QueueRequest).
	FrameQueued EventKind = iota
	// StartOfExposure fires when the image device reports a frame's
	// start-of-exposure timestamp (Scheduler's image BufferReady path).
	StartOfExposure
	// BufferReady fires on every kernel buffer completion (parameter,
	// statistics, or image) that the Scheduler observes.
	BufferReady
	// ParamFilled fires when the IPA reports it has finished writing a
	// frame's parameter buffer.
	ParamFilled
	// MetadataReady fires when the IPA delivers a frame's metadata.
	MetadataReady
	// RequestCompleted fires when a Request satisfies the completion
	// gate and is handed back to its caller.
	RequestCompleted
	// FrameAbandoned fires for every FrameInfo still in flight when the
	// Scheduler stops.
	FrameAbandoned
)

func (k EventKind) String() string {
	switch k {
	case FrameQueued:
		return "frame_queued"
	case StartOfExposure:
		return "start_of_exposure"
	case BufferReady:
		return "buffer_ready"
	case ParamFilled:
		return "param_filled"
	case MetadataReady:
		return "metadata_ready"
	case RequestCompleted:
		return "request_completed"
	case FrameAbandoned:
		return "frame_abandoned"
	default:
		return "unknown"
	}
}

// Event is one observable occurrence in a frame's lifecycle, carrying
// enough context for a subscriber to correlate it against a Request
// without reaching back into the scheduler.
type Event struct {
	Kind      EventKind
	Frame     uint32
	Sequence  uint32
	Timestamp time.Time
	Request   uuid.UUID
	Meta      map[string]interface{}
}

// EventReceiver provides blocking/non-blocking access to a DropOld
// subscriber's latest event.
type EventReceiver interface {
	Receive() Event
	TryReceive() (Event, bool)
	Close()
}

// SubscriberStats tracks how many events a subscriber actually received
// versus how many it missed to backpressure.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Bus fans scheduler lifecycle events out to any number of observability
// subscribers (logging sinks, metrics exporters, debug tooling) without
// ever blocking the caller that publishes them.
type Bus interface {
	Subscribe(id string, ch chan<- Event) error
	SubscribeDropOld(id string) (EventReceiver, error)
	Publish(event Event)
	Unsubscribe(id string) error
	Stats(id string) (*SubscriberStats, error)
	Close()
}
