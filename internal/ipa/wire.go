package ipa

// BufferID is the wire identity the IPA and kernel share for a buffer: the
// upper byte is a role tag, the lower bits are the pool slot index.
type BufferID uint32

const (
	// ParamBase tags a parameter-buffer id: ParamBase|slot.
	ParamBase BufferID = 0x100
	// StatBase tags a statistics-buffer id: StatBase|slot.
	StatBase BufferID = 0x200

	roleMask BufferID = 0xFF00
	slotMask BufferID = 0x00FF
)

// EncodeBufferID builds the wire id for slot under the given role base.
// slot must fit in the role's slot space (<= 0xFF in practice, per spec).
func EncodeBufferID(base BufferID, slot uint32) BufferID {
	return base | BufferID(slot)&slotMask
}

// DecodeBufferID splits a wire id back into its role base and slot.
func DecodeBufferID(id BufferID) (role BufferID, slot uint32) {
	return id & roleMask, uint32(id & slotMask)
}

// BufferMapping pairs a wire BufferID with the underlying buffer handle,
// for MapBuffers. The buffer type is opaque here: the pipeline facade
// fills it in with whatever plane/fd description the transport needs to
// hand the IPA (e.g. a dma-buf fd list), which is out of scope for this
// package.
type BufferMapping struct {
	ID     BufferID
	Planes []PlaneDescriptor
}

// PlaneDescriptor is the minimal plane description the IPA needs to mmap
// a buffer on its side of the transport.
type PlaneDescriptor struct {
	FD     uintptr
	Length int
}

// OutboundOp names the two fire-and-forget events the core ever sends.
type OutboundOp string

const (
	OpQueueRequest     OutboundOp = "QUEUE_REQUEST"
	OpSignalStatBuffer OutboundOp = "SIGNAL_STAT_BUFFER"
)

// InboundOp names the three actions the IPA ever asks the core to take.
type InboundOp string

const (
	OpV4L2Set     InboundOp = "V4L2_SET"
	OpParamFilled InboundOp = "PARAM_FILLED"
	OpMetadata    InboundOp = "METADATA"
)

// Event is an outbound fire-and-forget message to the IPA.
type Event struct {
	Op            OutboundOp
	Frame         uint32
	ParamBufferID BufferID
	StatBufferID  BufferID
	Controls      map[int]interface{}
}

// Action is an inbound message from the IPA, routed by Op.
type Action struct {
	Op       InboundOp
	Frame    uint32
	Controls map[int]interface{}
}

// QueueFrameActionFunc is the inbound callback the Channel invokes for
// every Action it receives from the IPA. The scheduler registers one
// implementation at wiring time; it must return quickly, since it runs on
// whatever goroutine the transport delivers on (the Channel is
// responsible for handing off to the scheduler's dispatcher, not the
// callback itself).
type QueueFrameActionFunc func(Action)
