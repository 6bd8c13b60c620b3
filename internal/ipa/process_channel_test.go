package ipa

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

// TestProcessChannelFrameRoundTrip uses the "cat" utility as a stand-in
// IPA process: it echoes stdin to stdout verbatim, so whatever frame
// ProcessChannel writes comes back byte-for-byte and should decode to an
// Action carrying the same Op and Frame the caller sent, exercising the
// length-prefix framing and msgpack envelope without needing a real
// tuning-algorithm subprocess.
func TestProcessChannelFrameRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pc, err := NewProcessChannel(ctx, "cat")
	if err != nil {
		t.Fatalf("NewProcessChannel: %v", err)
	}
	defer pc.Close()

	received := make(chan Action, 1)
	pc.SetQueueFrameActionFunc(func(a Action) {
		received <- a
	})

	// V4L2_SET is a recognized inbound op; since "cat" echoes our own
	// outbound ProcessEvent frame straight back, sending an event whose
	// Op happens to be an inbound one is the simplest way to drive the
	// round trip through both send() and readLoop() without a second
	// process.
	ev := Event{Op: OutboundOp(OpV4L2Set), Frame: 42, Controls: map[int]interface{}{0: int64(100)}}
	if err := pc.ProcessEvent(ctx, ev); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	select {
	case a := <-received:
		if a.Op != OpV4L2Set || a.Frame != 42 {
			t.Errorf("received %+v, want {V4L2_SET 42 ...}", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}
}
