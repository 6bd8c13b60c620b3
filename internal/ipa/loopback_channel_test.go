package ipa

import (
	"context"
	"testing"
)

func TestLoopbackMapUnmapRoundTrip(t *testing.T) {
	l := NewLoopbackChannel()
	ctx := context.Background()

	mappings := []BufferMapping{
		{ID: EncodeBufferID(ParamBase, 0), Planes: []PlaneDescriptor{{FD: 3, Length: 4096}}},
		{ID: EncodeBufferID(ParamBase, 1), Planes: []PlaneDescriptor{{FD: 4, Length: 4096}}},
	}
	if err := l.MapBuffers(ctx, mappings); err != nil {
		t.Fatalf("MapBuffers: %v", err)
	}
	if got := l.MappedBufferCount(); got != 2 {
		t.Fatalf("MappedBufferCount() = %d, want 2", got)
	}

	ids := []BufferID{mappings[0].ID, mappings[1].ID}
	if err := l.UnmapBuffers(ctx, ids); err != nil {
		t.Fatalf("UnmapBuffers: %v", err)
	}
	if got := l.MappedBufferCount(); got != 0 {
		t.Fatalf("MappedBufferCount() after unmap = %d, want 0", got)
	}
}

func TestLoopbackProcessEventRecordsEvents(t *testing.T) {
	l := NewLoopbackChannel()
	ctx := context.Background()

	ev := Event{Op: OpQueueRequest, Frame: 0, ParamBufferID: EncodeBufferID(ParamBase, 0)}
	if err := l.ProcessEvent(ctx, ev); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	events := l.Events()
	if len(events) != 1 || events[0].Op != OpQueueRequest {
		t.Fatalf("Events() = %v, want one QUEUE_REQUEST", events)
	}
}

func TestLoopbackInjectDeliversToCallback(t *testing.T) {
	l := NewLoopbackChannel()

	var got Action
	received := make(chan struct{})
	l.SetQueueFrameActionFunc(func(a Action) {
		got = a
		close(received)
	})

	l.Inject(Action{Op: OpParamFilled, Frame: 7})

	<-received
	if got.Op != OpParamFilled || got.Frame != 7 {
		t.Fatalf("Inject delivered %+v, want {PARAM_FILLED 7}", got)
	}
}

func TestLoopbackInjectWithoutCallbackIsNoop(t *testing.T) {
	l := NewLoopbackChannel()
	l.Inject(Action{Op: OpMetadata, Frame: 1})
}

func TestLoopbackConfigureAndClose(t *testing.T) {
	l := NewLoopbackChannel()
	ctx := context.Background()

	if l.Configured() {
		t.Fatal("Configured() true before Configure called")
	}
	if err := l.Configure(ctx, StreamConfig{Width: 640, Height: 480, Format: "NV12"}, SensorControlInfo{}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !l.Configured() {
		t.Fatal("Configured() false after Configure called")
	}

	if l.Closed() {
		t.Fatal("Closed() true before Close called")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !l.Closed() {
		t.Fatal("Closed() false after Close called")
	}
}
