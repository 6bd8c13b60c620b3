package telemetry

import "testing"

func TestSubscribeAndPublish(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan Event, 1)
	if err := b.Subscribe("sink", ch); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Publish(Event{Kind: RequestCompleted, Frame: 7})

	select {
	case evt := <-ch:
		if evt.Frame != 7 {
			t.Errorf("Frame = %d, want 7", evt.Frame)
		}
	default:
		t.Fatal("expected event on channel")
	}
}

func TestSubscribeDuplicate(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan Event, 1)
	if err := b.Subscribe("sink", ch); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe("sink", ch); err != ErrSubscriberExists {
		t.Errorf("duplicate Subscribe: got %v, want ErrSubscriberExists", err)
	}
}

func TestSubscribeNilChannel(t *testing.T) {
	b := New()
	defer b.Close()

	if err := b.Subscribe("sink", nil); err != ErrNilChannel {
		t.Errorf("Subscribe(nil): got %v, want ErrNilChannel", err)
	}
}

func TestDropNewDropsWhenFull(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan Event, 1)
	if err := b.Subscribe("sink", ch); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Publish(Event{Frame: 1})
	b.Publish(Event{Frame: 2}) // channel already full, should drop

	stats, err := b.Stats("sink")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Errorf("stats = %+v, want Sent=1 Dropped=1", stats)
	}
}

func TestDropOldAlwaysLatest(t *testing.T) {
	b := New()
	defer b.Close()

	recv, err := b.SubscribeDropOld("sink")
	if err != nil {
		t.Fatalf("SubscribeDropOld: %v", err)
	}
	defer recv.Close()

	b.Publish(Event{Frame: 1})
	b.Publish(Event{Frame: 2})

	evt, ok := recv.TryReceive()
	if !ok {
		t.Fatal("TryReceive: want ok")
	}
	if evt.Frame != 2 {
		t.Errorf("Frame = %d, want 2 (latest)", evt.Frame)
	}
}

func TestUnsubscribeUnknown(t *testing.T) {
	b := New()
	defer b.Close()

	if err := b.Unsubscribe("ghost"); err != ErrSubscriberNotFound {
		t.Errorf("Unsubscribe unknown: got %v, want ErrSubscriberNotFound", err)
	}
}

func TestCloseIsIdempotentAndBlocksFurtherUse(t *testing.T) {
	b := New()
	b.Close()
	b.Close() // must not panic

	if err := b.Subscribe("sink", make(chan Event, 1)); err != ErrBusClosed {
		t.Errorf("Subscribe after Close: got %v, want ErrBusClosed", err)
	}

	// Publish after Close must be a silent no-op, not a panic.
	b.Publish(Event{Frame: 1})
}

func TestEventKindString(t *testing.T) {
	if FrameQueued.String() != "frame_queued" {
		t.Errorf("FrameQueued.String() = %q", FrameQueued.String())
	}
	if EventKind(999).String() != "unknown" {
		t.Errorf("unknown kind: got %q", EventKind(999).String())
	}
}
