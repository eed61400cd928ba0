package capture

import (
	"context"
	"testing"
)

func TestFeedStartStopCycle(t *testing.T) {
	var actions []string
	f := NewFeed(func(a string) { actions = append(actions, a) })

	ch, err := f.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.Push(Event{Kind: EventSegment, Text: "hello", Final: false})
	got := <-ch
	if got.Text != "hello" {
		t.Fatalf("Text = %q, want %q", got.Text, "hello")
	}

	f.Stop()
	if _, open := <-ch; open {
		t.Fatalf("channel still open after Stop()")
	}
	if len(actions) != 2 || actions[0] != ControlStart || actions[1] != ControlStop {
		t.Fatalf("control actions = %v, want [capture_start capture_stop]", actions)
	}
}

func TestFeedSecondStartIsBusy(t *testing.T) {
	f := NewFeed(nil)
	if _, err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := f.Start(context.Background()); err != ErrCaptureBusy {
		t.Fatalf("second Start() error = %v, want ErrCaptureBusy", err)
	}
}

func TestFeedEndedClosesChannel(t *testing.T) {
	f := NewFeed(nil)
	ch, err := f.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.Push(Event{Kind: EventEnded})
	ev, open := <-ch
	if !open || ev.Kind != EventEnded {
		t.Fatalf("first receive = (%+v, %v), want ended event", ev, open)
	}
	if _, open := <-ch; open {
		t.Fatalf("channel still open after ended event")
	}

	// A fresh acquisition must be possible after the stream ends.
	if _, err := f.Start(context.Background()); err != nil {
		t.Fatalf("restart Start() error = %v", err)
	}
}

func TestFeedPermissionDenialPinsFeed(t *testing.T) {
	f := NewFeed(nil)
	ch, err := f.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.Push(Event{Kind: EventError, Code: ErrCodeNotAllowed})
	<-ch
	f.Stop()

	if _, err := f.Start(context.Background()); err != ErrPermissionDenied {
		t.Fatalf("Start() after denial error = %v, want ErrPermissionDenied", err)
	}
	if !f.Denied() {
		t.Fatalf("Denied() = false, want true")
	}
}

func TestFeedDropsEventsWithoutAcquisition(t *testing.T) {
	f := NewFeed(nil)
	f.Push(Event{Kind: EventSegment, Text: "stray"}) // must not panic
}
