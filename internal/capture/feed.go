package capture

import (
	"context"
	"sync"
)

// Control actions a Feed sends to its transport when the machine acquires or
// releases the stream. The browser side reacts by starting or aborting the
// platform recognizer.
const (
	ControlStart = "capture_start"
	ControlStop  = "capture_stop"
)

// Feed is a Recognizer backed by a remote capture source (the browser). The
// websocket layer pushes recognition events in; the machine consumes them
// through the standard Recognizer contract.
type Feed struct {
	mu      sync.Mutex
	ch      chan Event
	denied  bool
	control func(action string)
}

func NewFeed(control func(action string)) *Feed {
	if control == nil {
		control = func(string) {}
	}
	return &Feed{control: control}
}

func (f *Feed) Start(_ context.Context) (<-chan Event, error) {
	f.mu.Lock()
	if f.ch != nil {
		f.mu.Unlock()
		return nil, ErrCaptureBusy
	}
	if f.denied {
		f.mu.Unlock()
		return nil, ErrPermissionDenied
	}
	ch := make(chan Event, 64)
	f.ch = ch
	f.mu.Unlock()

	f.control(ControlStart)
	return ch, nil
}

func (f *Feed) Stop() {
	f.mu.Lock()
	ch := f.ch
	f.ch = nil
	f.mu.Unlock()

	if ch == nil {
		return
	}
	f.control(ControlStop)
	close(ch)
}

// Push delivers one recognition event from the transport. Events arriving
// while no acquisition is open are dropped. A not-allowed error marks the feed
// permanently denied so later re-acquisition fails fast.
func (f *Feed) Push(ev Event) {
	f.mu.Lock()
	if ev.Kind == EventError && ev.Code == ErrCodeNotAllowed {
		f.denied = true
	}
	ch := f.ch
	endStream := ev.Kind == EventEnded
	if endStream {
		f.ch = nil
	}
	f.mu.Unlock()

	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
		// Consumer stalled; dropping beats blocking the websocket read loop.
	}
	if endStream {
		close(ch)
	}
}

// Denied reports whether microphone permission was refused.
func (f *Feed) Denied() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.denied
}
