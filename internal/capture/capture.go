// Package capture models the speech-recognition stream feeding the
// conversation machine. A Recognizer owns the microphone for the duration of
// one acquisition; the machine is the only component that starts or stops it.
package capture

import (
	"context"
	"errors"
)

type EventKind string

const (
	EventReady   EventKind = "ready"
	EventSegment EventKind = "segment"
	EventError   EventKind = "error"
	EventEnded   EventKind = "ended"
)

// Error codes reported by recognizers. NoSpeech and Aborted are expected
// lifecycle noise and are never surfaced to the user.
const (
	ErrCodeNoSpeech   = "no-speech"
	ErrCodeAborted    = "aborted"
	ErrCodeNotAllowed = "not-allowed"
)

type Event struct {
	Kind  EventKind
	Text  string
	Final bool
	Code  string
}

var (
	// ErrCaptureBusy means a capture stream is already held. Acquiring a second
	// one is a caller bug, not a runtime condition to recover from.
	ErrCaptureBusy = errors.New("capture stream already acquired")
	// ErrPermissionDenied means the platform refused microphone access.
	ErrPermissionDenied = errors.New("capture permission denied")
)

// Recognizer yields an ordered stream of recognition events. Start acquires
// the capture stream and returns the event channel for this acquisition; the
// channel is closed after EventEnded or Stop. Recognizers never restart
// themselves; restart policy belongs to the supervising machine.
type Recognizer interface {
	Start(ctx context.Context) (<-chan Event, error)
	Stop()
}
