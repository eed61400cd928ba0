package conversation

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// CommitTimer derives "utterance complete" signals from the recognition
// stream. Every segment, interim or final, reschedules a rolling silence
// timer; when it fires with enough buffered final text, exactly one commit is
// emitted and the buffer clears.
type CommitTimer struct {
	mu       sync.Mutex
	window   time.Duration
	minRunes int
	onCommit func(text string)

	// thinkingDelay drives a presentation affordance only; it has no effect on
	// commit timing.
	thinkingDelay time.Duration

	buf   string
	timer *time.Timer
	gen   uint64
}

func NewCommitTimer(window, thinkingDelay time.Duration, minRunes int, onCommit func(text string)) *CommitTimer {
	if window <= 0 {
		window = 2500 * time.Millisecond
	}
	return &CommitTimer{
		window:        window,
		thinkingDelay: thinkingDelay,
		minRunes:      minRunes,
		onCommit:      onCommit,
	}
}

// OnInterim reschedules the silence timer without touching the commit buffer.
func (t *CommitTimer) OnInterim(_ string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scheduleLocked()
}

// OnFinalSegment appends committed recognizer text and reschedules the timer.
func (t *CommitTimer) OnFinalSegment(text string) {
	text = strings.TrimSpace(text)
	t.mu.Lock()
	defer t.mu.Unlock()
	if text != "" {
		if t.buf == "" {
			t.buf = text
		} else {
			t.buf += " " + text
		}
	}
	t.scheduleLocked()
}

// Reset clears the buffer and any pending timer without emitting.
func (t *CommitTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.buf = ""
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Pending returns the accumulated uncommitted text.
func (t *CommitTimer) Pending() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf
}

func (t *CommitTimer) scheduleLocked() {
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.window, func() { t.fire(gen) })
}

func (t *CommitTimer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	text := strings.TrimSpace(t.buf)
	t.buf = ""
	t.timer = nil
	t.mu.Unlock()

	if text == "" || utf8.RuneCountInString(text) < t.minRunes {
		return
	}
	if t.onCommit != nil {
		t.onCommit(text)
	}
}
