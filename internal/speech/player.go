package speech

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPlaybackBlocked is returned by sinks when the platform refuses to start
// audio without a user gesture. Blocked clips are queued and replayed on the
// next gesture.
var ErrPlaybackBlocked = errors.New("speech: playback blocked by autoplay policy")

// Handle is one live playback owned by a sink.
type Handle interface {
	Done() <-chan struct{}
	SetGain(gain float64) error
	Stop()
}

// Sink plays clips on the actual audio device, whatever that is for the
// deployment (usually the browser, reached over the websocket).
type Sink interface {
	Play(ctx context.Context, clip Clip) (Handle, error)
}

// Playback wraps a sink handle with fade-out. Stop and FadeOutAndStop are
// idempotent and mutually exclusive: the first call wins.
type Playback struct {
	handle   Handle
	fadeDur  time.Duration
	fadeStep time.Duration
	once     sync.Once
}

func newPlayback(h Handle, fadeDur, fadeStep time.Duration) *Playback {
	if fadeDur <= 0 {
		fadeDur = 200 * time.Millisecond
	}
	if fadeStep <= 0 || fadeStep > fadeDur {
		fadeStep = 20 * time.Millisecond
	}
	return &Playback{handle: h, fadeDur: fadeDur, fadeStep: fadeStep}
}

func (p *Playback) Done() <-chan struct{} { return p.handle.Done() }

// FadeOutAndStop ramps the gain to zero over the fade window, then stops.
// It blocks for the fade; callers that must not wait run it in a goroutine.
func (p *Playback) FadeOutAndStop() {
	p.once.Do(func() {
		steps := int(p.fadeDur / p.fadeStep)
		if steps < 1 {
			steps = 1
		}
		for i := steps - 1; i > 0; i-- {
			select {
			case <-p.handle.Done():
				return
			default:
			}
			_ = p.handle.SetGain(float64(i) / float64(steps))
			time.Sleep(p.fadeStep)
		}
		p.handle.Stop()
	})
}

// Stop halts playback immediately, without a fade.
func (p *Playback) Stop() {
	p.once.Do(func() { p.handle.Stop() })
}
