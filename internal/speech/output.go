package speech

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/solovoice/solo/internal/observability"
)

const maxPendingClips = 8

// Output is the speech output adapter: primary synthesis with local
// fallback, one playback at a time, and a pending queue for clips the
// platform refused to autoplay.
type Output struct {
	primary  Synthesizer
	fallback Synthesizer
	sink     Sink
	fadeDur  time.Duration
	fadeStep time.Duration
	metrics  *observability.Metrics

	mu      sync.Mutex
	current *Playback
	pending []Clip
}

func NewOutput(primary, fallback Synthesizer, sink Sink, fadeDur, fadeStep time.Duration, metrics *observability.Metrics) *Output {
	return &Output{
		primary:  primary,
		fallback: fallback,
		sink:     sink,
		fadeDur:  fadeDur,
		fadeStep: fadeStep,
		metrics:  metrics,
	}
}

// Speak synthesizes and starts playing text. A nil playback with nil error
// means the clip was queued behind the autoplay policy; the utterance is
// considered resolved either way.
func (o *Output) Speak(ctx context.Context, text string) (*Playback, error) {
	clip, err := o.primary.Synthesize(ctx, text)
	if err != nil {
		if o.metrics != nil {
			o.metrics.ObserveProviderError("tts", "synthesize")
		}
		if o.fallback == nil {
			return nil, fmt.Errorf("synthesize: %w", err)
		}
		log.Printf("speech: primary synthesis failed, using fallback: %v", err)
		fbClip, fbErr := o.fallback.Synthesize(ctx, text)
		if fbErr != nil {
			return nil, fmt.Errorf("synthesize primary: %v; fallback: %w", err, fbErr)
		}
		clip = fbClip
	}
	return o.play(ctx, clip)
}

func (o *Output) play(ctx context.Context, clip Clip) (*Playback, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// One playback at a time.
	if o.current != nil {
		o.current.Stop()
		o.current = nil
	}

	h, err := o.sink.Play(ctx, clip)
	if err == ErrPlaybackBlocked {
		if len(o.pending) < maxPendingClips {
			o.pending = append(o.pending, clip)
		}
		if o.metrics != nil {
			o.metrics.ObserveProviderError("playback", "autoplay_blocked")
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("start playback: %w", err)
	}
	p := newPlayback(h, o.fadeDur, o.fadeStep)
	o.current = p
	return p, nil
}

// ReplayPending retries clips that were blocked by the autoplay policy. It is
// called on a user gesture, when playback is allowed again.
func (o *Output) ReplayPending() {
	o.mu.Lock()
	queued := o.pending
	o.pending = nil
	o.mu.Unlock()
	if len(queued) == 0 {
		return
	}
	go func() {
		for _, clip := range queued {
			p, err := o.play(context.Background(), clip)
			if err != nil || p == nil {
				return
			}
			<-p.Done()
		}
	}()
}

// StopAll halts current playback and drops anything queued.
func (o *Output) StopAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		o.current.Stop()
		o.current = nil
	}
	o.pending = nil
}
