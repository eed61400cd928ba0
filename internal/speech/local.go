package speech

import (
	"context"
	"math"
	"strings"
)

// LocalSynthesizer is the offline fallback used when the TTS backend is down.
// It renders a soft tone cadence paced to the text so the user still hears
// that the assistant responded. Not speech, but never silent failure.
type LocalSynthesizer struct {
	SampleRate int
}

func NewLocalSynthesizer() *LocalSynthesizer {
	return &LocalSynthesizer{SampleRate: 16000}
}

const (
	toneHz     = 440.0
	toneMs     = 110
	gapMs      = 70
	maxTones   = 24
	toneVolume = 0.25
)

func (s *LocalSynthesizer) Synthesize(_ context.Context, text string) (Clip, error) {
	if strings.TrimSpace(text) == "" {
		return Clip{}, ErrEmptyText
	}
	rate := s.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	tones := len(strings.Fields(text))
	if tones > maxTones {
		tones = maxTones
	}
	if tones == 0 {
		tones = 1
	}

	toneSamples := rate * toneMs / 1000
	gapSamples := rate * gapMs / 1000
	pcm := make([]byte, 0, 2*tones*(toneSamples+gapSamples))

	for i := 0; i < tones; i++ {
		// Alternate two pitches for a gentle chime cadence.
		hz := toneHz
		if i%2 == 1 {
			hz = toneHz * 5 / 4
		}
		for n := 0; n < toneSamples; n++ {
			env := envelope(n, toneSamples)
			v := toneVolume * env * math.Sin(2*math.Pi*hz*float64(n)/float64(rate))
			sample := int16(v * math.MaxInt16)
			pcm = append(pcm, byte(sample), byte(sample>>8))
		}
		pcm = append(pcm, make([]byte, 2*gapSamples)...)
	}

	data, err := encodeWAVPCM16(pcm, rate)
	if err != nil {
		return Clip{}, err
	}
	return Clip{Data: data, Format: FormatWAV}, nil
}

// envelope ramps attack and release linearly over the first and last tenth of
// the tone so clips do not click.
func envelope(n, total int) float64 {
	edge := total / 10
	if edge == 0 {
		return 1
	}
	switch {
	case n < edge:
		return float64(n) / float64(edge)
	case n >= total-edge:
		return float64(total-n) / float64(edge)
	}
	return 1
}
