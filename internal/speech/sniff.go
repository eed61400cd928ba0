// Package speech synthesizes assistant replies and owns their playback
// lifecycle: a primary TTS backend, a local fallback, fade-out on interrupt,
// and the single-playback invariant.
package speech

import "bytes"

// Audio container formats as reported to playback sinks.
const (
	FormatMP3 = "mp3"
	FormatWAV = "wav"
	FormatOGG = "ogg"
)

// SniffFormat identifies the audio container from leading bytes. Backends are
// asked for MP3 but are not always trusted to comply.
func SniffFormat(data []byte) string {
	switch {
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")):
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("OggS")):
		return FormatOGG
	}
	return ""
}
