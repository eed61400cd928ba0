package speech

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type wavHeader struct {
	RIFF     [4]byte
	RIFFSize uint32
	WAVE     [4]byte
	Fmt      [4]byte
	FmtSize  uint32
	Format   uint16
	Channels uint16
	Rate     uint32
	ByteRate uint32
	Align    uint16
	Bits     uint16
	Data     [4]byte
	DataSize uint32
}

// encodeWAVPCM16 wraps raw mono PCM16LE samples in a WAV container.
func encodeWAVPCM16(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	hdr := wavHeader{
		RIFF:     [4]byte{'R', 'I', 'F', 'F'},
		RIFFSize: 36 + uint32(len(pcm)),
		WAVE:     [4]byte{'W', 'A', 'V', 'E'},
		Fmt:      [4]byte{'f', 'm', 't', ' '},
		FmtSize:  16,
		Format:   1, // PCM
		Channels: 1,
		Rate:     uint32(sampleRate),
		ByteRate: uint32(sampleRate * 2),
		Align:    2,
		Bits:     16,
		Data:     [4]byte{'d', 'a', 't', 'a'},
		DataSize: uint32(len(pcm)),
	}
	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}
