package silk

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const wavHeaderSize = 44

// WAVInfo is a parsed PCM WAV container.
type WAVInfo struct {
	SampleRate int
	Channels   int
	Bits       int
	PCM        []byte
}

// isWAV reports whether data starts with a RIFF/WAVE header.
func isWAV(data []byte) bool {
	return len(data) >= 12 &&
		bytes.Equal(data[0:4], []byte("RIFF")) &&
		bytes.Equal(data[8:12], []byte("WAVE"))
}

// BuildWAV wraps raw 16-bit LE mono PCM in a standard 44-byte WAV header.
func BuildWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	out := make([]byte, wavHeaderSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:24], channels)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)
	return out
}

// ParseWAV validates a RIFF/WAVE container and returns its PCM payload.
// Only uncompressed 16-bit PCM is supported.
func ParseWAV(data []byte) (*WAVInfo, error) {
	if !isWAV(data) {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE container", ErrUnsupportedFormat)
	}
	if len(data) < wavHeaderSize {
		return nil, fmt.Errorf("%w: truncated WAV header", ErrBadContainer)
	}

	info := &WAVInfo{}
	sawFmt := false

	// Walk the chunk list; files in the wild carry LIST/INFO chunks
	// between fmt and data.
	off := 12
	for off+8 <= len(data) {
		chunkID := string(data[off : off+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if chunkSize < 0 || body+chunkSize > len(data) {
			return nil, fmt.Errorf("%w: chunk %q overruns file", ErrBadContainer, chunkID)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("%w: fmt chunk too short", ErrBadContainer)
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			if audioFormat != 1 {
				return nil, fmt.Errorf("%w: non-PCM WAV (format %d)", ErrUnsupportedFormat, audioFormat)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.Bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			if info.Bits != 16 {
				return nil, fmt.Errorf("%w: %d-bit WAV (need 16-bit)", ErrUnsupportedFormat, info.Bits)
			}
			if info.Channels < 1 {
				return nil, fmt.Errorf("%w: zero channels", ErrBadContainer)
			}
			sawFmt = true

		case "data":
			if !sawFmt {
				return nil, fmt.Errorf("%w: data chunk before fmt", ErrBadContainer)
			}
			info.PCM = data[body : body+chunkSize]
			return info, nil
		}

		// RIFF chunks are word-aligned
		off = body + chunkSize + (chunkSize & 1)
	}

	return nil, fmt.Errorf("%w: no data chunk", ErrBadContainer)
}
