// Package silk converts between SILK v3 voice streams and PCM WAV audio.
//
// The platform delivers and accepts voice as SILK v3 at 24kHz mono, with
// the stream optionally prefixed by a single 0x02 byte ahead of the
// "#!SILK_V3" magic. Decode tolerates both layouts; Encode always emits
// the prefixed form the upload endpoint expects.
package silk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	silkv3 "github.com/wdvxdr1123/go-silk"
)

const (
	// SampleRate is the only rate the voice endpoints accept.
	SampleRate = 24000

	frameMs = 20
	// 24000 samples/s * 2 bytes, per millisecond
	bytesPerMs = SampleRate * 2 / 1000

	encodeBitRate = 24000
)

const (
	silkMagic     = "#!SILK_V3"
	tencentPrefix = 0x02
)

var (
	// ErrUnsupportedFormat means the input is not a format the codec
	// understands (wrong magic, compressed WAV, unknown container).
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrSampleRate means the PCM is valid but not 24kHz mono.
	ErrSampleRate = errors.New("audio must be 24kHz 16-bit mono")

	// ErrBadContainer means a recognized container is malformed.
	ErrBadContainer = errors.New("malformed audio container")
)

// Audio is decoded voice: a playable WAV plus the raw PCM inside it.
type Audio struct {
	WAV        []byte
	PCM        []byte
	DurationMs int
}

// Voice is an encoded SILK stream ready for upload.
type Voice struct {
	SILK       []byte
	DurationMs int
}

// IsSILK reports whether data looks like a SILK v3 stream, with or
// without the leading 0x02 byte.
func IsSILK(data []byte) bool {
	data = stripPrefix(data)
	return len(data) >= len(silkMagic) && bytes.HasPrefix(data, []byte(silkMagic))
}

func stripPrefix(data []byte) []byte {
	if len(data) > 0 && data[0] == tencentPrefix {
		return data[1:]
	}
	return data
}

// Decode converts a SILK v3 voice stream to 24kHz mono PCM and wraps it
// in a WAV container. The duration is measured from the decoded PCM, not
// the frame count, so truncated tail frames are reflected.
func Decode(data []byte) (*Audio, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrBadContainer)
	}
	data = stripPrefix(data)
	if !bytes.HasPrefix(data, []byte(silkMagic)) {
		return nil, fmt.Errorf("%w: missing SILK_V3 magic", ErrUnsupportedFormat)
	}

	pcm, err := silkv3.DecodeSilkBuffToPcm(data, SampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadContainer, err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: stream decoded to no audio", ErrBadContainer)
	}

	return &Audio{
		WAV:        BuildWAV(pcm, SampleRate),
		PCM:        pcm,
		DurationMs: len(pcm) / bytesPerMs,
	}, nil
}

// Encode converts audio to a SILK v3 voice stream. The input may be a
// 16-bit PCM WAV (header rate governs) or raw 16-bit LE PCM at the
// declared sampleRate; either way the audio must already be 24kHz mono.
// There is no silent resampling here; use PrepareVoice for arbitrary
// input audio.
func Encode(data []byte, sampleRate int) (*Voice, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrBadContainer)
	}

	pcm := data
	if isWAV(data) {
		info, err := ParseWAV(data)
		if err != nil {
			return nil, err
		}
		if info.Channels != 1 {
			return nil, fmt.Errorf("%w: got %d channels", ErrSampleRate, info.Channels)
		}
		if info.SampleRate != SampleRate {
			return nil, fmt.Errorf("%w: got %dHz", ErrSampleRate, info.SampleRate)
		}
		pcm = info.PCM
	} else if sampleRate != SampleRate {
		return nil, fmt.Errorf("%w: got %dHz PCM", ErrSampleRate, sampleRate)
	}
	if len(pcm) < bytesPerMs*frameMs {
		return nil, fmt.Errorf("%w: less than one frame of audio", ErrBadContainer)
	}

	enc, err := silkv3.EncodePcmBuffToSilk(pcm, SampleRate, encodeBitRate, true)
	if err != nil {
		return nil, fmt.Errorf("silk encode: %w", err)
	}
	if !IsSILK(enc) {
		return nil, fmt.Errorf("%w: encoder produced no SILK stream", ErrBadContainer)
	}

	return &Voice{
		SILK:       enc,
		DurationMs: len(pcm) / bytesPerMs,
	}, nil
}

// StreamDurationMs walks a SILK stream's frame table and returns its
// nominal duration without decoding. Frames are 20ms each.
func StreamDurationMs(data []byte) int {
	data = stripPrefix(data)
	if !bytes.HasPrefix(data, []byte(silkMagic)) {
		return 0
	}
	payload := data[len(silkMagic):]
	frames := 0
	for off := 0; off+2 <= len(payload); {
		size := int(binary.LittleEndian.Uint16(payload[off : off+2]))
		if size == 0 || size == 0xFFFF {
			break
		}
		off += 2 + size
		if off > len(payload) {
			break
		}
		frames++
	}
	return frames * frameMs
}
