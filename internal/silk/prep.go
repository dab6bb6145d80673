package silk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pion/opus"
	"github.com/pion/opus/pkg/oggreader"
	"github.com/zeozeozeo/gomplerate"

	. "github.com/roelfdiedericks/qqclaw/internal/logging"
)

// maxOpusFrameSize is the largest Opus frame (120ms at 48kHz).
const maxOpusFrameSize = 5760

// PrepareVoice turns arbitrary input audio into an upload-ready SILK
// stream. Accepted inputs:
//
//   - SILK v3 (with or without the 0x02 prefix): passed through
//   - 16-bit PCM WAV at any rate/channel count: downmixed and resampled
//   - OGG/Opus: decoded, downmixed and resampled
//
// Everything else returns ErrUnsupportedFormat.
func PrepareVoice(data []byte) (*Voice, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrBadContainer)
	}

	switch {
	case IsSILK(data):
		// Already encoded. Normalize to the prefixed layout the
		// upload endpoint expects.
		if data[0] != tencentPrefix {
			data = append([]byte{tencentPrefix}, data...)
		}
		return &Voice{SILK: data, DurationMs: StreamDurationMs(data)}, nil

	case isWAV(data):
		info, err := ParseWAV(data)
		if err != nil {
			return nil, err
		}
		samples := bytesToSamples(info.PCM)
		if info.Channels > 1 {
			samples = downmix(samples, info.Channels)
		}
		samples = resampleTo(samples, info.SampleRate, SampleRate)
		return Encode(samplesToBytes(samples), SampleRate)

	case isOgg(data):
		samples, rate, err := decodeOggOpusSafe(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		samples = resampleTo(samples, rate, SampleRate)
		return Encode(samplesToBytes(samples), SampleRate)
	}

	return nil, fmt.Errorf("%w: unrecognized audio container", ErrUnsupportedFormat)
}

func isOgg(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[0:4], []byte("OggS"))
}

// decodeOggOpusSafe wraps decodeOggOpus with panic recovery.
// The pion/opus library has bugs that can cause panics on some files.
func decodeOggOpusSafe(data []byte) (samples []int16, rate int, err error) {
	defer func() {
		if r := recover(); r != nil {
			L_warn("silk: opus decoder panicked, recovered", "panic", r)
			err = fmt.Errorf("decoder panic: %v", r)
			samples = nil
		}
	}()
	return decodeOggOpus(data)
}

// decodeOggOpus decodes an OGG/Opus stream to mono int16 samples at the
// container's declared rate.
func decodeOggOpus(data []byte) ([]int16, int, error) {
	ogg, header, err := oggreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("parse OGG container: %w", err)
	}

	sampleRate := int(header.SampleRate)
	channels := int(header.Channels)
	L_debug("silk: OGG header", "sampleRate", sampleRate, "channels", channels)

	decoder := opus.NewDecoder()

	// Opus can output up to maxOpusFrameSize samples per channel
	outBuf := make([]byte, maxOpusFrameSize*channels*2)

	var allSamples []int16
	for {
		segments, _, err := ogg.ParseNextPage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("parse OGG page: %w", err)
		}

		// Each segment is an Opus packet
		for _, segment := range segments {
			if len(segment) == 0 {
				continue
			}

			_, isStereo, err := decoder.Decode(segment, outBuf)
			if err != nil {
				L_trace("silk: skipping packet", "error", err, "len", len(segment))
				continue
			}

			actualChannels := 1
			if isStereo {
				actualChannels = 2
			}

			// The decoder does not report how many samples it wrote,
			// so read up to the trailing-zero tail of the buffer.
			samples := decodedInt16(outBuf)
			if actualChannels > 1 {
				samples = downmix(samples, actualChannels)
			}
			allSamples = append(allSamples, samples...)
		}
	}

	if len(allSamples) == 0 {
		return nil, 0, fmt.Errorf("no audio samples decoded")
	}

	L_debug("silk: decoded samples", "count", len(allSamples), "sampleRate", sampleRate)
	return allSamples, sampleRate, nil
}

// decodedInt16 converts a decoder output buffer to int16 samples,
// stopping at the all-zero tail that marks unused buffer space.
func decodedInt16(buf []byte) []int16 {
	samples := make([]int16, 0, len(buf)/2)
	for i := 0; i < len(buf)-1; i += 2 {
		sample := int16(binary.LittleEndian.Uint16(buf[i : i+2]))
		if sample == 0 && i > 0 {
			allZero := true
			for j := i; j < len(buf)-1; j += 2 {
				if binary.LittleEndian.Uint16(buf[j:j+2]) != 0 {
					allZero = false
					break
				}
			}
			if allZero {
				break
			}
		}
		samples = append(samples, sample)
	}
	return samples
}

// bytesToSamples converts the full 16-bit LE PCM buffer to samples.
func bytesToSamples(buf []byte) []int16 {
	samples := make([]int16, len(buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
	}
	return samples
}

func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:i*2+2], uint16(s))
	}
	return buf
}

// downmix converts multi-channel audio to mono by averaging channels.
func downmix(samples []int16, channels int) []int16 {
	if channels == 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := 0; i < len(mono); i++ {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(samples[i*channels+ch])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}

// resampleTo converts samples from one rate to another using gomplerate.
func resampleTo(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate {
		return samples
	}
	resampler, err := gomplerate.NewResampler(1, fromRate, toRate)
	if err != nil {
		L_warn("silk: resampler creation failed, skipping resample", "error", err, "from", fromRate, "to", toRate)
		return samples
	}
	return resampler.ResampleInt16(samples)
}
