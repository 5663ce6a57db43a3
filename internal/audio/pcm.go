package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// CaptureSampleRate is the rate microphone audio is captured and uplinked at.
	CaptureSampleRate = 16000
	// PlaybackSampleRate is the rate of model audio returned by the live transport.
	PlaybackSampleRate = 24000
	// CaptureBlockSize is the number of samples delivered per capture callback.
	CaptureBlockSize = 4096
)

var ErrInvalidPCM = errors.New("invalid pcm16 payload")

// PCMMimeType returns the mime type the live transport expects for raw PCM16 input.
func PCMMimeType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// QuantizePCM16 converts float samples in [-1, 1] to 16-bit little-endian PCM
// using sample*32768. With clamp set, out-of-range input saturates; without it
// the value wraps the way a raw int16 store does.
func QuantizePCM16(samples []float32, clamp bool) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		var v int16
		if clamp {
			v = clampToInt16(float64(s) * 32768)
		} else {
			v = wrapToInt16(float64(s) * 32768)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func clampToInt16(f float64) int16 {
	if math.IsNaN(f) {
		return 0
	}
	if f >= math.MaxInt16 {
		return math.MaxInt16
	}
	if f <= math.MinInt16 {
		return math.MinInt16
	}
	return int16(f)
}

func wrapToInt16(f float64) int16 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int16(int64(math.Trunc(f)))
}

// EncodeBase64 returns the standard base64 encoding used on every wire.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 reverses EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// Buffer is decoded mono audio ready to be scheduled on a playback clock.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length in seconds.
func (b Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// DurationTime is Duration as a time.Duration.
func (b Buffer) DurationTime() time.Duration {
	return time.Duration(b.Duration() * float64(time.Second))
}

// PCM16 re-encodes the buffer as little-endian PCM16 for forwarding.
func (b Buffer) PCM16() []byte {
	return QuantizePCM16(b.Samples, true)
}

// DecodePCM16 turns little-endian PCM16 mono bytes into a playback buffer,
// scaling each sample by 1/32768.
func DecodePCM16(data []byte, sampleRate int) (Buffer, error) {
	if len(data) == 0 {
		return Buffer{}, fmt.Errorf("%w: empty", ErrInvalidPCM)
	}
	if len(data)%2 != 0 {
		return Buffer{}, fmt.Errorf("%w: odd byte length %d", ErrInvalidPCM, len(data))
	}
	if sampleRate <= 0 {
		return Buffer{}, fmt.Errorf("%w: sample rate %d", ErrInvalidPCM, sampleRate)
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(v) / 32768.0
	}
	return Buffer{Samples: samples, SampleRate: sampleRate}, nil
}

// DecodeFloat32LE parses raw little-endian float32 samples as sent by a
// browser capture node.
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("float32 payload length %d is not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// EncodeFloat32LE is the inverse of DecodeFloat32LE.
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
