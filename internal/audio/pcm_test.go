package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func sampleAt(b []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(b[i*2:]))
}

func TestQuantizePCM16Scales(t *testing.T) {
	out := QuantizePCM16([]float32{0, 0.5, -0.5, -1}, true)
	if len(out) != 8 {
		t.Fatalf("len(out) = %d, want 8", len(out))
	}
	want := []int16{0, 16384, -16384, -32768}
	for i, w := range want {
		if got := sampleAt(out, i); got != w {
			t.Fatalf("sample[%d] = %d, want %d", i, got, w)
		}
	}
}

func TestQuantizePCM16ClampVersusWrap(t *testing.T) {
	clamped := QuantizePCM16([]float32{1.0, 1.5, -1.5}, true)
	if got := sampleAt(clamped, 0); got != math.MaxInt16 {
		t.Fatalf("clamped 1.0 = %d, want %d", got, math.MaxInt16)
	}
	if got := sampleAt(clamped, 1); got != math.MaxInt16 {
		t.Fatalf("clamped 1.5 = %d, want %d", got, math.MaxInt16)
	}
	if got := sampleAt(clamped, 2); got != math.MinInt16 {
		t.Fatalf("clamped -1.5 = %d, want %d", got, math.MinInt16)
	}

	wrapped := QuantizePCM16([]float32{1.0}, false)
	if got := sampleAt(wrapped, 0); got != math.MinInt16 {
		t.Fatalf("wrapped 1.0 = %d, want %d", got, math.MinInt16)
	}
}

func TestDecodePCM16RoundTripsWithinQuantization(t *testing.T) {
	in := []float32{0, 0.25, -0.75, 0.999}
	buf, err := DecodePCM16(QuantizePCM16(in, true), PlaybackSampleRate)
	if err != nil {
		t.Fatalf("DecodePCM16() error = %v", err)
	}
	if len(buf.Samples) != len(in) {
		t.Fatalf("len(Samples) = %d, want %d", len(buf.Samples), len(in))
	}
	for i := range in {
		if math.Abs(float64(buf.Samples[i]-in[i])) > 1.0/32768 {
			t.Fatalf("sample[%d] = %v, want ~%v", i, buf.Samples[i], in[i])
		}
	}
}

func TestDecodePCM16RejectsMalformed(t *testing.T) {
	if _, err := DecodePCM16(nil, PlaybackSampleRate); !errors.Is(err, ErrInvalidPCM) {
		t.Fatalf("empty error = %v, want ErrInvalidPCM", err)
	}
	if _, err := DecodePCM16([]byte{1, 2, 3}, PlaybackSampleRate); !errors.Is(err, ErrInvalidPCM) {
		t.Fatalf("odd error = %v, want ErrInvalidPCM", err)
	}
}

func TestBufferDuration(t *testing.T) {
	b := Buffer{Samples: make([]float32, 12000), SampleRate: 24000}
	if d := b.Duration(); d != 0.5 {
		t.Fatalf("Duration() = %v, want 0.5", d)
	}
}

func TestFloat32LERoundTrip(t *testing.T) {
	in := []float32{0.1, -0.2, 1}
	out, err := DecodeFloat32LE(EncodeFloat32LE(in))
	if err != nil {
		t.Fatalf("DecodeFloat32LE() error = %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := DecodeFloat32LE([]byte{1, 2, 3}); err == nil {
		t.Fatalf("DecodeFloat32LE() error = nil, want length error")
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := make([]byte, 100)
	wav, err := EncodeWAV(pcm, 24000)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if len(wav) != 144 {
		t.Fatalf("len(wav) = %d, want 144", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("unexpected header %q", wav[:44])
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 24000 {
		t.Fatalf("sample rate = %d, want 24000", rate)
	}
}
