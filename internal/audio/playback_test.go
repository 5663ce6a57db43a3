package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kokoro-live/kokoro/internal/clock"
)

type recordingSink struct {
	mu     sync.Mutex
	played []ScheduledChunk
	stops  []uint64
	clocks []bool
}

func (s *recordingSink) Play(c ScheduledChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, c)
}

func (s *recordingSink) Stop(id uint64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, id)
}

func (s *recordingSink) Clock(suspended bool, _ float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clocks = append(s.clocks, suspended)
}

func isDone(src Source) bool {
	select {
	case <-src.Done():
		return true
	default:
		return false
	}
}

func halfSecond() Buffer {
	return Buffer{Samples: make([]float32, 12000), SampleRate: 24000}
}

func TestVirtualPlaybackSourceEndsAfterDuration(t *testing.T) {
	clk := clock.NewFake(time.Time{})
	sink := &recordingSink{}
	pb := NewVirtualPlayback(24000, clk, sink)

	src, err := pb.Start(halfSecond(), 0)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	clk.Advance(400 * time.Millisecond)
	if isDone(src) {
		t.Fatalf("source done before its duration elapsed")
	}
	clk.Advance(100 * time.Millisecond)
	if !isDone(src) {
		t.Fatalf("source not done after its duration elapsed")
	}
	if len(sink.played) != 1 || len(sink.stops) != 0 {
		t.Fatalf("sink played=%d stops=%d, want 1 and 0", len(sink.played), len(sink.stops))
	}
}

func TestVirtualPlaybackSuspendFreezesClock(t *testing.T) {
	clk := clock.NewFake(time.Time{})
	pb := NewVirtualPlayback(24000, clk, nil)
	src, _ := pb.Start(halfSecond(), 0)

	clk.Advance(200 * time.Millisecond)
	if err := pb.Suspend(); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	frozen := pb.CurrentTime()
	clk.Advance(5 * time.Second)
	if pb.CurrentTime() != frozen {
		t.Fatalf("CurrentTime() advanced while suspended: %v -> %v", frozen, pb.CurrentTime())
	}
	if isDone(src) {
		t.Fatalf("source finished while suspended")
	}

	_ = pb.Resume()
	clk.Advance(300 * time.Millisecond)
	if !isDone(src) {
		t.Fatalf("source not done after resuming for the remaining duration")
	}
}

func TestVirtualPlaybackStopNotifiesSink(t *testing.T) {
	clk := clock.NewFake(time.Time{})
	sink := &recordingSink{}
	pb := NewVirtualPlayback(24000, clk, sink)
	src, _ := pb.Start(halfSecond(), 0)

	src.Stop()
	src.Stop()
	if !isDone(src) {
		t.Fatalf("stopped source not done")
	}
	if len(sink.stops) != 1 || sink.stops[0] != src.ID() {
		t.Fatalf("sink stops = %v, want [%d]", sink.stops, src.ID())
	}
}

func TestVirtualPlaybackCloseRejectsStart(t *testing.T) {
	pb := NewVirtualPlayback(24000, clock.NewFake(time.Time{}), nil)
	src, _ := pb.Start(halfSecond(), 0)
	_ = pb.Close()
	if !isDone(src) {
		t.Fatalf("pending source not released on Close")
	}
	if _, err := pb.Start(halfSecond(), 0); !errors.Is(err, ErrPlaybackClosed) {
		t.Fatalf("Start() after Close error = %v, want ErrPlaybackClosed", err)
	}
}

func TestPushCaptureReblocks(t *testing.T) {
	c := NewPushCapture(16000, 4, 8)
	c.Write([]float32{1, 2, 3})
	c.Write([]float32{4, 5, 6, 7, 8, 9})

	first := <-c.Blocks()
	second := <-c.Blocks()
	if len(first) != 4 || first[0] != 1 || first[3] != 4 {
		t.Fatalf("first block = %v", first)
	}
	if len(second) != 4 || second[0] != 5 || second[3] != 8 {
		t.Fatalf("second block = %v", second)
	}
	select {
	case b := <-c.Blocks():
		t.Fatalf("unexpected partial block %v", b)
	default:
	}
	_ = c.Close()
	if _, ok := <-c.Blocks(); ok {
		t.Fatalf("Blocks() not closed after Close")
	}
}

func TestBridgeDevicesPermissionDenied(t *testing.T) {
	d := NewBridgeDevices(clock.NewFake(time.Time{}), nil)
	d.SetMicrophoneDenied(true)
	if _, err := d.OpenCapture(context.Background(), 16000, 4096); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("OpenCapture() error = %v, want ErrPermissionDenied", err)
	}
	if d.PushCapture([]float32{0}) {
		t.Fatalf("PushCapture() = true without an open stream")
	}
}
