package audio

import (
	"context"
	"sync"

	"github.com/kokoro-live/kokoro/internal/clock"
)

const captureQueueBlocks = 32

// BridgeDevices implements Devices for a remote client: microphone samples are
// pushed in by the connection reader and playback runs on a VirtualPlayback
// whose timeline is mirrored to the client through the sink.
type BridgeDevices struct {
	clk  clock.Clock
	sink PlaybackSink

	mu        sync.Mutex
	micDenied bool
	capture   *PushCapture
}

func NewBridgeDevices(clk clock.Clock, sink PlaybackSink) *BridgeDevices {
	if clk == nil {
		clk = clock.Real()
	}
	return &BridgeDevices{clk: clk, sink: sink}
}

// SetMicrophoneDenied records the client's microphone permission outcome.
func (d *BridgeDevices) SetMicrophoneDenied(denied bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.micDenied = denied
}

func (d *BridgeDevices) OpenCapture(_ context.Context, sampleRate, blockSize int) (CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.micDenied {
		return nil, ErrPermissionDenied
	}
	if d.capture != nil {
		_ = d.capture.Close()
	}
	d.capture = NewPushCapture(sampleRate, blockSize, captureQueueBlocks)
	return d.capture, nil
}

func (d *BridgeDevices) OpenPlayback(_ context.Context, sampleRate int) (PlaybackContext, error) {
	return NewVirtualPlayback(sampleRate, d.clk, d.sink), nil
}

// PushCapture forwards client samples into the open capture stream. It reports
// false when no stream is open or samples were dropped.
func (d *BridgeDevices) PushCapture(samples []float32) bool {
	d.mu.Lock()
	c := d.capture
	d.mu.Unlock()
	if c == nil {
		return false
	}
	return c.Write(samples)
}

// PushCapture re-blocks arbitrarily sized writes into fixed-size capture blocks.
type PushCapture struct {
	mu         sync.Mutex
	sampleRate int
	blockSize  int
	pending    []float32
	blocks     chan []float32
	closed     bool
}

func NewPushCapture(sampleRate, blockSize, queue int) *PushCapture {
	if blockSize <= 0 {
		blockSize = CaptureBlockSize
	}
	if queue <= 0 {
		queue = captureQueueBlocks
	}
	return &PushCapture{
		sampleRate: sampleRate,
		blockSize:  blockSize,
		pending:    make([]float32, 0, blockSize),
		blocks:     make(chan []float32, queue),
	}
}

func (c *PushCapture) SampleRate() int { return c.sampleRate }

func (c *PushCapture) Blocks() <-chan []float32 { return c.blocks }

// Write appends samples and emits every complete block. Blocks that do not
// fit in the queue are dropped and Write reports false.
func (c *PushCapture) Write(samples []float32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	ok := true
	for len(samples) > 0 {
		n := c.blockSize - len(c.pending)
		if n > len(samples) {
			n = len(samples)
		}
		c.pending = append(c.pending, samples[:n]...)
		samples = samples[n:]
		if len(c.pending) < c.blockSize {
			break
		}
		block := make([]float32, c.blockSize)
		copy(block, c.pending)
		c.pending = c.pending[:0]
		select {
		case c.blocks <- block:
		default:
			ok = false
		}
	}
	return ok
}

func (c *PushCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.blocks)
	return nil
}
