package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned when microphone access is refused.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrPlaybackClosed is returned when scheduling on a closed playback context.
	ErrPlaybackClosed = errors.New("playback context closed")
)

// CaptureStream delivers fixed-size blocks of mono float samples in [-1, 1].
// Blocks is closed once the stream is closed.
type CaptureStream interface {
	Blocks() <-chan []float32
	Close() error
}

// Source is one scheduled playback buffer.
type Source interface {
	ID() uint64
	// Stop halts playback immediately. Safe to call more than once.
	Stop()
	// Done is closed when the buffer finishes playing or is stopped.
	Done() <-chan struct{}
}

// PlaybackContext is an audio clock that buffers are scheduled against.
type PlaybackContext interface {
	// CurrentTime is the audio clock position in seconds. It does not advance
	// while the context is suspended.
	CurrentTime() float64
	// Start schedules buf to begin at the given clock time. Times in the past
	// start immediately.
	Start(buf Buffer, at float64) (Source, error)
	Suspend() error
	Resume() error
	Close() error
	Closed() bool
}

// Devices opens the platform audio primitives for one session.
type Devices interface {
	OpenCapture(ctx context.Context, sampleRate, blockSize int) (CaptureStream, error)
	OpenPlayback(ctx context.Context, sampleRate int) (PlaybackContext, error)
}
