package voice

import (
	"github.com/kokoro-live/kokoro/internal/audio"
)

// PlaybackQueue schedules streamed audio buffers back to back on a playback
// clock and tracks the ones still in flight.
type PlaybackQueue struct {
	nextStartTime float64
	active        map[uint64]audio.Source
}

func NewPlaybackQueue() *PlaybackQueue {
	return &PlaybackQueue{active: make(map[uint64]audio.Source)}
}

// Schedule starts buf at max(nextStartTime, clock now) and advances the
// cursor by the buffer's duration.
func (q *PlaybackQueue) Schedule(pb audio.PlaybackContext, buf audio.Buffer) (audio.Source, float64, error) {
	start := q.nextStartTime
	if now := pb.CurrentTime(); now > start {
		start = now
	}
	src, err := pb.Start(buf, start)
	if err != nil {
		return nil, 0, err
	}
	q.nextStartTime = start + buf.Duration()
	q.active[src.ID()] = src
	return src, start, nil
}

// Ended drops a source whose playback finished on its own.
func (q *PlaybackQueue) Ended(id uint64) {
	delete(q.active, id)
}

// Interrupt stops every in-flight source and rewinds the cursor to zero.
func (q *PlaybackQueue) Interrupt() int {
	n := len(q.active)
	for id, src := range q.active {
		src.Stop()
		delete(q.active, id)
	}
	q.nextStartTime = 0
	return n
}

func (q *PlaybackQueue) Active() int { return len(q.active) }

func (q *PlaybackQueue) NextStartTime() float64 { return q.nextStartTime }
