package audio

import (
	"sync"
	"time"

	"github.com/kokoro-live/kokoro/internal/clock"
)

// ScheduledChunk describes a buffer placed on the virtual clock.
type ScheduledChunk struct {
	SourceID   uint64
	StartAt    float64
	ClockNow   float64
	SampleRate int
	PCM16      []byte
}

// PlaybackSink receives the playback timeline so a remote renderer can follow it.
// Calls are made synchronously and must not block.
type PlaybackSink interface {
	Play(chunk ScheduledChunk)
	Stop(sourceID uint64, reason string)
	Clock(suspended bool, clockNow float64)
}

// VirtualPlayback is a PlaybackContext driven by wall time. Buffers are not
// rendered locally; each scheduled buffer is forwarded to the sink and its
// end is tracked with a timer so Source.Done fires when playback would finish.
type VirtualPlayback struct {
	mu         sync.Mutex
	clk        clock.Clock
	sink       PlaybackSink
	sampleRate int

	resumedAt time.Time
	elapsed   float64
	suspended bool
	closed    bool

	nextID  uint64
	sources map[uint64]*virtualSource
}

type virtualSource struct {
	pb    *VirtualPlayback
	id    uint64
	endAt float64
	timer clock.Timer
	done  chan struct{}
	ended bool
}

func NewVirtualPlayback(sampleRate int, clk clock.Clock, sink PlaybackSink) *VirtualPlayback {
	if clk == nil {
		clk = clock.Real()
	}
	if sampleRate <= 0 {
		sampleRate = PlaybackSampleRate
	}
	return &VirtualPlayback{
		clk:        clk,
		sink:       sink,
		sampleRate: sampleRate,
		resumedAt:  clk.Now(),
		sources:    make(map[uint64]*virtualSource),
	}
}

func (p *VirtualPlayback) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLocked()
}

func (p *VirtualPlayback) currentLocked() float64 {
	if p.suspended || p.closed {
		return p.elapsed
	}
	return p.elapsed + p.clk.Now().Sub(p.resumedAt).Seconds()
}

func (p *VirtualPlayback) Start(buf Buffer, at float64) (Source, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPlaybackClosed
	}
	now := p.currentLocked()
	if at < now {
		at = now
	}
	p.nextID++
	src := &virtualSource{
		pb:    p,
		id:    p.nextID,
		endAt: at + buf.Duration(),
		done:  make(chan struct{}),
	}
	p.sources[src.id] = src
	p.armLocked(src, now)
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		sink.Play(ScheduledChunk{
			SourceID:   src.id,
			StartAt:    at,
			ClockNow:   now,
			SampleRate: buf.SampleRate,
			PCM16:      buf.PCM16(),
		})
	}
	return src, nil
}

func (p *VirtualPlayback) armLocked(src *virtualSource, now float64) {
	if p.suspended {
		return
	}
	remaining := time.Duration((src.endAt - now) * float64(time.Second))
	if remaining < 0 {
		remaining = 0
	}
	src.timer = p.clk.AfterFunc(remaining, func() { p.finish(src, "") })
}

// finish ends src. A non-empty reason means the source was cut off rather
// than played out, and the sink is told to stop it.
func (p *VirtualPlayback) finish(src *virtualSource, reason string) {
	p.mu.Lock()
	if src.ended {
		p.mu.Unlock()
		return
	}
	src.ended = true
	if src.timer != nil {
		src.timer.Stop()
	}
	delete(p.sources, src.id)
	close(src.done)
	sink := p.sink
	p.mu.Unlock()

	if reason != "" && sink != nil {
		sink.Stop(src.id, reason)
	}
}

func (p *VirtualPlayback) Suspend() error {
	p.mu.Lock()
	if p.closed || p.suspended {
		p.mu.Unlock()
		return nil
	}
	p.elapsed = p.currentLocked()
	p.suspended = true
	for _, src := range p.sources {
		if src.timer != nil {
			src.timer.Stop()
			src.timer = nil
		}
	}
	now := p.elapsed
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		sink.Clock(true, now)
	}
	return nil
}

func (p *VirtualPlayback) Resume() error {
	p.mu.Lock()
	if p.closed || !p.suspended {
		p.mu.Unlock()
		return nil
	}
	p.suspended = false
	p.resumedAt = p.clk.Now()
	now := p.elapsed
	for _, src := range p.sources {
		p.armLocked(src, now)
	}
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		sink.Clock(false, now)
	}
	return nil
}

// Suspended reports whether the clock is paused.
func (p *VirtualPlayback) Suspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspended
}

// Close stops every pending source and freezes the clock.
func (p *VirtualPlayback) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.elapsed = p.currentLocked()
	p.closed = true
	pending := make([]*virtualSource, 0, len(p.sources))
	for _, src := range p.sources {
		pending = append(pending, src)
	}
	p.mu.Unlock()

	for _, src := range pending {
		p.finish(src, "closed")
	}
	return nil
}

func (p *VirtualPlayback) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (s *virtualSource) ID() uint64            { return s.id }
func (s *virtualSource) Stop()                 { s.pb.finish(s, "stopped") }
func (s *virtualSource) Done() <-chan struct{} { return s.done }
