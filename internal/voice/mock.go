package voice

import (
	"context"
	"math"
	"sync"

	"github.com/kokoro-live/kokoro/internal/audio"
)

const mockReplyEveryFrames = 8

// MockTransport is an in-process Transport used when no API key is configured
// and in tests. With auto-reply enabled every few uplinked frames produce a
// canned conversational turn.
type MockTransport struct {
	mu         sync.Mutex
	sessions   []*MockSession
	connectErr error
	gate       chan struct{}
	autoReply  bool
	outputRate int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{outputRate: audio.PlaybackSampleRate}
}

// WithAutoReply makes new sessions answer uplinked audio with a canned turn.
func (t *MockTransport) WithAutoReply(outputRate int) *MockTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.autoReply = true
	if outputRate > 0 {
		t.outputRate = outputRate
	}
	return t
}

// SetConnectError makes Connect fail with err until cleared with nil.
func (t *MockTransport) SetConnectError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

// Hold blocks Connect until Release is called or the context ends.
func (t *MockTransport) Hold() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gate == nil {
		t.gate = make(chan struct{})
	}
}

func (t *MockTransport) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gate != nil {
		close(t.gate)
		t.gate = nil
	}
}

func (t *MockTransport) Connect(ctx context.Context, cfg LiveConfig) (LiveSession, error) {
	t.mu.Lock()
	gate := t.gate
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	s := &MockSession{
		Config:     cfg,
		incoming:   make(chan mockItem, 256),
		done:       make(chan struct{}),
		autoReply:  t.autoReply,
		outputRate: t.outputRate,
	}
	t.sessions = append(t.sessions, s)
	return s, nil
}

func (t *MockTransport) ConnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Last returns the most recently opened session, or nil.
func (t *MockTransport) Last() *MockSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

type mockItem struct {
	msg *ServerMessage
	err error
}

// MockSession is a scripted LiveSession.
type MockSession struct {
	Config LiveConfig

	mu         sync.Mutex
	incoming   chan mockItem
	done       chan struct{}
	closed     bool
	sent       []Frame
	autoReply  bool
	outputRate int
}

// Push queues a server message for Receive.
func (s *MockSession) Push(msg *ServerMessage) {
	select {
	case s.incoming <- mockItem{msg: msg}:
	case <-s.done:
	}
}

// Fail makes Receive return err after already queued messages.
func (s *MockSession) Fail(err error) {
	select {
	case s.incoming <- mockItem{err: err}:
	case <-s.done:
	}
}

// CloseRemote simulates the server ending the session.
func (s *MockSession) CloseRemote() {
	s.Fail(ErrTransportClosed)
}

func (s *MockSession) SendRealtimeInput(_ context.Context, frame Frame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrTransportClosed
	}
	s.sent = append(s.sent, frame)
	reply := s.autoReply && len(s.sent)%mockReplyEveryFrames == 0
	s.mu.Unlock()

	if reply {
		for _, msg := range MockReply("simulated voice input", "I'm here and listening.", s.outputRate) {
			s.Push(msg)
		}
	}
	return nil
}

func (s *MockSession) Receive() (*ServerMessage, error) {
	select {
	case it := <-s.incoming:
		if it.err != nil {
			return nil, it.err
		}
		return it.msg, nil
	case <-s.done:
		return nil, ErrTransportClosed
	}
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

func (s *MockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sent returns a copy of the frames uplinked so far.
func (s *MockSession) Sent() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.sent...)
}

// MockReply builds the messages of one complete turn: transcriptions, a short
// audio part and the turn-complete marker.
func MockReply(userText, aiText string, outputRate int) []*ServerMessage {
	return []*ServerMessage{
		{ServerContent: &ServerContent{InputTranscription: &Transcription{Text: userText}}},
		{ServerContent: &ServerContent{
			OutputTranscription: &Transcription{Text: aiText},
			ModelTurn:           &ModelTurn{Parts: []Part{{InlineData: &Blob{Data: MockTone(0.25, outputRate), MIMEType: audio.PCMMimeType(outputRate)}}}},
		}},
		{ServerContent: &ServerContent{TurnComplete: true}},
	}
}

// MockTone renders a quiet 440 Hz sine as PCM16.
func MockTone(seconds float64, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = audio.PlaybackSampleRate
	}
	n := int(seconds * float64(sampleRate))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.2 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
	}
	return audio.QuantizePCM16(samples, true)
}

// MockGreeter returns a fixed tone for every greeting, or Err when set.
type MockGreeter struct {
	mu    sync.Mutex
	Err   error
	PCM   []byte
	gate  chan struct{}
	calls []string
}

func NewMockGreeter() *MockGreeter {
	return &MockGreeter{PCM: MockTone(0.5, audio.PlaybackSampleRate)}
}

// Hold blocks Synthesize until Release.
func (g *MockGreeter) Hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate == nil {
		g.gate = make(chan struct{})
	}
}

func (g *MockGreeter) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate != nil {
		close(g.gate)
		g.gate = nil
	}
}

func (g *MockGreeter) Synthesize(ctx context.Context, text string) ([]byte, error) {
	g.mu.Lock()
	g.calls = append(g.calls, text)
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	return append([]byte(nil), g.PCM...), nil
}

// Calls returns the greeting lines requested so far.
func (g *MockGreeter) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}
