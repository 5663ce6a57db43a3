package voice

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kokoro-live/kokoro/internal/audio"
	"github.com/kokoro-live/kokoro/internal/clock"
	"github.com/kokoro-live/kokoro/internal/memory"
	"github.com/kokoro-live/kokoro/internal/observability"
	"github.com/kokoro-live/kokoro/internal/protocol"
	"github.com/kokoro-live/kokoro/internal/session"
)

const (
	criticalSendTimeout = 600 * time.Millisecond
	sinkQueueSize       = 256
	previewTimeout      = 20 * time.Second
	maxPreviewTextLen   = 400
)

var ErrNoGreeter = errors.New("greeting synthesizer not configured")

// ServiceConfig holds the settings shared by every connection.
type ServiceConfig struct {
	LiveModel        string
	DefaultPersona   string
	InputSampleRate  int
	OutputSampleRate int
	BlockSize        int
	GreetingDelay    time.Duration
	ClampPCM         bool
	UplinkQueue      int

	Transport Transport
	Greeter   GreetingSynthesizer
	Store     memory.Store
	Metrics   *observability.Metrics
	Logger    *zap.SugaredLogger
	Clock     clock.Clock
}

// Service runs one orchestrator per websocket connection and bridges it to
// the client protocol.
type Service struct {
	cfg      ServiceConfig
	sessions *session.Manager
	metrics  *observability.Metrics
	log      *zap.SugaredLogger

	mu   sync.Mutex
	live map[string]*Orchestrator
}

func NewService(cfg ServiceConfig, sessions *session.Manager) *Service {
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = audio.CaptureSampleRate
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = audio.PlaybackSampleRate
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetricsWith(prometheus.NewRegistry(), "kokoro")
	}
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		live:     make(map[string]*Orchestrator),
	}
}

// RunConnection serves one client connection until ctx ends or inbound is
// closed. The session's orchestrator is torn down on return.
func (s *Service) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	if sess == nil {
		return errors.New("nil session")
	}
	log := s.log.With("session_id", sess.ID, "user_id", sess.UserID)
	sink := newOutboundSink(s, sess.ID, outbound)
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		sink.run()
	}()
	devices := audio.NewBridgeDevices(s.cfg.Clock, sink)

	personaID := sess.PersonaID
	if strings.TrimSpace(personaID) == "" {
		personaID = s.cfg.DefaultPersona
	}
	orch := NewOrchestrator(Config{
		SessionID:        sess.ID,
		UserID:           sess.UserID,
		Persona:          PersonaForID(personaID),
		Model:            s.cfg.LiveModel,
		InputSampleRate:  s.cfg.InputSampleRate,
		OutputSampleRate: s.cfg.OutputSampleRate,
		BlockSize:        s.cfg.BlockSize,
		ClampPCM:         s.cfg.ClampPCM,
		UplinkQueue:      s.cfg.UplinkQueue,
		GreetingDelay:    s.cfg.GreetingDelay,
		SpeakerOn:        true,
		Transport:        s.cfg.Transport,
		Devices:          devices,
		Greeter:          s.cfg.Greeter,
		Store:            s.cfg.Store,
		Metrics:          s.metrics,
		Logger:           log,
		Clock:            s.cfg.Clock,
	})
	s.register(sess.ID, orch)
	defer s.unregister(sess.ID, orch)

	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	log.Infow("voice connection opened", "persona", personaID)

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		s.forwardEvents(sess.ID, orch.Events(), outbound)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-inbound:
			if !ok {
				break loop
			}
			_ = s.sessions.Touch(sess.ID)
			s.handleInbound(sess.ID, msg, orch, devices, outbound)
		}
	}

	_ = orch.Close()
	<-forwardDone
	sink.close()
	<-sinkDone
	log.Infow("voice connection closed")
	return nil
}

func (s *Service) handleInbound(sessionID string, msg any, orch *Orchestrator, devices *audio.BridgeDevices, outbound chan<- any) {
	switch m := msg.(type) {
	case protocol.ClientControl:
		if m.SessionID != sessionID {
			s.sendError(outbound, sessionID, "session_mismatch", "gateway", false, "control message for another session")
			return
		}
		s.handleControl(m.Action, orch, devices)
	case protocol.ClientAudioBlock:
		if m.SessionID != sessionID {
			s.sendError(outbound, sessionID, "session_mismatch", "gateway", false, "audio block for another session")
			return
		}
		if m.SampleRate != s.cfg.InputSampleRate {
			s.sendError(outbound, sessionID, "unsupported_sample_rate", "gateway", false,
				fmt.Sprintf("sample_rate %d, want %d", m.SampleRate, s.cfg.InputSampleRate))
			return
		}
		raw, err := audio.DecodeBase64(m.F32LEBase64)
		if err != nil {
			s.sendError(outbound, sessionID, "invalid_audio", "gateway", false, err.Error())
			return
		}
		samples, err := audio.DecodeFloat32LE(raw)
		if err != nil {
			s.sendError(outbound, sessionID, "invalid_audio", "gateway", false, err.Error())
			return
		}
		if !devices.PushCapture(samples) {
			s.metrics.UplinkFrames.WithLabelValues("capture_dropped").Inc()
		}
	default:
		s.log.Debugw("ignoring inbound message", "type", fmt.Sprintf("%T", msg))
	}
}

func (s *Service) handleControl(action string, orch *Orchestrator, devices *audio.BridgeDevices) {
	var err error
	switch action {
	case protocol.ActionStart:
		err = orch.StartSession()
	case protocol.ActionStop:
		err = orch.StopSession()
	case protocol.ActionSpeakerOn:
		err = orch.SetSpeaker(true)
	case protocol.ActionSpeakerOff:
		err = orch.SetSpeaker(false)
	case protocol.ActionMicDenied:
		devices.SetMicrophoneDenied(true)
	case protocol.ActionMicGranted:
		devices.SetMicrophoneDenied(false)
	}
	if err != nil {
		s.log.Debugw("control action failed", "action", action, "err", err)
	}
}

func (s *Service) forwardEvents(sessionID string, events <-chan Event, outbound chan<- any) {
	for ev := range events {
		switch ev.Type {
		case EventState:
			_ = s.sessions.SetConnectionState(sessionID, string(ev.State))
			msg := protocol.ConnectionState{
				Type:      protocol.TypeConnectionState,
				SessionID: sessionID,
				State:     string(ev.State),
			}
			if ev.Err != nil {
				msg.Detail = ev.Err.Error()
			}
			s.send(outbound, msg)
			if ev.State == StateError && ev.Err != nil {
				code, retryable := Classify(ev.Err)
				s.sendError(outbound, sessionID, code, "orchestrator", retryable, ev.Err.Error())
			}
		case EventInterim:
			s.send(outbound, protocol.TranscriptInterim{
				Type:      protocol.TypeTranscriptInterim,
				SessionID: sessionID,
				Text:      ev.Text,
			})
		case EventTranscript:
			_ = s.sessions.RecordTurn(sessionID)
			s.send(outbound, protocol.TranscriptEntry{
				Type:      protocol.TypeTranscriptEntry,
				SessionID: sessionID,
				Speaker:   string(ev.Entry.Speaker),
				Text:      ev.Entry.Text,
				TSMs:      ev.Entry.Timestamp.UnixMilli(),
			})
		case EventInterrupt:
			_ = s.sessions.Interrupt(sessionID)
		}
	}
}

func (s *Service) sendError(outbound chan<- any, sessionID, code, source string, retryable bool, detail string) {
	s.send(outbound, protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	})
}

// send queues msg for the websocket writer. Interim text and clock updates
// are dropped under backpressure; everything else waits briefly.
func (s *Service) send(outbound chan<- any, msg any) {
	msgType := messageTypeName(msg)
	if !isCriticalMessage(msg) {
		select {
		case outbound <- msg:
			s.metrics.ObserveOutboundMessage(msgType, "queued")
		default:
			s.metrics.ObserveOutboundMessage(msgType, "drop_full")
		}
		return
	}

	timer := time.NewTimer(criticalSendTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		s.metrics.ObserveOutboundMessage(msgType, "queued")
	case <-timer.C:
		s.metrics.ObserveOutboundMessage(msgType, "drop_timeout")
	}
}

func isCriticalMessage(msg any) bool {
	switch msg.(type) {
	case protocol.TranscriptInterim, protocol.PlaybackClock:
		return false
	default:
		return true
	}
}

func messageTypeName(msg any) string {
	switch m := msg.(type) {
	case protocol.ConnectionState:
		return string(m.Type)
	case protocol.TranscriptInterim:
		return string(m.Type)
	case protocol.TranscriptEntry:
		return string(m.Type)
	case protocol.AssistantAudioChunk:
		return string(m.Type)
	case protocol.PlaybackStop:
		return string(m.Type)
	case protocol.PlaybackClock:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
}

// outboundSink mirrors the virtual playback timeline to the client. Calls come
// from the orchestrator loop, so they only enqueue; run forwards the queue to
// the websocket writer in order.
type outboundSink struct {
	svc       *Service
	sessionID string
	outbound  chan<- any
	queue     chan any
	quit      chan struct{}

	mu     sync.Mutex
	closed bool
}

func newOutboundSink(svc *Service, sessionID string, outbound chan<- any) *outboundSink {
	return &outboundSink{
		svc:       svc,
		sessionID: sessionID,
		outbound:  outbound,
		queue:     make(chan any, sinkQueueSize),
		quit:      make(chan struct{}),
	}
}

func (k *outboundSink) run() {
	for {
		select {
		case <-k.quit:
			return
		case msg := <-k.queue:
			k.svc.send(k.outbound, msg)
		}
	}
}

// close stops run. Anything still queued is discarded.
func (k *outboundSink) close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return
	}
	k.closed = true
	close(k.quit)
}

func (k *outboundSink) enqueue(msg any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return
	}
	select {
	case k.queue <- msg:
	default:
		k.svc.metrics.ObserveOutboundMessage(messageTypeName(msg), "drop_sink_full")
	}
}

func (k *outboundSink) Play(chunk audio.ScheduledChunk) {
	k.enqueue(protocol.AssistantAudioChunk{
		Type:        protocol.TypeAssistantAudioChunk,
		SessionID:   k.sessionID,
		SourceID:    chunk.SourceID,
		StartAt:     chunk.StartAt,
		ClockNow:    chunk.ClockNow,
		SampleRate:  chunk.SampleRate,
		PCM16Base64: audio.EncodeBase64(chunk.PCM16),
	})
}

func (k *outboundSink) Stop(sourceID uint64, reason string) {
	k.enqueue(protocol.PlaybackStop{
		Type:      protocol.TypePlaybackStop,
		SessionID: k.sessionID,
		SourceID:  sourceID,
		Reason:    reason,
	})
}

func (k *outboundSink) Clock(suspended bool, clockNow float64) {
	k.enqueue(protocol.PlaybackClock{
		Type:      protocol.TypePlaybackClock,
		SessionID: k.sessionID,
		Suspended: suspended,
		ClockNow:  clockNow,
	})
}

func (s *Service) register(sessionID string, orch *Orchestrator) {
	s.mu.Lock()
	prev := s.live[sessionID]
	s.live[sessionID] = orch
	s.mu.Unlock()
	if prev != nil {
		// A reconnect replaces the previous connection's conversation.
		_ = prev.StopSession()
	}
}

func (s *Service) unregister(sessionID string, orch *Orchestrator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[sessionID] == orch {
		delete(s.live, sessionID)
	}
}

func (s *Service) orchestrator(sessionID string) *Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[sessionID]
}

// Snapshot returns the live conversation view for a connected session.
func (s *Service) Snapshot(sessionID string) (Snapshot, bool) {
	orch := s.orchestrator(sessionID)
	if orch == nil {
		return Snapshot{}, false
	}
	return orch.Snapshot(), true
}

// Stop ends the live conversation for sessionID, if any.
func (s *Service) Stop(sessionID string) bool {
	orch := s.orchestrator(sessionID)
	if orch == nil {
		return false
	}
	return orch.StopSession() == nil
}

// StopAll closes every live conversation and waits until their pending
// transcript saves have finished or ctx ends.
func (s *Service) StopAll(ctx context.Context) error {
	s.mu.Lock()
	live := make([]*Orchestrator, 0, len(s.live))
	for _, orch := range s.live {
		live = append(live, orch)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, orch := range live {
			wg.Go(func() { _ = orch.Close() })
		}
		wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History returns a user's most recent persisted utterances, oldest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]memory.Record, error) {
	if s.cfg.Store == nil {
		return nil, nil
	}
	return s.cfg.Store.UserHistory(ctx, userID, limit)
}

// Transcript returns everything persisted for one session.
func (s *Service) Transcript(ctx context.Context, sessionID string) ([]memory.Record, error) {
	if s.cfg.Store == nil {
		return nil, nil
	}
	return s.cfg.Store.SessionTranscript(ctx, sessionID)
}

// PreviewGreeting synthesizes text, or a random canned greeting when empty,
// and returns it as a WAV file.
func (s *Service) PreviewGreeting(ctx context.Context, text string) ([]byte, error) {
	if s.cfg.Greeter == nil {
		return nil, ErrNoGreeter
	}
	text = strings.TrimSpace(text)
	if text == "" {
		greetings := DefaultGreetings()
		text = greetings[rand.IntN(len(greetings))]
	}
	if len(text) > maxPreviewTextLen {
		return nil, fmt.Errorf("preview text longer than %d bytes", maxPreviewTextLen)
	}

	ctx, cancel := context.WithTimeout(ctx, previewTimeout)
	defer cancel()
	pcm, err := s.cfg.Greeter.Synthesize(ctx, text)
	if err != nil {
		s.metrics.Greetings.WithLabelValues("preview_failed").Inc()
		return nil, fmt.Errorf("%w: %w", ErrGreetingSynthesis, err)
	}
	if _, err := audio.DecodePCM16(pcm, s.cfg.OutputSampleRate); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGreetingSynthesis, err)
	}
	s.metrics.Greetings.WithLabelValues("preview").Inc()
	return audio.EncodeWAV(pcm, s.cfg.OutputSampleRate)
}
