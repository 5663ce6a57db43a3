package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kokoro-live/kokoro/internal/audio"
	"github.com/kokoro-live/kokoro/internal/clock"
	"github.com/kokoro-live/kokoro/internal/memory"
	"github.com/kokoro-live/kokoro/internal/observability"
	"github.com/kokoro-live/kokoro/internal/policy"
)

const (
	defaultGreetingDelay = 4 * time.Second
	defaultUplinkQueue   = 64
	greetingTimeout      = 15 * time.Second
	memorySaveTimeout    = 2 * time.Second
	criticalEmitTimeout  = 500 * time.Millisecond
	loopQueueSize        = 256
	eventQueueSize       = 256
)

// Config wires one orchestrator. Transport and Devices are required.
type Config struct {
	SessionID string
	UserID    string
	Persona   Persona
	Model     string

	InputSampleRate  int
	OutputSampleRate int
	BlockSize        int
	ClampPCM         bool
	UplinkQueue      int

	// GreetingDelay is the quiet period before the canned greeting plays.
	// A negative value disables the greeting.
	GreetingDelay time.Duration
	Greetings     []string
	SpeakerOn     bool

	Transport Transport
	Devices   audio.Devices
	Greeter   GreetingSynthesizer
	Store     memory.Store
	Metrics   *observability.Metrics
	Logger    *zap.SugaredLogger
	Clock     clock.Clock
}

// Snapshot is a consistent copy of the state exposed to the presentation layer.
type Snapshot struct {
	State     ConnectionState   `json:"state"`
	History   []TranscriptEntry `json:"history"`
	Interim   string            `json:"interim"`
	LastError error             `json:"-"`
}

// Orchestrator owns the lifecycle of one real-time voice conversation. All
// session state is mutated by a single loop goroutine; every callback source
// (transport, capture, playback, timers, public calls) posts an event to it.
type Orchestrator struct {
	cfg     Config
	log     *zap.SugaredLogger
	metrics *observability.Metrics
	clk     clock.Clock

	events    chan loopEvent
	out       chan Event
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	saves     sync.WaitGroup

	// Loop-owned.
	state          ConnectionState
	lastErr        error
	epoch          uint64
	startedAt      time.Time
	setupCancel    context.CancelFunc
	res            *resources
	queue          *PlaybackQueue
	user           TranscriptAccumulator
	ai             TranscriptAccumulator
	history        []TranscriptEntry
	interim        string
	speakerOn      bool
	userSpoke      bool
	greetingTimer  clock.Timer
	greetingGen    uint64
	greetingCancel context.CancelFunc

	viewMu sync.RWMutex
	view   Snapshot
}

// resources are acquired by startSession and released together on every exit path.
type resources struct {
	ctx      context.Context
	cancel   context.CancelFunc
	playback audio.PlaybackContext
	capture  audio.CaptureStream
	session  LiveSession
	uplink   chan Frame
}

func (r *resources) release(log *zap.SugaredLogger) {
	if r.cancel != nil {
		r.cancel()
	}
	if r.uplink != nil {
		close(r.uplink)
		r.uplink = nil
	}
	if r.capture != nil {
		if err := r.capture.Close(); err != nil {
			log.Debugw("capture close failed", "err", err)
		}
		r.capture = nil
	}
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			log.Debugw("transport close failed", "err", err)
		}
		r.session = nil
	}
	if r.playback != nil {
		if !r.playback.Closed() {
			if err := r.playback.Close(); err != nil {
				log.Debugw("playback close failed", "err", err)
			}
		}
		r.playback = nil
	}
}

type loopEvent interface{ loopEvent() }

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdSpeaker
)

type (
	command struct {
		kind commandKind
		on   bool
		done chan struct{}
	}
	setupDone struct {
		epoch uint64
		res   *resources
	}
	setupFailed struct {
		epoch uint64
		err   error
	}
	transportMessage struct {
		epoch uint64
		msg   *ServerMessage
	}
	transportFailed struct {
		epoch uint64
		err   error
	}
	transportClosed struct{ epoch uint64 }
	captureBlock    struct {
		epoch   uint64
		samples []float32
	}
	playbackEnded struct {
		epoch uint64
		id    uint64
	}
	greetingDue struct {
		epoch uint64
		gen   uint64
	}
	greetingReady struct {
		epoch uint64
		gen   uint64
		text  string
		pcm   []byte
	}
	greetingFailed struct {
		epoch uint64
		gen   uint64
		err   error
	}
)

func (command) loopEvent()          {}
func (setupDone) loopEvent()        {}
func (setupFailed) loopEvent()      {}
func (transportMessage) loopEvent() {}
func (transportFailed) loopEvent()  {}
func (transportClosed) loopEvent()  {}
func (captureBlock) loopEvent()     {}
func (playbackEnded) loopEvent()    {}
func (greetingDue) loopEvent()      {}
func (greetingReady) loopEvent()    {}
func (greetingFailed) loopEvent()   {}

func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = audio.CaptureSampleRate
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = audio.PlaybackSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = audio.CaptureBlockSize
	}
	if cfg.UplinkQueue <= 0 {
		cfg.UplinkQueue = defaultUplinkQueue
	}
	if cfg.GreetingDelay == 0 {
		cfg.GreetingDelay = defaultGreetingDelay
	}
	if len(cfg.Greetings) == 0 {
		cfg.Greetings = DefaultGreetings()
	}
	if cfg.Persona.ID == "" {
		cfg.Persona = PersonaForID(DefaultPersonaID)
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

	o := &Orchestrator{
		cfg:       cfg,
		log:       cfg.Logger.With("session_id", cfg.SessionID),
		metrics:   cfg.Metrics,
		clk:       cfg.Clock,
		events:    make(chan loopEvent, loopQueueSize),
		out:       make(chan Event, eventQueueSize),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		state:     StateIdle,
		queue:     NewPlaybackQueue(),
		speakerOn: cfg.SpeakerOn,
	}
	o.view.State = StateIdle
	go o.run()
	return o
}

// StartSession opens a new conversation. It is a no-op while a session is
// connecting or connected. Failures surface through the connection state.
func (o *Orchestrator) StartSession() error {
	return o.call(command{kind: cmdStart})
}

// StopSession tears down the current conversation. Safe from any state.
func (o *Orchestrator) StopSession() error {
	return o.call(command{kind: cmdStop})
}

// SetSpeaker suspends or resumes the playback clock.
func (o *Orchestrator) SetSpeaker(on bool) error {
	return o.call(command{kind: cmdSpeaker, on: on})
}

// Events streams state, interim and transcript updates. The channel is closed by Close.
func (o *Orchestrator) Events() <-chan Event { return o.out }

// Close stops any session and terminates the event loop.
func (o *Orchestrator) Close() error {
	_ = o.StopSession()
	o.closeOnce.Do(func() {
		close(o.quit)
		<-o.loopDone
		o.saves.Wait()
		close(o.out)
	})
	return nil
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.viewMu.RLock()
	defer o.viewMu.RUnlock()
	s := o.view
	s.History = append([]TranscriptEntry(nil), o.view.History...)
	return s
}

func (o *Orchestrator) State() ConnectionState {
	o.viewMu.RLock()
	defer o.viewMu.RUnlock()
	return o.view.State
}

func (o *Orchestrator) History() []TranscriptEntry {
	return o.Snapshot().History
}

func (o *Orchestrator) Interim() string {
	o.viewMu.RLock()
	defer o.viewMu.RUnlock()
	return o.view.Interim
}

// LastError returns the failure behind the most recent error state, cleared
// when a new session starts.
func (o *Orchestrator) LastError() error {
	o.viewMu.RLock()
	defer o.viewMu.RUnlock()
	return o.view.LastError
}

// View is the history followed by the in-progress user utterance, if any.
func (o *Orchestrator) View() []TranscriptEntry {
	s := o.Snapshot()
	if s.Interim == "" {
		return s.History
	}
	return append(s.History, TranscriptEntry{Speaker: SpeakerUser, Text: s.Interim, Timestamp: o.clk.Now()})
}

func (o *Orchestrator) call(cmd command) error {
	cmd.done = make(chan struct{})
	if !o.post(cmd) {
		return ErrOrchestratorClosed
	}
	select {
	case <-cmd.done:
		return nil
	case <-o.loopDone:
		return ErrOrchestratorClosed
	}
}

func (o *Orchestrator) post(ev loopEvent) bool {
	select {
	case <-o.quit:
		return false
	default:
	}
	select {
	case o.events <- ev:
		return true
	case <-o.quit:
		return false
	}
}

func (o *Orchestrator) run() {
	defer close(o.loopDone)
	for {
		select {
		case <-o.quit:
			return
		case ev := <-o.events:
			o.dispatch(ev)
		}
	}
}

func (o *Orchestrator) dispatch(ev loopEvent) {
	switch e := ev.(type) {
	case command:
		switch e.kind {
		case cmdStart:
			o.handleStart()
		case cmdStop:
			o.handleStop()
		case cmdSpeaker:
			o.handleSpeaker(e.on)
		}
		close(e.done)
	case setupDone:
		o.handleSetupDone(e)
	case setupFailed:
		if e.epoch == o.epoch {
			o.fail(e.err)
		}
	case transportMessage:
		if e.epoch == o.epoch && o.state == StateConnected {
			o.handleServerMessage(e.msg)
		}
	case transportFailed:
		if e.epoch == o.epoch {
			o.fail(fmt.Errorf("%w: %w", ErrTransport, e.err))
		}
	case transportClosed:
		if e.epoch == o.epoch {
			o.log.Infow("transport closed by remote")
			o.metrics.SessionEvents.WithLabelValues("transport_closed").Inc()
			o.teardown()
			o.setState(StateClosed, nil)
		}
	case captureBlock:
		if e.epoch == o.epoch {
			o.handleCaptureBlock(e.samples)
		}
	case playbackEnded:
		if e.epoch == o.epoch {
			o.queue.Ended(e.id)
		}
	case greetingDue:
		o.handleGreetingDue(e)
	case greetingReady:
		o.handleGreetingReady(e)
	case greetingFailed:
		if e.epoch == o.epoch && e.gen == o.greetingGen {
			o.greetingCancel = nil
			o.log.Warnw("greeting synthesis failed", "err", fmt.Errorf("%w: %w", ErrGreetingSynthesis, e.err))
			o.metrics.Greetings.WithLabelValues("failed").Inc()
		}
	}
}

func (o *Orchestrator) handleStart() {
	if o.state.Active() {
		o.log.Debugw("start ignored", "state", o.state)
		return
	}
	o.epoch++
	o.history = nil
	o.user.Reset()
	o.ai.Reset()
	o.interim = ""
	o.userSpoke = false
	o.lastErr = nil
	o.queue = NewPlaybackQueue()
	o.startedAt = o.clk.Now()

	ctx, cancel := context.WithCancel(context.Background())
	o.setupCancel = cancel
	o.setState(StateConnecting, nil)
	o.log.Infow("voice session starting", "persona", o.cfg.Persona.ID)
	o.metrics.SessionEvents.WithLabelValues("start").Inc()

	go o.acquire(ctx, cancel, o.epoch)
}

// acquire opens playback, capture and the transport in order. On failure
// everything acquired so far is released before reporting.
func (o *Orchestrator) acquire(ctx context.Context, cancel context.CancelFunc, epoch uint64) {
	res := &resources{ctx: ctx, cancel: cancel}
	if err := o.openResources(ctx, res); err != nil {
		res.release(o.log)
		o.post(setupFailed{epoch: epoch, err: err})
		return
	}
	if !o.post(setupDone{epoch: epoch, res: res}) {
		res.release(o.log)
	}
}

func (o *Orchestrator) openResources(ctx context.Context, res *resources) error {
	pb, err := o.cfg.Devices.OpenPlayback(ctx, o.cfg.OutputSampleRate)
	if err != nil {
		return fmt.Errorf("open playback: %w", err)
	}
	res.playback = pb

	capture, err := o.cfg.Devices.OpenCapture(ctx, o.cfg.InputSampleRate, o.cfg.BlockSize)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	res.capture = capture

	session, err := o.cfg.Transport.Connect(ctx, o.liveConfig())
	if err != nil {
		return fmt.Errorf("%w: connect: %w", ErrTransport, err)
	}
	res.session = session
	return ctx.Err()
}

func (o *Orchestrator) liveConfig() LiveConfig {
	return LiveConfig{
		Model:                    o.cfg.Model,
		SystemInstruction:        o.cfg.Persona.SystemInstruction,
		ResponseModalities:       []string{"AUDIO"},
		InputAudioTranscription:  true,
		OutputAudioTranscription: true,
	}
}

func (o *Orchestrator) handleSetupDone(e setupDone) {
	if e.epoch != o.epoch || o.state != StateConnecting {
		// Stopped while connecting: never resurrect the session.
		e.res.release(o.log)
		o.metrics.SessionEvents.WithLabelValues("late_open_discarded").Inc()
		return
	}
	o.res = e.res
	o.setupCancel = nil
	o.applySpeaker()

	o.res.uplink = make(chan Frame, o.cfg.UplinkQueue)
	go o.pumpUplink(o.res.ctx, o.res.session, o.res.uplink)
	go o.pumpCapture(e.epoch, o.res.capture)
	go o.pumpTransport(e.epoch, o.res.session)

	o.metrics.ObserveConnectLatency(o.clk.Now().Sub(o.startedAt))
	o.armGreeting()
	o.setState(StateConnected, nil)
	o.log.Infow("voice session connected")
}

func (o *Orchestrator) handleStop() {
	if o.state.Active() {
		o.log.Infow("voice session stopping")
		o.metrics.SessionEvents.WithLabelValues("stop").Inc()
	}
	o.teardown()
	o.setState(StateClosed, nil)
}

func (o *Orchestrator) handleSpeaker(on bool) {
	o.speakerOn = on
	o.applySpeaker()
}

func (o *Orchestrator) applySpeaker() {
	if o.res == nil || o.res.playback == nil {
		return
	}
	var err error
	if o.speakerOn {
		err = o.res.playback.Resume()
	} else {
		err = o.res.playback.Suspend()
	}
	if err != nil {
		o.log.Warnw("speaker toggle failed", "on", o.speakerOn, "err", err)
	}
}

// fail is terminal for the session: report the error state, then tear down.
func (o *Orchestrator) fail(err error) {
	code, _ := Classify(err)
	o.log.Errorw("voice session failed", "code", code, "err", err)
	o.metrics.TransportErrors.WithLabelValues(code).Inc()
	o.setState(StateError, err)
	o.teardown()
	o.setState(StateClosed, nil)
}

func (o *Orchestrator) teardown() {
	o.cancelGreeting()
	if o.setupCancel != nil {
		o.setupCancel()
		o.setupCancel = nil
	}
	o.epoch++
	if n := o.queue.Interrupt(); n > 0 {
		o.metrics.PlaybackChunks.WithLabelValues("stopped_on_teardown").Add(float64(n))
	}
	if o.res != nil {
		o.res.release(o.log)
		o.res = nil
	}
	o.user.Reset()
	o.ai.Reset()
	o.setInterim("")
}

func (o *Orchestrator) pumpTransport(epoch uint64, session LiveSession) {
	for {
		msg, err := session.Receive()
		if err != nil {
			if errors.Is(err, ErrTransportClosed) || errors.Is(err, io.EOF) {
				o.post(transportClosed{epoch: epoch})
			} else {
				o.post(transportFailed{epoch: epoch, err: err})
			}
			return
		}
		if msg == nil {
			continue
		}
		if !o.post(transportMessage{epoch: epoch, msg: msg}) {
			return
		}
	}
}

func (o *Orchestrator) pumpCapture(epoch uint64, capture audio.CaptureStream) {
	for block := range capture.Blocks() {
		if !o.post(captureBlock{epoch: epoch, samples: block}) {
			return
		}
	}
}

// pumpUplink sends frames one at a time so they reach the transport in
// capture order.
func (o *Orchestrator) pumpUplink(ctx context.Context, session LiveSession, frames <-chan Frame) {
	for frame := range frames {
		if err := session.SendRealtimeInput(ctx, frame); err != nil {
			if ctx.Err() != nil {
				continue
			}
			o.metrics.UplinkFrames.WithLabelValues("send_failed").Inc()
			o.log.Debugw("uplink send failed", "err", err)
			continue
		}
		o.metrics.UplinkFrames.WithLabelValues("sent").Inc()
	}
}

func (o *Orchestrator) handleCaptureBlock(samples []float32) {
	if o.state != StateConnected || o.res == nil || o.res.uplink == nil {
		return
	}
	frame := Frame{
		Data:     audio.QuantizePCM16(samples, o.cfg.ClampPCM),
		MIMEType: audio.PCMMimeType(o.cfg.InputSampleRate),
	}
	select {
	case o.res.uplink <- frame:
	default:
		o.metrics.UplinkFrames.WithLabelValues("dropped").Inc()
		o.log.Debugw("uplink queue full, frame dropped")
	}
}

func (o *Orchestrator) handleServerMessage(msg *ServerMessage) {
	sc := msg.ServerContent
	if sc == nil {
		return
	}

	if sc.InputTranscription != nil {
		text := sc.InputTranscription.Text
		if text != "" && !o.userSpoke {
			o.userSpoke = true
			o.cancelGreeting()
		}
		o.user.Append(text)
		o.setInterim(o.user.String())
	}
	if sc.OutputTranscription != nil {
		o.ai.Append(sc.OutputTranscription.Text)
	}
	if sc.TurnComplete {
		o.finalizeTurn()
	}
	if sc.Interrupted {
		n := o.queue.Interrupt()
		o.metrics.Interruptions.Inc()
		o.emit(Event{Type: EventInterrupt, State: o.state, Stopped: n})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			o.schedulePart(part)
		}
	}
}

func (o *Orchestrator) schedulePart(part Part) {
	if part.InlineData == nil || len(part.InlineData.Data) == 0 {
		return
	}
	buf, err := audio.DecodePCM16(part.InlineData.Data, o.cfg.OutputSampleRate)
	if err != nil {
		o.metrics.PlaybackChunks.WithLabelValues("malformed").Inc()
		o.log.Debugw("skipping audio payload", "err", fmt.Errorf("%w: %w", ErrMalformedMessage, err))
		return
	}
	o.play(buf)
}

func (o *Orchestrator) play(buf audio.Buffer) {
	if o.res == nil || o.res.playback == nil || o.res.playback.Closed() {
		o.metrics.PlaybackChunks.WithLabelValues("no_playback").Inc()
		return
	}
	src, _, err := o.queue.Schedule(o.res.playback, buf)
	if err != nil {
		o.metrics.PlaybackChunks.WithLabelValues("schedule_failed").Inc()
		o.log.Warnw("schedule playback failed", "err", err)
		return
	}
	o.metrics.PlaybackChunks.WithLabelValues("scheduled").Inc()
	epoch := o.epoch
	go func() {
		<-src.Done()
		o.post(playbackEnded{epoch: epoch, id: src.ID()})
	}()
}

func (o *Orchestrator) finalizeTurn() {
	now := o.clk.Now()
	if text, ok := o.user.TakeFinal(); ok {
		o.appendEntry(TranscriptEntry{Speaker: SpeakerUser, Text: text, Timestamp: now})
	}
	if text, ok := o.ai.TakeFinal(); ok {
		// One tick after the user entry so same-turn entries sort user first.
		o.appendEntry(TranscriptEntry{Speaker: SpeakerAI, Text: text, Timestamp: now.Add(time.Millisecond)})
	}
	o.setInterim("")
}

func (o *Orchestrator) appendEntry(entry TranscriptEntry) {
	o.history = append(o.history, entry)
	o.publish()
	o.metrics.TranscriptTurns.WithLabelValues(string(entry.Speaker)).Inc()
	o.emit(Event{Type: EventTranscript, State: o.state, Entry: entry})
	o.saveEntryBestEffort(entry)
}

func (o *Orchestrator) saveEntryBestEffort(entry TranscriptEntry) {
	if o.cfg.Store == nil {
		return
	}
	content, matched := policy.RedactPII(entry.Text)
	record := memory.Record{
		UserID:      o.cfg.UserID,
		SessionID:   o.cfg.SessionID,
		Speaker:     string(entry.Speaker),
		Text:        content,
		PIIRedacted: len(matched) > 0,
		SpokenAt:    entry.Timestamp.UTC(),
	}
	o.saves.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), memorySaveTimeout)
		defer cancel()
		if err := o.cfg.Store.Append(ctx, record); err != nil {
			o.metrics.SessionEvents.WithLabelValues("memory_save_failed").Inc()
			o.log.Warnw("transcript save failed", "err", err)
		}
	})
}

func (o *Orchestrator) armGreeting() {
	if o.cfg.Greeter == nil || o.cfg.GreetingDelay < 0 {
		return
	}
	o.greetingGen++
	epoch, gen := o.epoch, o.greetingGen
	o.greetingTimer = o.clk.AfterFunc(o.cfg.GreetingDelay, func() {
		o.post(greetingDue{epoch: epoch, gen: gen})
	})
}

func (o *Orchestrator) cancelGreeting() {
	if o.greetingTimer != nil {
		if o.greetingTimer.Stop() {
			o.metrics.Greetings.WithLabelValues("cancelled").Inc()
		}
		o.greetingTimer = nil
	}
	if o.greetingCancel != nil {
		o.greetingCancel()
		o.greetingCancel = nil
	}
	o.greetingGen++
}

func (o *Orchestrator) handleGreetingDue(e greetingDue) {
	if e.epoch != o.epoch || e.gen != o.greetingGen || o.state != StateConnected || o.res == nil {
		return
	}
	o.greetingTimer = nil
	if o.userSpoke || !o.user.Empty() {
		return
	}
	if !o.speakerOn {
		o.metrics.Greetings.WithLabelValues("skipped_muted").Inc()
		return
	}

	text := o.cfg.Greetings[rand.IntN(len(o.cfg.Greetings))]
	ctx, cancel := context.WithTimeout(o.res.ctx, greetingTimeout)
	o.greetingCancel = cancel
	greeter := o.cfg.Greeter
	go func() {
		defer cancel()
		pcm, err := greeter.Synthesize(ctx, text)
		if err != nil {
			o.post(greetingFailed{epoch: e.epoch, gen: e.gen, err: err})
			return
		}
		o.post(greetingReady{epoch: e.epoch, gen: e.gen, text: text, pcm: pcm})
	}()
}

func (o *Orchestrator) handleGreetingReady(e greetingReady) {
	if e.epoch != o.epoch || e.gen != o.greetingGen || o.state != StateConnected {
		o.metrics.Greetings.WithLabelValues("discarded").Inc()
		return
	}
	o.greetingCancel = nil
	if o.userSpoke {
		o.metrics.Greetings.WithLabelValues("discarded").Inc()
		return
	}
	buf, err := audio.DecodePCM16(e.pcm, o.cfg.OutputSampleRate)
	if err != nil {
		o.log.Warnw("greeting synthesis failed", "err", fmt.Errorf("%w: %w", ErrGreetingSynthesis, err))
		o.metrics.Greetings.WithLabelValues("failed").Inc()
		return
	}
	o.appendEntry(TranscriptEntry{Speaker: SpeakerAI, Text: e.text, Timestamp: o.clk.Now()})
	o.play(buf)
	o.metrics.Greetings.WithLabelValues("played").Inc()
}

func (o *Orchestrator) setState(next ConnectionState, err error) {
	if err != nil {
		o.lastErr = err
	}
	if o.state == next && err == nil {
		return
	}
	o.state = next
	o.publish()
	o.metrics.StateTransitions.WithLabelValues(string(next)).Inc()
	o.emit(Event{Type: EventState, State: next, Err: err})
}

func (o *Orchestrator) setInterim(text string) {
	if text == o.interim {
		return
	}
	o.interim = text
	o.publish()
	o.emit(Event{Type: EventInterim, State: o.state, Text: text})
}

func (o *Orchestrator) publish() {
	o.viewMu.Lock()
	defer o.viewMu.Unlock()
	o.view = Snapshot{
		State:     o.state,
		History:   append([]TranscriptEntry(nil), o.history...),
		Interim:   o.interim,
		LastError: o.lastErr,
	}
}

// emit delivers an event to subscribers. Interim updates are dropped when the
// consumer lags; state and transcript events wait briefly.
func (o *Orchestrator) emit(ev Event) {
	if ev.Type == EventInterim {
		select {
		case o.out <- ev:
		default:
			o.metrics.SessionEvents.WithLabelValues("event_drop").Inc()
		}
		return
	}
	timer := time.NewTimer(criticalEmitTimeout)
	defer timer.Stop()
	select {
	case o.out <- ev:
	case <-timer.C:
		o.metrics.SessionEvents.WithLabelValues("event_drop").Inc()
	}
}
