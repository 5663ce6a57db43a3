package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kokoro-live/kokoro/internal/config"
	"github.com/kokoro-live/kokoro/internal/memory"
	"github.com/kokoro-live/kokoro/internal/observability"
	"github.com/kokoro-live/kokoro/internal/protocol"
	"github.com/kokoro-live/kokoro/internal/session"
	"github.com/kokoro-live/kokoro/internal/voice"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// VoiceService runs live conversations for websocket connections.
type VoiceService interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
	Snapshot(sessionID string) (voice.Snapshot, bool)
	Stop(sessionID string) bool
	History(ctx context.Context, userID string, limit int) ([]memory.Record, error)
	Transcript(ctx context.Context, sessionID string) ([]memory.Record, error)
	PreviewGreeting(ctx context.Context, text string) ([]byte, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	voice    VoiceService
	metrics  *observability.Metrics
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	connMu   sync.Mutex
	conns    map[*websocket.Conn]struct{}
	closing  bool
	handlers sync.WaitGroup
}

func New(cfg config.Config, sessions *session.Manager, voiceService VoiceService, metrics *observability.Metrics, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		voice:    voiceService,
		metrics:  metrics,
		log:      log,
		conns:    make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a microphone session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/voice/session", s.handleCreateSession)
	r.Get("/v1/voice/session/ws", s.handleSessionWS)
	r.Get("/v1/voice/session/{id}", s.handleGetSession)
	r.Post("/v1/voice/session/{id}/end", s.handleEndSession)
	r.Get("/v1/voice/session/{id}/transcript", s.handleSessionTranscript)
	r.Get("/v1/voice/history", s.handleHistory)
	r.Post("/v1/voice/greeting/preview", s.handlePreviewGreeting)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"voice_provider": s.cfg.VoiceProvider,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status, code := "ready", http.StatusOK
	if s.voice == nil {
		status, code = "no_voice_service", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":          status,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Normalize(s.cfg.DefaultPersona)
	req.PersonaID = voice.PersonaForID(req.PersonaID).ID

	sess := s.sessions.Create(req.UserID, req.PersonaID)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.NewCreateResponse(sess, s.sessions.InactivityTimeout()))
}

type sessionView struct {
	*session.Session
	History []voice.TranscriptEntry `json:"history"`
	Interim string                  `json:"interim"`
	Live    bool                    `json:"live"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	view := sessionView{Session: sess, History: []voice.TranscriptEntry{}}
	if s.voice != nil {
		if snap, ok := s.voice.Snapshot(id); ok {
			view.Live = true
			view.ConnectionState = string(snap.State)
			view.History = snap.History
			view.Interim = snap.Interim
		}
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	if s.voice != nil {
		s.voice.Stop(id)
	}
	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	if s.voice == nil {
		respondJSON(w, http.StatusOK, map[string]any{"records": []memory.Record{}})
		return
	}

	records, err := s.voice.History(r.Context(), userID, limit)
	if err != nil {
		s.log.Warnw("history lookup failed", "user_id", userID, "err", err)
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []memory.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handleSessionTranscript serves the persisted transcript, which outlives the
// in-memory session record.
func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records := []memory.Record{}
	if s.voice != nil {
		got, err := s.voice.Transcript(r.Context(), id)
		if err != nil {
			s.log.Warnw("transcript lookup failed", "session_id", id, "err", err)
			respondError(w, http.StatusInternalServerError, "transcript_unavailable", err.Error())
			return
		}
		if got != nil {
			records = got
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "records": records})
}

type previewRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePreviewGreeting(w http.ResponseWriter, r *http.Request) {
	if s.voice == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice service not configured")
		return
	}
	var req previewRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	wav, err := s.voice.PreviewGreeting(r.Context(), req.Text)
	if err != nil {
		switch {
		case errors.Is(err, voice.ErrNoGreeter):
			respondError(w, http.StatusNotImplemented, "unavailable", err.Error())
		case errors.Is(err, voice.ErrGreetingSynthesis):
			respondError(w, http.StatusBadGateway, "greeting_failed", err.Error())
		default:
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		}
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.voice == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice service not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "session_ended", "session has ended")
		return
	}

	if !s.beginHandler() {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	defer s.handlers.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if !s.trackConn(conn) {
		return
	}
	defer s.untrackConn(conn)

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	log := s.log.With("session_id", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.voice.RunConnection(ctx, sess, inbound, outbound); err != nil {
			log.Warnw("voice connection ended with error", "err", err)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.SessionEvents.WithLabelValues("ws_write_error").Inc()
					log.Debugw("websocket write failed", "err", err)
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
				s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "queued")
			default:
				s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "drop_full")
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// Shutdown refuses new websocket connections, closes the live ones and waits
// for their handlers to return. http.Server.Shutdown does not cover hijacked
// connections, so call both.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connMu.Lock()
	s.closing = true
	deadline := time.Now().Add(time.Second)
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = conn.Close()
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) beginHandler() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.handlers.Add(1)
	return true
}

func (s *Server) trackConn(conn *websocket.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn *websocket.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, conn)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioBlock:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ConnectionState:
		return m.Type, true
	case protocol.TranscriptInterim:
		return m.Type, true
	case protocol.TranscriptEntry:
		return m.Type, true
	case protocol.AssistantAudioChunk:
		return m.Type, true
	case protocol.PlaybackStop:
		return m.Type, true
	case protocol.PlaybackClock:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
