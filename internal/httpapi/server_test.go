package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/kokoro-live/kokoro/internal/audio"
	"github.com/kokoro-live/kokoro/internal/config"
	"github.com/kokoro-live/kokoro/internal/memory"
	"github.com/kokoro-live/kokoro/internal/observability"
	"github.com/kokoro-live/kokoro/internal/protocol"
	"github.com/kokoro-live/kokoro/internal/session"
	"github.com/kokoro-live/kokoro/internal/voice"
)

type testEnv struct {
	server    *httptest.Server
	api       *Server
	voice     *voice.Service
	metrics   *observability.Metrics
	sessions  *session.Manager
	transport *voice.MockTransport
	store     *memory.InMemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	cfg.VoiceProvider = "mock"
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test_httpapi")
	log := zaptest.NewLogger(t).Sugar()

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	transport := voice.NewMockTransport()
	store := memory.NewInMemoryStore()
	svc := voice.NewService(voice.ServiceConfig{
		GreetingDelay: -1,
		ClampPCM:      true,
		Transport:     transport,
		Greeter:       voice.NewMockGreeter(),
		Store:         store,
		Metrics:       metrics,
		Logger:        log,
	}, sessions)

	srv := New(cfg, sessions, svc, metrics, log)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		// Websocket handlers log until they return; wait for them.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
		ts.Close()
	})
	return &testEnv{
		server:    ts,
		api:       srv,
		voice:     svc,
		metrics:   metrics,
		sessions:  sessions,
		transport: transport,
		store:     store,
	}
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": "user-1", "persona_id": "kokoro"})
	res, err := http.Post(e.server.URL+"/v1/voice/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	return sessionID
}

func TestCreateAndEndSession(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t)

	getRes, err := http.Get(env.server.URL + "/v1/voice/session/" + sessionID)
	if err != nil {
		t.Fatalf("get session request error = %v", err)
	}
	defer getRes.Body.Close()
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want %d", getRes.StatusCode, http.StatusOK)
	}
	var view map[string]any
	if err := json.NewDecoder(getRes.Body).Decode(&view); err != nil {
		t.Fatalf("decode session view: %v", err)
	}
	if view["connection_state"] != "idle" {
		t.Fatalf("connection_state = %v, want idle", view["connection_state"])
	}
	if view["live"] != false {
		t.Fatalf("live = %v, want false", view["live"])
	}

	endRes, err := http.Post(env.server.URL+"/v1/voice/session/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
}

func TestEndUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	res, err := http.Post(env.server.URL+"/v1/voice/session/nope/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("end status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestHistoryRequiresUser(t *testing.T) {
	env := newTestEnv(t)
	res, err := http.Get(env.server.URL + "/v1/voice/history")
	if err != nil {
		t.Fatalf("history request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("history status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestPreviewGreetingReturnsWAV(t *testing.T) {
	env := newTestEnv(t)
	res, err := http.Post(env.server.URL+"/v1/voice/greeting/preview", "application/json", strings.NewReader(`{"text":"Hello there"}`))
	if err != nil {
		t.Fatalf("preview request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if got := res.Header.Get("Content-Type"); got != "audio/wav" {
		t.Fatalf("Content-Type = %q, want %q", got, "audio/wav")
	}
	var body bytes.Buffer
	if _, err := body.ReadFrom(res.Body); err != nil {
		t.Fatalf("reading preview body failed: %v", err)
	}
	if !bytes.HasPrefix(body.Bytes(), []byte("RIFF")) {
		t.Fatalf("preview body is not a RIFF file")
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(env.server.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

func TestWebsocketRejectsCrossOrigin(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/voice/session/ws?session_id=" + sessionID
	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("Dial() error = nil, want handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", res)
	}
}

func TestWebsocketConversation(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/voice/session/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	send := func(v any) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}
	next := func() map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return msg
	}
	read := func(want protocol.MessageType) map[string]any {
		t.Helper()
		for {
			if msg := next(); msg["type"] == string(want) {
				return msg
			}
		}
	}

	send(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sessionID, Action: protocol.ActionStart})
	for {
		msg := read(protocol.TypeConnectionState)
		if msg["state"] == "connected" {
			break
		}
	}

	samples := make([]float32, audio.CaptureBlockSize)
	for i := range samples {
		samples[i] = 0.25
	}
	send(protocol.ClientAudioBlock{
		Type:        protocol.TypeClientAudioBlock,
		SessionID:   sessionID,
		Seq:         1,
		F32LEBase64: audio.EncodeBase64(audio.EncodeFloat32LE(samples)),
		SampleRate:  audio.CaptureSampleRate,
	})

	live := env.transport.Last()
	if live == nil {
		t.Fatalf("transport was not connected")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(live.Sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no frame reached the transport")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := live.Sent()[0].MIMEType; got != "audio/pcm;rate=16000" {
		t.Fatalf("frame MIMEType = %q, want %q", got, "audio/pcm;rate=16000")
	}

	for _, msg := range voice.MockReply("hello kokoro", "hello friend", audio.PlaybackSampleRate) {
		live.Push(msg)
	}
	// Audio and transcript entries travel on separate queues.
	var chunk map[string]any
	var entries []map[string]any
	for chunk == nil || len(entries) < 2 {
		msg := next()
		switch msg["type"] {
		case string(protocol.TypeAssistantAudioChunk):
			if chunk == nil {
				chunk = msg
			}
		case string(protocol.TypeTranscriptEntry):
			entries = append(entries, msg)
		}
	}
	if chunk["sample_rate"] != float64(audio.PlaybackSampleRate) {
		t.Fatalf("chunk sample_rate = %v, want %d", chunk["sample_rate"], audio.PlaybackSampleRate)
	}
	if user := entries[0]; user["speaker"] != "user" || user["text"] != "hello kokoro" {
		t.Fatalf("first entry = %+v, want user/hello kokoro", user)
	}
	if ai := entries[1]; ai["speaker"] != "ai" || ai["text"] != "hello friend" {
		t.Fatalf("second entry = %+v, want ai/hello friend", ai)
	}

	send(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sessionID, Action: protocol.ActionStop})
	for {
		msg := read(protocol.TypeConnectionState)
		if msg["state"] == "closed" {
			break
		}
	}

	got, err := env.sessions.Get(sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.TurnCount != 2 {
		t.Fatalf("TurnCount = %d, want 2", got.TurnCount)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		records, _ := env.store.SessionTranscript(context.Background(), sessionID)
		if len(records) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("persisted records = %d, want 2", len(records))
		}
		time.Sleep(5 * time.Millisecond)
	}
	res, err := http.Get(env.server.URL + "/v1/voice/session/" + sessionID + "/transcript")
	if err != nil {
		t.Fatalf("transcript request error = %v", err)
	}
	defer res.Body.Close()
	var transcript struct {
		Records []memory.Record `json:"records"`
	}
	if err := json.NewDecoder(res.Body).Decode(&transcript); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if len(transcript.Records) != 2 || transcript.Records[0].Speaker != "user" || transcript.Records[1].Text != "hello friend" {
		t.Fatalf("transcript = %+v, want user then ai", transcript.Records)
	}
}

func TestWebsocketMicDeniedReportsError(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/voice/session/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	for _, action := range []string{protocol.ActionMicDenied, protocol.ActionStart} {
		if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sessionID, Action: action}); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if msg["type"] == string(protocol.TypeErrorEvent) {
			if msg["code"] != "permission_denied" {
				t.Fatalf("error code = %v, want permission_denied", msg["code"])
			}
			break
		}
	}
	if env.transport.ConnectCount() != 0 {
		t.Fatalf("ConnectCount() = %d, want 0", env.transport.ConnectCount())
	}
}

func TestShutdownClosesLiveWebsockets(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/voice/session/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sessionID, Action: protocol.ActionStart}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if msg["type"] == string(protocol.TypeConnectionState) && msg["state"] == "connected" {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := env.api.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// The handler has returned, so its conversation is gone.
	if got := testutil.ToFloat64(env.metrics.SessionEvents.WithLabelValues("ws_disconnected")); got != 1 {
		t.Fatalf("ws_disconnected = %v, want 1", got)
	}
	if _, ok := env.voice.Snapshot(sessionID); ok {
		t.Fatalf("Snapshot() ok = true after Shutdown, want false")
	}
	if live := env.transport.Last(); live == nil || !live.Closed() {
		t.Fatalf("live transport session was not closed")
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway) {
				t.Fatalf("close error = %v, want going away", err)
			}
			break
		}
	}

	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("Dial() after Shutdown error = nil, want refusal")
	}
	if res == nil || res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Dial() after Shutdown response = %v, want 503", res)
	}
}
