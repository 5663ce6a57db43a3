package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioBlock    MessageType = "client_audio_block"
	TypeClientControl       MessageType = "client_control"
	TypeConnectionState     MessageType = "connection_state"
	TypeTranscriptInterim   MessageType = "transcript_interim"
	TypeTranscriptEntry     MessageType = "transcript_entry"
	TypeAssistantAudioChunk MessageType = "assistant_audio_chunk"
	TypePlaybackStop        MessageType = "playback_stop"
	TypePlaybackClock       MessageType = "playback_clock"
	TypeErrorEvent          MessageType = "error_event"
)

// Client control actions.
const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionSpeakerOn  = "speaker_on"
	ActionSpeakerOff = "speaker_off"
	ActionMicDenied  = "mic_denied"
	ActionMicGranted = "mic_granted"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioBlock carries raw float32 little-endian microphone samples.
type ClientAudioBlock struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	F32LEBase64 string      `json:"f32le_base64"`
	SampleRate  int         `json:"sample_rate"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type ConnectionState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Detail    string      `json:"detail,omitempty"`
}

type TranscriptInterim struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type TranscriptEntry struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Speaker   string      `json:"speaker"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

// AssistantAudioChunk is scheduled at StartAt seconds on the server's audio
// clock, which read ClockNow when the chunk was sent.
type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	SourceID    uint64      `json:"source_id"`
	StartAt     float64     `json:"start_at"`
	ClockNow    float64     `json:"clock_now"`
	SampleRate  int         `json:"sample_rate"`
	PCM16Base64 string      `json:"pcm16_base64"`
}

type PlaybackStop struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	SourceID  uint64      `json:"source_id"`
	Reason    string      `json:"reason"`
}

type PlaybackClock struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Suspended bool        `json:"suspended"`
	ClockNow  float64     `json:"clock_now"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func validAction(action string) bool {
	switch action {
	case ActionStart, ActionStop, ActionSpeakerOn, ActionSpeakerOff, ActionMicDenied, ActionMicGranted:
		return true
	default:
		return false
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioBlock:
		var msg ClientAudioBlock
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.F32LEBase64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_block")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || !validAction(msg.Action) {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
