package voice

import (
	"errors"
	"time"
)

// ConnectionState is the lifecycle state of a voice session.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateError      ConnectionState = "error"
	StateClosed     ConnectionState = "closed"
)

// Active reports whether a session is being set up or is live.
func (s ConnectionState) Active() bool {
	return s == StateConnecting || s == StateConnected
}

type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

// TranscriptEntry is one finalized utterance.
type TranscriptEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	ErrTransport          = errors.New("voice transport error")
	ErrTransportClosed    = errors.New("voice transport closed")
	ErrGreetingSynthesis  = errors.New("greeting synthesis failed")
	ErrMalformedMessage   = errors.New("malformed server message")
	ErrOrchestratorClosed = errors.New("orchestrator closed")
)

type EventType string

const (
	EventState      EventType = "state"
	EventInterim    EventType = "interim"
	EventTranscript EventType = "transcript"
	EventInterrupt  EventType = "interrupt"
)

// Event is published by the orchestrator for the presentation layer.
type Event struct {
	Type  EventType
	State ConnectionState
	// Err carries the failure behind an error state.
	Err   error
	Text  string
	Entry TranscriptEntry
	// Stopped is the number of playback sources cut off by an interruption.
	Stopped int
}
