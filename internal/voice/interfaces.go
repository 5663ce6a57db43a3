package voice

import "context"

// LiveConfig is passed to the transport when a session opens.
type LiveConfig struct {
	Model                    string
	SystemInstruction        string
	ResponseModalities       []string
	InputAudioTranscription  bool
	OutputAudioTranscription bool
}

// Frame is one uplinked block of encoded microphone audio.
type Frame struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mimeType"`
}

// ServerMessage mirrors the subset of live API server messages the
// orchestrator consumes. Byte fields travel base64 encoded in JSON.
type ServerMessage struct {
	ServerContent *ServerContent `json:"serverContent,omitempty"`
}

type ServerContent struct {
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	ModelTurn           *ModelTurn     `json:"modelTurn,omitempty"`
}

type Transcription struct {
	Text string `json:"text"`
}

type ModelTurn struct {
	Parts []Part `json:"parts"`
}

type Part struct {
	InlineData *Blob `json:"inlineData,omitempty"`
}

type Blob struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mimeType,omitempty"`
}

// LiveSession is one open streaming connection. Receive returns
// ErrTransportClosed (possibly wrapped) after a graceful remote close.
type LiveSession interface {
	SendRealtimeInput(ctx context.Context, frame Frame) error
	Receive() (*ServerMessage, error)
	Close() error
}

// Transport opens live sessions against the streaming voice API.
type Transport interface {
	Connect(ctx context.Context, cfg LiveConfig) (LiveSession, error)
}

// GreetingSynthesizer renders greeting text to PCM16 mono audio at the
// playback sample rate.
type GreetingSynthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
