package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/kokoro-live/kokoro/internal/reliability"
)

const (
	DefaultLiveModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultTTSModel  = "gemini-2.5-flash-preview-tts"
	DefaultTTSVoice  = "Kore"
)

// GeminiConfig configures the Gemini Live transport and greeting synthesizer.
type GeminiConfig struct {
	APIKey    string
	BaseURL   string
	LiveModel string
	TTSModel  string
	TTSVoice  string
}

// GeminiClient wraps a genai client shared by the live transport and TTS.
type GeminiClient struct {
	client *genai.Client
	cfg    GeminiConfig
}

func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if cfg.LiveModel == "" {
		cfg.LiveModel = DefaultLiveModel
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = DefaultTTSModel
	}
	if cfg.TTSVoice == "" {
		cfg.TTSVoice = DefaultTTSVoice
	}

	config := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		config.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client, cfg: cfg}, nil
}

// Transport returns a Transport backed by the Live API.
func (c *GeminiClient) Transport() *GeminiTransport {
	return &GeminiTransport{client: c.client, model: c.cfg.LiveModel}
}

// Greeter returns a GreetingSynthesizer backed by the TTS model.
func (c *GeminiClient) Greeter() *GeminiGreeter {
	return &GeminiGreeter{client: c.client, model: c.cfg.TTSModel, voice: c.cfg.TTSVoice}
}

type GeminiTransport struct {
	client *genai.Client
	model  string
}

func (t *GeminiTransport) Connect(ctx context.Context, cfg LiveConfig) (LiveSession, error) {
	model := cfg.Model
	if model == "" {
		model = t.model
	}
	session, err := t.client.Live.Connect(ctx, model, liveConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("gemini live connect: %w", err)
	}
	return &geminiSession{session: session}, nil
}

func liveConnectConfig(cfg LiveConfig) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{}
	for _, m := range cfg.ResponseModalities {
		out.ResponseModalities = append(out.ResponseModalities, genai.Modality(strings.ToUpper(m)))
	}
	if len(out.ResponseModalities) == 0 {
		out.ResponseModalities = []genai.Modality{genai.ModalityAudio}
	}
	if cfg.SystemInstruction != "" {
		out.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.InputAudioTranscription {
		out.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputAudioTranscription {
		out.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return out
}

type geminiSession struct {
	session *genai.Session
}

func (s *geminiSession) SendRealtimeInput(_ context.Context, frame Frame) error {
	err := s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: frame.Data, MIMEType: frame.MIMEType},
	})
	if err != nil {
		return fmt.Errorf("gemini send realtime input: %w", err)
	}
	return nil
}

func (s *geminiSession) Receive() (*ServerMessage, error) {
	msg, err := s.session.Receive()
	if err != nil {
		if reliability.IsGracefulClose(err) {
			return nil, fmt.Errorf("%w: %w", ErrTransportClosed, err)
		}
		return nil, fmt.Errorf("gemini receive: %w", err)
	}
	return convertLiveMessage(msg), nil
}

func (s *geminiSession) Close() error {
	return s.session.Close()
}

// convertLiveMessage keeps only the fields the orchestrator consumes.
func convertLiveMessage(msg *genai.LiveServerMessage) *ServerMessage {
	if msg == nil || msg.ServerContent == nil {
		return &ServerMessage{}
	}
	sc := msg.ServerContent
	out := &ServerContent{
		TurnComplete: sc.TurnComplete,
		Interrupted:  sc.Interrupted,
	}
	if sc.InputTranscription != nil {
		out.InputTranscription = &Transcription{Text: sc.InputTranscription.Text}
	}
	if sc.OutputTranscription != nil {
		out.OutputTranscription = &Transcription{Text: sc.OutputTranscription.Text}
	}
	if sc.ModelTurn != nil {
		turn := &ModelTurn{}
		for _, p := range sc.ModelTurn.Parts {
			if p == nil {
				continue
			}
			part := Part{}
			if p.InlineData != nil {
				part.InlineData = &Blob{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType}
			}
			turn.Parts = append(turn.Parts, part)
		}
		out.ModelTurn = turn
	}
	return &ServerMessage{ServerContent: out}
}

// geminiHTTPStatus extracts the status code of a rejected API call.
func geminiHTTPStatus(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		return apiErr.Code, true
	}
	return 0, false
}

// GeminiGreeter synthesizes greeting lines with the TTS model.
type GeminiGreeter struct {
	client *genai.Client
	model  string
	voice  string
}

func (g *GeminiGreeter) Synthesize(ctx context.Context, text string) ([]byte, error) {
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: g.voice},
			},
		},
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(GreetingPrompt(text)), config)
	if err != nil {
		return nil, fmt.Errorf("gemini tts: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("gemini tts: empty response")
	}
	part := resp.Candidates[0].Content.Parts[0]
	if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
		return nil, errors.New("gemini tts: response has no audio")
	}
	return part.InlineData.Data, nil
}
