package voice

import (
	"context"
	"testing"

	"google.golang.org/genai"
)

func TestConvertLiveMessage(t *testing.T) {
	msg := &genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			InputTranscription:  &genai.Transcription{Text: "hi"},
			OutputTranscription: &genai.Transcription{Text: "hello"},
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				nil,
				{InlineData: &genai.Blob{Data: []byte{1, 0}, MIMEType: "audio/pcm;rate=24000"}},
				{Text: "no audio"},
			}},
			TurnComplete: true,
			Interrupted:  true,
		},
	}

	got := convertLiveMessage(msg)
	sc := got.ServerContent
	if sc == nil {
		t.Fatalf("ServerContent = nil")
	}
	if sc.InputTranscription == nil || sc.InputTranscription.Text != "hi" {
		t.Fatalf("InputTranscription = %+v, want hi", sc.InputTranscription)
	}
	if sc.OutputTranscription == nil || sc.OutputTranscription.Text != "hello" {
		t.Fatalf("OutputTranscription = %+v, want hello", sc.OutputTranscription)
	}
	if !sc.TurnComplete || !sc.Interrupted {
		t.Fatalf("flags = complete:%v interrupted:%v, want both true", sc.TurnComplete, sc.Interrupted)
	}
	if sc.ModelTurn == nil || len(sc.ModelTurn.Parts) != 2 {
		t.Fatalf("ModelTurn = %+v, want 2 parts", sc.ModelTurn)
	}
	if blob := sc.ModelTurn.Parts[0].InlineData; blob == nil || blob.MIMEType != "audio/pcm;rate=24000" {
		t.Fatalf("first part = %+v, want inline audio", sc.ModelTurn.Parts[0])
	}
	if sc.ModelTurn.Parts[1].InlineData != nil {
		t.Fatalf("text part carried inline data")
	}
}

func TestConvertLiveMessageWithoutContent(t *testing.T) {
	for _, msg := range []*genai.LiveServerMessage{nil, {}} {
		got := convertLiveMessage(msg)
		if got == nil || got.ServerContent != nil {
			t.Fatalf("convertLiveMessage() = %+v, want empty message", got)
		}
	}
}

func TestLiveConnectConfig(t *testing.T) {
	cfg := liveConnectConfig(LiveConfig{
		SystemInstruction:        "be kind",
		ResponseModalities:       []string{"audio"},
		InputAudioTranscription:  true,
		OutputAudioTranscription: true,
	})
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Fatalf("ResponseModalities = %v, want [AUDIO]", cfg.ResponseModalities)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be kind" {
		t.Fatalf("SystemInstruction = %+v", cfg.SystemInstruction)
	}
	if cfg.InputAudioTranscription == nil || cfg.OutputAudioTranscription == nil {
		t.Fatalf("transcription configs missing")
	}

	bare := liveConnectConfig(LiveConfig{})
	if len(bare.ResponseModalities) != 1 || bare.ResponseModalities[0] != genai.ModalityAudio {
		t.Fatalf("default ResponseModalities = %v, want [AUDIO]", bare.ResponseModalities)
	}
	if bare.SystemInstruction != nil || bare.InputAudioTranscription != nil {
		t.Fatalf("bare config set optional fields: %+v", bare)
	}
}

func TestNewGeminiClientRequiresKey(t *testing.T) {
	if _, err := NewGeminiClient(context.Background(), GeminiConfig{APIKey: "  "}); err == nil {
		t.Fatalf("NewGeminiClient() error = nil, want missing key error")
	}
}
