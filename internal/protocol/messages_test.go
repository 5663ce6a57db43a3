package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessageAudioBlock(t *testing.T) {
	raw := []byte(`{"type":"client_audio_block","session_id":"s1","seq":1,"f32le_base64":"AACAPw==","sample_rate":16000}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	block, ok := msg.(ClientAudioBlock)
	if !ok {
		t.Fatalf("message type = %T, want ClientAudioBlock", msg)
	}
	if block.SessionID != "s1" || block.SampleRate != 16000 || block.Seq != 1 {
		t.Fatalf("unexpected audio block: %+v", block)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	for _, action := range []string{ActionStart, ActionStop, ActionSpeakerOn, ActionSpeakerOff, ActionMicDenied, ActionMicGranted} {
		raw := []byte(`{"type":"client_control","session_id":"s1","action":"` + action + `"}`)
		msg, err := ParseClientMessage(raw)
		if err != nil {
			t.Fatalf("ParseClientMessage(%q) error = %v", action, err)
		}
		control, ok := msg.(ClientControl)
		if !ok {
			t.Fatalf("message type = %T, want ClientControl", msg)
		}
		if control.Action != action {
			t.Fatalf("Action = %q, want %q", control.Action, action)
		}
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_control","session_id":"s1","action":"dance"}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRejectsInvalidAudioBlock(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_audio_block","session_id":"","f32le_base64":"","sample_rate":0}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func TestAssistantAudioChunkWireFields(t *testing.T) {
	raw, err := json.Marshal(AssistantAudioChunk{
		Type:        TypeAssistantAudioChunk,
		SessionID:   "s1",
		SourceID:    3,
		StartAt:     1.5,
		ClockNow:    1.25,
		SampleRate:  24000,
		PCM16Base64: "AAA=",
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"type", "session_id", "source_id", "start_at", "clock_now", "sample_rate", "pcm16_base64"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("missing field %q in %s", key, raw)
		}
	}
}

func BenchmarkParseClientMessageAudioBlock(b *testing.B) {
	raw := []byte(`{"type":"client_audio_block","session_id":"s1","seq":7,"f32le_base64":"AACAPwAAgD8AAIA/AACAPw==","sample_rate":16000}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(ClientAudioBlock); !ok {
			b.Fatalf("message type = %T, want ClientAudioBlock", msg)
		}
	}
}
