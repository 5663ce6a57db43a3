package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/kokoro-live/kokoro/internal/config"
	"github.com/kokoro-live/kokoro/internal/voice"
)

type voiceSetup struct {
	transport        voice.Transport
	greeter          voice.GreetingSynthesizer
	resolvedProvider string
	detail           string
}

func resolveVoiceProviders(ctx context.Context, cfg config.Config) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	tryGemini := func() (voiceSetup, bool, error) {
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return voiceSetup{}, false, nil
		}
		client, err := voice.NewGeminiClient(ctx, voice.GeminiConfig{
			APIKey:    cfg.GeminiAPIKey,
			BaseURL:   cfg.GeminiBaseURL,
			LiveModel: cfg.GeminiLiveModel,
			TTSModel:  cfg.GeminiTTSModel,
			TTSVoice:  cfg.GeminiTTSVoice,
		})
		if err != nil {
			return voiceSetup{}, false, err
		}
		setup := voiceSetup{
			transport:        client.Transport(),
			greeter:          client.Greeter(),
			resolvedProvider: "gemini",
			detail:           "gemini live " + cfg.GeminiLiveModel,
		}
		if fallback := strings.TrimSpace(cfg.GeminiFallbackLiveModel); fallback != "" && fallback != cfg.GeminiLiveModel {
			setup.transport = voice.NewFailoverTransport(client.Transport(), client.Transport(), fallback)
			setup.detail += " (fallback " + fallback + ")"
		}
		return setup, true, nil
	}

	mock := voiceSetup{
		transport:        voice.NewMockTransport().WithAutoReply(cfg.OutputSampleRate),
		greeter:          voice.NewMockGreeter(),
		resolvedProvider: "mock",
		detail:           "in-process mock transport",
	}

	switch voiceMode {
	case "gemini":
		setup, ok, err := tryGemini()
		if err != nil {
			return voiceSetup{}, fmt.Errorf("gemini voice provider init failed: %w", err)
		}
		if !ok {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=gemini requires GEMINI_API_KEY")
		}
		return setup, nil
	case "mock":
		return mock, nil
	case "auto":
		setup, ok, err := tryGemini()
		if err != nil {
			return voiceSetup{}, fmt.Errorf("gemini voice provider init failed: %w", err)
		}
		if ok {
			return setup, nil
		}
		mock.detail = "GEMINI_API_KEY not set; using mock transport"
		return mock, nil
	default:
		return voiceSetup{}, fmt.Errorf("unsupported VOICE_PROVIDER %q", cfg.VoiceProvider)
	}
}
