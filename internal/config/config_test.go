package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InputSampleRate != 16000 || cfg.OutputSampleRate != 24000 {
		t.Fatalf("sample rates = %d/%d, want 16000/24000", cfg.InputSampleRate, cfg.OutputSampleRate)
	}
	if cfg.CaptureBlockSize != 4096 {
		t.Fatalf("CaptureBlockSize = %d, want 4096", cfg.CaptureBlockSize)
	}
	if cfg.GreetingDelay != 4*time.Second {
		t.Fatalf("GreetingDelay = %v, want 4s", cfg.GreetingDelay)
	}
	if !cfg.ClampPCM {
		t.Fatalf("ClampPCM = false, want true")
	}
	if cfg.VoiceProvider != "auto" {
		t.Fatalf("VoiceProvider = %q, want %q", cfg.VoiceProvider, "auto")
	}
	if cfg.GeminiTTSVoice != "Kore" {
		t.Fatalf("GeminiTTSVoice = %q, want %q", cfg.GeminiTTSVoice, "Kore")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("VOICE_CLAMP_PCM", "false")
	t.Setenv("VOICE_GREETING_DELAY", "1500ms")
	t.Setenv("VOICE_PROVIDER", "MOCK")
	t.Setenv("GEMINI_FALLBACK_LIVE_MODEL", "gemini-live-2.5-flash-preview")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.ClampPCM {
		t.Fatalf("ClampPCM = true, want false")
	}
	if cfg.GreetingDelay != 1500*time.Millisecond {
		t.Fatalf("GreetingDelay = %v, want 1.5s", cfg.GreetingDelay)
	}
	if cfg.VoiceProvider != "mock" {
		t.Fatalf("VoiceProvider = %q, want %q", cfg.VoiceProvider, "mock")
	}
	if cfg.GeminiFallbackLiveModel != "gemini-live-2.5-flash-preview" {
		t.Fatalf("GeminiFallbackLiveModel = %q", cfg.GeminiFallbackLiveModel)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "kokoro.yaml")
	raw := "bind_addr: \":7070\"\ngreeting_delay: 2s\nuplink_queue: 8\ndefault_persona: calm\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("KOKORO_CONFIG_FILE", path)
	t.Setenv("VOICE_UPLINK_QUEUE", "16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7070" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":7070")
	}
	if cfg.GreetingDelay != 2*time.Second {
		t.Fatalf("GreetingDelay = %v, want 2s", cfg.GreetingDelay)
	}
	if cfg.DefaultPersona != "calm" {
		t.Fatalf("DefaultPersona = %q, want %q", cfg.DefaultPersona, "calm")
	}
	if cfg.UplinkQueue != 16 {
		t.Fatalf("UplinkQueue = %d, want 16", cfg.UplinkQueue)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"VOICE_CAPTURE_BLOCK_SIZE":       "0",
		"VOICE_GREETING_DELAY":           "-1s",
		"VOICE_PROVIDER":                 "elevenlabs",
		"VOICE_CLAMP_PCM":                "maybe",
		"VOICE_INPUT_SAMPLE_RATE":        "abc",
	}
	for key, value := range cases {
		setCoreEnvEmpty(t)
		t.Setenv(key, value)
		if _, err := Load(); err == nil {
			t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
		}
	}
}

func TestLoadGeminiRequiresKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_PROVIDER", "gemini")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing key error")
	}

	t.Setenv("GEMINI_API_KEY", "k")
	if _, err := Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"KOKORO_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"VOICE_PROVIDER",
		"GEMINI_API_KEY",
		"GEMINI_BASE_URL",
		"GEMINI_LIVE_MODEL",
		"GEMINI_TTS_MODEL",
		"GEMINI_TTS_VOICE",
		"GEMINI_FALLBACK_LIVE_MODEL",
		"VOICE_INPUT_SAMPLE_RATE",
		"VOICE_OUTPUT_SAMPLE_RATE",
		"VOICE_CAPTURE_BLOCK_SIZE",
		"VOICE_GREETING_DELAY",
		"VOICE_CLAMP_PCM",
		"VOICE_UPLINK_QUEUE",
		"VOICE_DEFAULT_PERSONA",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
