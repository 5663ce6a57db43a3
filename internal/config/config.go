package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the voice companion service.
type Config struct {
	BindAddr                 string        `yaml:"bind_addr"`
	ShutdownTimeout          time.Duration `yaml:"shutdown_timeout"`
	SessionInactivityTimeout time.Duration `yaml:"session_inactivity_timeout"`
	MetricsNamespace         string        `yaml:"metrics_namespace"`

	AllowAnyOrigin bool `yaml:"allow_any_origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	VoiceProvider string `yaml:"voice_provider"`

	GeminiAPIKey    string `yaml:"-"`
	GeminiBaseURL   string `yaml:"gemini_base_url"`
	GeminiLiveModel string `yaml:"gemini_live_model"`
	GeminiTTSModel  string `yaml:"gemini_tts_model"`
	GeminiTTSVoice  string `yaml:"gemini_tts_voice"`
	// GeminiFallbackLiveModel is used for live sessions while the primary
	// model fails to connect. Empty disables failover.
	GeminiFallbackLiveModel string `yaml:"gemini_fallback_live_model"`

	InputSampleRate  int           `yaml:"input_sample_rate"`
	OutputSampleRate int           `yaml:"output_sample_rate"`
	CaptureBlockSize int           `yaml:"capture_block_size"`
	GreetingDelay    time.Duration `yaml:"greeting_delay"`
	ClampPCM         bool          `yaml:"clamp_pcm"`
	UplinkQueue      int           `yaml:"uplink_queue"`
	DefaultPersona   string        `yaml:"default_persona"`

	DatabaseURL string `yaml:"-"`
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		MetricsNamespace:         "kokoro",
		LogLevel:                 "info",
		LogFormat:                "json",
		VoiceProvider:            "auto",
		GeminiLiveModel:          "gemini-2.5-flash-native-audio-preview-09-2025",
		GeminiTTSModel:           "gemini-2.5-flash-preview-tts",
		GeminiTTSVoice:           "Kore",
		InputSampleRate:          16000,
		OutputSampleRate:         24000,
		CaptureBlockSize:         4096,
		GreetingDelay:            4 * time.Second,
		ClampPCM:                 true,
		UplinkQueue:              64,
		DefaultPersona:           "kokoro",
	}
}

// Load applies the optional YAML file named by KOKORO_CONFIG_FILE over the
// defaults, then environment variables over that.
func Load() (Config, error) {
	cfg := Defaults()
	if path := stringsTrimSpace("KOKORO_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = strings.ToLower(envOrDefault("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOrDefault("LOG_FORMAT", cfg.LogFormat))
	cfg.VoiceProvider = strings.ToLower(envOrDefault("VOICE_PROVIDER", cfg.VoiceProvider))
	cfg.GeminiAPIKey = stringsTrimSpace("GEMINI_API_KEY")
	cfg.GeminiBaseURL = envOrDefault("GEMINI_BASE_URL", cfg.GeminiBaseURL)
	cfg.GeminiLiveModel = envOrDefault("GEMINI_LIVE_MODEL", cfg.GeminiLiveModel)
	cfg.GeminiTTSModel = envOrDefault("GEMINI_TTS_MODEL", cfg.GeminiTTSModel)
	cfg.GeminiTTSVoice = envOrDefault("GEMINI_TTS_VOICE", cfg.GeminiTTSVoice)
	cfg.GeminiFallbackLiveModel = envOrDefault("GEMINI_FALLBACK_LIVE_MODEL", cfg.GeminiFallbackLiveModel)
	cfg.DefaultPersona = envOrDefault("VOICE_DEFAULT_PERSONA", cfg.DefaultPersona)
	cfg.DatabaseURL = stringsTrimSpace("DATABASE_URL")

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GreetingDelay, err = durationFromEnv("VOICE_GREETING_DELAY", cfg.GreetingDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ClampPCM, err = boolFromEnv("VOICE_CLAMP_PCM", cfg.ClampPCM)
	if err != nil {
		return Config{}, err
	}
	cfg.InputSampleRate, err = intFromEnv("VOICE_INPUT_SAMPLE_RATE", cfg.InputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.OutputSampleRate, err = intFromEnv("VOICE_OUTPUT_SAMPLE_RATE", cfg.OutputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureBlockSize, err = intFromEnv("VOICE_CAPTURE_BLOCK_SIZE", cfg.CaptureBlockSize)
	if err != nil {
		return Config{}, err
	}
	cfg.UplinkQueue, err = intFromEnv("VOICE_UPLINK_QUEUE", cfg.UplinkQueue)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return errors.New("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.InputSampleRate <= 0 || c.OutputSampleRate <= 0 {
		return errors.New("VOICE_INPUT_SAMPLE_RATE and VOICE_OUTPUT_SAMPLE_RATE must be positive")
	}
	if c.CaptureBlockSize <= 0 {
		return errors.New("VOICE_CAPTURE_BLOCK_SIZE must be positive")
	}
	if c.UplinkQueue <= 0 {
		return errors.New("VOICE_UPLINK_QUEUE must be positive")
	}
	if c.GreetingDelay < 0 {
		return errors.New("VOICE_GREETING_DELAY must be >= 0")
	}
	switch c.VoiceProvider {
	case "auto", "gemini", "mock":
	default:
		return fmt.Errorf("VOICE_PROVIDER %q must be one of auto, gemini, mock", c.VoiceProvider)
	}
	if c.VoiceProvider == "gemini" && c.GeminiAPIKey == "" {
		return errors.New("GEMINI_API_KEY is required when VOICE_PROVIDER=gemini")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT %q must be json or console", c.LogFormat)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
