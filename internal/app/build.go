package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kokoro-live/kokoro/internal/config"
	"github.com/kokoro-live/kokoro/internal/httpapi"
	"github.com/kokoro-live/kokoro/internal/memory"
	"github.com/kokoro-live/kokoro/internal/observability"
	"github.com/kokoro-live/kokoro/internal/session"
	"github.com/kokoro-live/kokoro/internal/voice"
)

type VoiceInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Voice    *voice.Service
	Metrics  *observability.Metrics
	Info     VoiceInfo

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*BuildResult, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	voiceSetup, err := resolveVoiceProviders(ctx, cfg)
	if err != nil {
		_ = memoryStore.Close()
		return nil, err
	}
	cfg.VoiceProvider = voiceSetup.resolvedProvider

	greetingDelay := cfg.GreetingDelay
	if greetingDelay == 0 {
		greetingDelay = -1
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	svc := voice.NewService(voice.ServiceConfig{
		LiveModel:        cfg.GeminiLiveModel,
		DefaultPersona:   cfg.DefaultPersona,
		InputSampleRate:  cfg.InputSampleRate,
		OutputSampleRate: cfg.OutputSampleRate,
		BlockSize:        cfg.CaptureBlockSize,
		GreetingDelay:    greetingDelay,
		ClampPCM:         cfg.ClampPCM,
		UplinkQueue:      cfg.UplinkQueue,
		Transport:        voiceSetup.transport,
		Greeter:          voiceSetup.greeter,
		Store:            memoryStore,
		Metrics:          metrics,
		Logger:           log.Named("voice"),
	}, sessions)

	sessions.SetExpireHook(func(s *session.Session) {
		svc.Stop(s.ID)
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		log.Infow("session expired", "session_id", s.ID)
	})

	api := httpapi.New(cfg, sessions, svc, metrics, log.Named("http"))

	cleanup := func() error {
		if err := memoryStore.Close(); err != nil {
			return fmt.Errorf("memory store close: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Voice:    svc,
		Metrics:  metrics,
		Info: VoiceInfo{
			Provider: voiceSetup.resolvedProvider,
			Detail:   voiceSetup.detail,
		},
		Cleanup: cleanup,
	}, nil
}
