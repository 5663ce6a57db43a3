package voice

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// NewFailoverTransport builds a Transport that prefers primary and switches to
// fallback when a connect fails. Once fallback succeeds it stays active until
// it fails; then primary is retried. fallbackModel, when set, replaces the
// requested model for fallback connects.
func NewFailoverTransport(primary, fallback Transport, fallbackModel string) *FailoverTransport {
	return &FailoverTransport{
		primary:       primary,
		fallback:      fallback,
		fallbackModel: strings.TrimSpace(fallbackModel),
	}
}

type FailoverTransport struct {
	primary        Transport
	fallback       Transport
	fallbackModel  string
	fallbackActive atomic.Bool
}

// FallbackActive reports whether new sessions currently go to the fallback.
func (t *FailoverTransport) FallbackActive() bool {
	return t.fallbackActive.Load()
}

func (t *FailoverTransport) Connect(ctx context.Context, cfg LiveConfig) (LiveSession, error) {
	if t.fallbackActive.Load() {
		session, fbErr := t.connectFallback(ctx, cfg)
		if fbErr == nil {
			return session, nil
		}
		session, prErr := t.primary.Connect(ctx, cfg)
		if prErr == nil {
			t.fallbackActive.Store(false)
			return session, nil
		}
		return nil, fmt.Errorf("fallback connect failed: %v; primary connect failed: %w", fbErr, prErr)
	}

	session, prErr := t.primary.Connect(ctx, cfg)
	if prErr == nil {
		return session, nil
	}
	if ctx.Err() != nil {
		return nil, prErr
	}
	session, fbErr := t.connectFallback(ctx, cfg)
	if fbErr != nil {
		return nil, fmt.Errorf("primary connect failed: %v; fallback connect failed: %w", prErr, fbErr)
	}
	t.fallbackActive.Store(true)
	return session, nil
}

func (t *FailoverTransport) connectFallback(ctx context.Context, cfg LiveConfig) (LiveSession, error) {
	if t.fallbackModel != "" {
		cfg.Model = t.fallbackModel
	}
	return t.fallback.Connect(ctx, cfg)
}
