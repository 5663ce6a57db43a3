package voice

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"

	"github.com/kokoro-live/kokoro/internal/audio"
	"github.com/kokoro-live/kokoro/internal/reliability"
)

// Classify maps a session failure to a stable error code and whether starting
// a new session is likely to succeed.
func Classify(err error) (code string, retryable bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, audio.ErrPermissionDenied):
		return "permission_denied", false
	case errors.Is(err, ErrTransportClosed):
		return "transport_closed", true
	case errors.Is(err, ErrTransport):
		return "transport_error", transportRetryable(err)
	case errors.Is(err, ErrGreetingSynthesis):
		return "greeting_failed", true
	case errors.Is(err, ErrMalformedMessage):
		return "malformed_message", false
	case reliability.IsTimeout(err):
		return "timeout", true
	case errors.Is(err, context.Canceled):
		return "cancelled", true
	default:
		return "internal", false
	}
}

// transportRetryable looks for a rejected HTTP handshake or a websocket close
// code. Anything else (resets, DNS failures) is assumed transient.
func transportRetryable(err error) bool {
	if status, ok := geminiHTTPStatus(err); ok {
		return reliability.IsRetryableHTTPStatus(status)
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return reliability.IsRetryableClose(err)
	}
	return true
}
