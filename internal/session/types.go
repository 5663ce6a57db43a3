package session

import (
	"strings"
	"time"
)

const anonymousUser = "anonymous"

// CreateRequest is the body of POST /v1/voice/session.
type CreateRequest struct {
	UserID    string `json:"user_id"`
	PersonaID string `json:"persona_id"`
}

// Normalize trims the request and fills the anonymous user and the default persona.
func (r *CreateRequest) Normalize(defaultPersona string) {
	r.UserID = strings.TrimSpace(r.UserID)
	if r.UserID == "" {
		r.UserID = anonymousUser
	}
	r.PersonaID = strings.TrimSpace(r.PersonaID)
	if r.PersonaID == "" {
		r.PersonaID = defaultPersona
	}
}

type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	PersonaID       string    `json:"persona_id"`
	StartedAt       time.Time `json:"started_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
	WebsocketPath   string    `json:"websocket_path"`
}

// NewCreateResponse describes s to the client that just created it.
func NewCreateResponse(s *Session, inactivity time.Duration) CreateResponse {
	return CreateResponse{
		SessionID:       s.ID,
		UserID:          s.UserID,
		Status:          s.Status,
		PersonaID:       s.PersonaID,
		StartedAt:       s.StartedAt,
		InactivityTTLMS: inactivity.Milliseconds(),
		WebsocketPath:   "/v1/voice/session/ws?session_id=" + s.ID,
	}
}
