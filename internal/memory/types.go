package memory

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidRecord = errors.New("invalid transcript record")

// Record is one finalized utterance as persisted. Text has already been
// through PII redaction.
type Record struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	Speaker     string    `json:"speaker"`
	Text        string    `json:"text"`
	PIIRedacted bool      `json:"pii_redacted"`
	SpokenAt    time.Time `json:"spoken_at"`
}

func (r Record) validate() error {
	switch {
	case r.UserID == "":
		return errors.Join(ErrInvalidRecord, errors.New("user_id is required"))
	case r.SessionID == "":
		return errors.Join(ErrInvalidRecord, errors.New("session_id is required"))
	case r.Speaker != "user" && r.Speaker != "ai":
		return errors.Join(ErrInvalidRecord, errors.New("speaker must be user or ai"))
	}
	return nil
}

// Store persists transcripts. Both queries return records oldest first;
// records spoken at the same instant keep insertion order.
type Store interface {
	Append(ctx context.Context, record Record) error
	UserHistory(ctx context.Context, userID string, limit int) ([]Record, error)
	SessionTranscript(ctx context.Context, sessionID string) ([]Record, error)
	Close() error
}
