package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultHistoryLimit = 50

// PostgresStore persists transcripts in PostgreSQL. A serial column breaks
// ties between utterances with the same timestamp.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS voice_transcripts (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		speaker TEXT NOT NULL CHECK (speaker IN ('user', 'ai')),
		text TEXT NOT NULL,
		pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
		spoken_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS voice_transcripts_user_spoken ON voice_transcripts (user_id, spoken_at, seq)`,
	`CREATE INDEX IF NOT EXISTS voice_transcripts_session_spoken ON voice_transcripts (session_id, spoken_at, seq)`,
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, stmt := range migrations {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate voice_transcripts: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Append(ctx context.Context, record Record) error {
	if err := record.validate(); err != nil {
		return err
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.SpokenAt.IsZero() {
		record.SpokenAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_transcripts (id, user_id, session_id, speaker, text, pii_redacted, spoken_at)
		 VALUES (@id, @user_id, @session_id, @speaker, @text, @pii_redacted, @spoken_at)`,
		pgx.NamedArgs{
			"id":           record.ID,
			"user_id":      record.UserID,
			"session_id":   record.SessionID,
			"speaker":      record.Speaker,
			"text":         record.Text,
			"pii_redacted": record.PIIRedacted,
			"spoken_at":    record.SpokenAt,
		},
	)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

const recordColumns = `id::text, user_id, session_id, speaker, text, pii_redacted, spoken_at`

func (s *PostgresStore) UserHistory(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM (
			SELECT * FROM voice_transcripts WHERE user_id = $1 ORDER BY spoken_at DESC, seq DESC LIMIT $2
		 ) recent ORDER BY spoken_at, seq`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query user history: %w", err)
	}
	return collectRecords(rows)
}

func (s *PostgresStore) SessionTranscript(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM voice_transcripts WHERE session_id = $1 ORDER BY spoken_at, seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session transcript: %w", err)
	}
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	items, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Record])
	if err != nil {
		return nil, fmt.Errorf("scan transcript rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
