package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps transcripts in process. Used when no database is configured.
type InMemoryStore struct {
	mu        sync.RWMutex
	byUser    map[string][]Record
	bySession map[string][]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byUser:    make(map[string][]Record),
		bySession: make(map[string][]Record),
	}
}

func (s *InMemoryStore) Append(_ context.Context, record Record) error {
	if err := record.validate(); err != nil {
		return err
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.SpokenAt.IsZero() {
		record.SpokenAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[record.UserID] = insertChronological(s.byUser[record.UserID], record)
	s.bySession[record.SessionID] = insertChronological(s.bySession[record.SessionID], record)
	return nil
}

func insertChronological(list []Record, r Record) []Record {
	i := sort.Search(len(list), func(i int) bool { return list[i].SpokenAt.After(r.SpokenAt) })
	list = append(list, Record{})
	copy(list[i+1:], list[i:])
	list[i] = r
	return list
}

func (s *InMemoryStore) UserHistory(_ context.Context, userID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byUser[userID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	return append([]Record(nil), list[len(list)-limit:]...), nil
}

func (s *InMemoryStore) SessionTranscript(_ context.Context, sessionID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.bySession[sessionID]...), nil
}

func (s *InMemoryStore) Close() error { return nil }
