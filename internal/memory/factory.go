package memory

import (
	"context"
	"strings"
)

// NewStore picks the backend: Postgres when databaseURL is set, in-process otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return NewInMemoryStore(), nil
	}
	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return store, nil
}
