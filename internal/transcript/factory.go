package transcript

import (
	"context"
	"log"
	"strings"
)

// NewStore picks the backing store from the database URL: Postgres when one
// is configured, in-memory otherwise.
func NewStore(ctx context.Context, databaseURL string) Store {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return NewMemoryStore()
	}
	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		log.Printf("transcript: postgres unavailable, using in-memory store: %v", err)
		return NewMemoryStore()
	}
	return store
}
