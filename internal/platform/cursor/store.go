// Package cursor persists the feed resumption cursor. The default
// in-memory store matches the original process-lifetime behavior; the
// Redis store adds durable resumption across restarts when configured.
package cursor

import (
	"context"
	"sync"

	"github.com/paygrid-labs/escrowstream/internal/feed"
)

// Store saves and restores the committed cursor.
type Store interface {
	Save(ctx context.Context, cur feed.Cursor) error
	Load(ctx context.Context) (feed.Cursor, bool, error)
}

// MemoryStore keeps the cursor for the process lifetime only.
type MemoryStore struct {
	mu  sync.RWMutex
	cur feed.Cursor
	set bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, cur feed.Cursor) error {
	s.mu.Lock()
	s.cur = cur
	s.set = true
	s.mu.Unlock()
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context) (feed.Cursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur, s.set, nil
}
