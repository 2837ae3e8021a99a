package checkpoint

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/situkun123/stock-assistant/internal/llm"
)

// MemoryStore keeps checkpoints in process memory. It backs one-shot
// CLI runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[string]*Checkpoint
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*Checkpoint)}
}

// Load implements Store. The returned checkpoint is a copy.
func (s *MemoryStore) Load(_ context.Context, threadID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	out := *cp
	out.Messages = slices.Clone(cp.Messages)
	return &out, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, threadID string, messages []llm.Message) (*Checkpoint, error) {
	if err := validThreadID(threadID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.threads[threadID]
	if !ok {
		cp = &Checkpoint{ThreadID: threadID, CreatedAt: now}
		s.threads[threadID] = cp
	}
	cp.Revision = uuid.New()
	cp.UpdatedAt = now
	cp.Messages = slices.Clone(messages)
	cp.MessageCount = len(messages)

	out := *cp
	out.Messages = slices.Clone(cp.Messages)
	return &out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	out := make([]*Checkpoint, 0, len(s.threads))
	for _, cp := range s.threads {
		meta := *cp
		meta.Messages = nil
		out = append(out, &meta)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b *Checkpoint) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
