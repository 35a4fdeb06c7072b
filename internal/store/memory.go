package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used when no durable state storage is
// configured, and by unit tests. All reads return copies.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]*QueueEntry
	order     []string
	conflicts map[string]*Conflict
	history   map[string]*SyncHistory
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]*QueueEntry),
		conflicts: make(map[string]*Conflict),
		history:   make(map[string]*SyncHistory),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) FetchPending(ctx context.Context) ([]*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*QueueEntry
	for _, id := range s.order {
		e := s.entries[id]
		if e.Status == QueueStatusPending || e.Status == QueueStatusProcessing {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListEntries(ctx context.Context) ([]*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*QueueEntry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) Fetch(ctx context.Context, id string) (*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

func (s *MemoryStore) Upsert(ctx context.Context, entry *QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.ID]; !ok {
		s.order = append(s.order, entry.ID)
	}
	s.entries[entry.ID] = entry.Clone()
	return nil
}

func (s *MemoryStore) ClearCompleted(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	kept := s.order[:0]
	for _, id := range s.order {
		if s.entries[id].Status == QueueStatusCompleted {
			delete(s.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}

func cloneConflict(c *Conflict) *Conflict {
	out := *c
	out.LocalData = append([]byte(nil), c.LocalData...)
	out.RemoteData = append([]byte(nil), c.RemoteData...)
	out.ResolvedData = append([]byte(nil), c.ResolvedData...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

func (s *MemoryStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conflicts[conflict.ID]; ok {
		return fmt.Errorf("conflict %s already exists", conflict.ID)
	}
	s.conflicts[conflict.ID] = cloneConflict(conflict)
	return nil
}

func (s *MemoryStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conflicts[id]
	if !ok {
		return nil, nil
	}
	return cloneConflict(c), nil
}

func (s *MemoryStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error) {
	s.mu.RLock()
	var matched []*Conflict
	for _, c := range s.conflicts {
		if c.Resolved == resolved {
			matched = append(matched, cloneConflict(c))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DetectedAt.Equal(matched[j].DetectedAt) {
			return matched[i].DetectedAt.After(matched[j].DetectedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return page(matched, limit, offset), nil
}

func (s *MemoryStore) ResolveConflict(ctx context.Context, id string, resolution string, resolvedData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok {
		return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	now := time.Now().UTC()
	c.Resolved = true
	c.Resolution = resolution
	c.ResolvedAt = &now
	c.ResolvedData = append([]byte(nil), resolvedData...)
	return nil
}

func cloneHistory(h *SyncHistory) *SyncHistory {
	out := *h
	if h.CompletedAt != nil {
		t := *h.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (s *MemoryStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[history.ID] = cloneHistory(history)
	return nil
}

func (s *MemoryStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	return s.CreateSyncHistory(ctx, history)
}

func (s *MemoryStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	s.mu.RLock()
	out := make([]*SyncHistory, 0, len(s.history))
	for _, h := range s.history {
		out = append(out, cloneHistory(h))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
