package store

import (
	"context"
)

// QueueStore is the narrow durable storage the offline queue depends on.
// Fetch returns nil, nil for an unknown id.
type QueueStore interface {
	// FetchPending returns pending and processing entries in insertion order.
	// Processing entries are only left behind by an interrupted drain.
	FetchPending(ctx context.Context) ([]*QueueEntry, error)
	Fetch(ctx context.Context, id string) (*QueueEntry, error)
	Upsert(ctx context.Context, entry *QueueEntry) error
	ClearCompleted(ctx context.Context) (int64, error)
	ListEntries(ctx context.Context) ([]*QueueEntry, error)
}

type ConflictStore interface {
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error)
	ResolveConflict(ctx context.Context, id string, resolution string, resolvedData []byte) error
}

type HistoryStore interface {
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)
}

type Store interface {
	QueueStore
	ConflictStore
	HistoryStore

	Close() error
}
