package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventory-sync/internal/config"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	s, err := Open(context.Background(), config.StateStorage{
		Type:     "sqlite",
		FilePath: filepath.Join(t.TempDir(), "state.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLiteStore(t),
	}
}

func entry(id string, status QueueStatus, created time.Time) *QueueEntry {
	return &QueueEntry{
		ID:        id,
		Payload:   "barcode-" + id,
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestQueueStore(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Upsert(ctx, entry("c", QueueStatusCompleted, base.Add(3*time.Second))))
			require.NoError(t, s.Upsert(ctx, entry("a", QueueStatusPending, base.Add(1*time.Second))))
			require.NoError(t, s.Upsert(ctx, entry("b", QueueStatusProcessing, base.Add(2*time.Second))))
			require.NoError(t, s.Upsert(ctx, entry("d", QueueStatusFailed, base.Add(4*time.Second))))

			pending, err := s.FetchPending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, "a", pending[0].ID)
			assert.Equal(t, "b", pending[1].ID)

			// update in place
			retryAt := base.Add(time.Minute)
			a := pending[0]
			a.RetryCount = 2
			a.LastRetryAt = &retryAt
			a.ErrorMessage = "timeout"
			require.NoError(t, s.Upsert(ctx, a))

			got, err := s.Fetch(ctx, "a")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, 2, got.RetryCount)
			assert.Equal(t, "timeout", got.ErrorMessage)
			require.NotNil(t, got.LastRetryAt)
			assert.True(t, retryAt.Equal(*got.LastRetryAt))
			assert.True(t, a.CreatedAt.Equal(got.CreatedAt))

			missing, err := s.Fetch(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)

			removed, err := s.ClearCompleted(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 1, removed)

			all, err := s.ListEntries(ctx)
			require.NoError(t, err)
			ids := make([]string, 0, len(all))
			for _, e := range all {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, []string{"a", "b", "d"}, ids)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := entry("a", QueueStatusPending, time.Now())
	require.NoError(t, s.Upsert(ctx, e))
	e.Status = QueueStatusFailed

	got, err := s.Fetch(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, QueueStatusPending, got.Status)

	got.RetryCount = 9
	again, _ := s.Fetch(ctx, "a")
	assert.Equal(t, 0, again.RetryCount)
}

func TestConflictStore(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i, id := range []string{"c1", "c2", "c3"} {
				require.NoError(t, s.CreateConflict(ctx, &Conflict{
					ID:           id,
					EntityType:   "item",
					EntityID:     "item-" + id,
					LocalData:    json.RawMessage(`{"name":"local"}`),
					RemoteData:   json.RawMessage(`{"name":"remote"}`),
					ConflictType: "update",
					DetectedAt:   base.Add(time.Duration(i) * time.Minute),
				}))
			}

			open, err := s.ListConflicts(ctx, false, 10, 0)
			require.NoError(t, err)
			require.Len(t, open, 3)
			assert.Equal(t, "c3", open[0].ID, "newest first")

			require.NoError(t, s.ResolveConflict(ctx, "c2", "keep_local", []byte(`{"name":"local"}`)))

			got, err := s.GetConflict(ctx, "c2")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.Resolved)
			assert.Equal(t, "keep_local", got.Resolution)
			assert.NotNil(t, got.ResolvedAt)
			assert.JSONEq(t, `{"name":"local"}`, string(got.ResolvedData))
			assert.JSONEq(t, `{"name":"remote"}`, string(got.RemoteData))

			resolved, err := s.ListConflicts(ctx, true, 10, 0)
			require.NoError(t, err)
			require.Len(t, resolved, 1)

			paged, err := s.ListConflicts(ctx, false, 1, 1)
			require.NoError(t, err)
			require.Len(t, paged, 1)
			assert.Equal(t, "c1", paged[0].ID)

			err = s.ResolveConflict(ctx, "missing", "keep_local", nil)
			assert.ErrorIs(t, err, ErrNotFound)

			none, err := s.GetConflict(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, none)
		})
	}
}

func TestHistoryStore(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first := &SyncHistory{ID: "h1", StartedAt: base, Collections: "items", Status: "syncing"}
			second := &SyncHistory{ID: "h2", StartedAt: base.Add(time.Hour), Collections: "items", Status: "syncing"}
			require.NoError(t, s.CreateSyncHistory(ctx, first))
			require.NoError(t, s.CreateSyncHistory(ctx, second))

			done := base.Add(time.Minute)
			first.CompletedAt = &done
			first.Status = "failed"
			first.ErrorMessage = "cloud unreachable"
			first.ConflictsDetected = 2
			require.NoError(t, s.UpdateSyncHistory(ctx, first))

			history, err := s.GetSyncHistory(ctx, 10, 0)
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, "h2", history[0].ID)
			assert.Nil(t, history[0].CompletedAt)

			h1 := history[1]
			assert.Equal(t, "failed", h1.Status)
			assert.Equal(t, "cloud unreachable", h1.ErrorMessage)
			assert.Equal(t, 2, h1.ConflictsDetected)
			require.NotNil(t, h1.CompletedAt)
			assert.True(t, done.Equal(*h1.CompletedAt))
		})
	}
}

func TestOpen_UnknownType(t *testing.T) {
	_, err := Open(context.Background(), config.StateStorage{Type: "postgres"})
	assert.Error(t, err)
}
