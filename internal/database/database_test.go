package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Ping(context.Background()))
	return db
}

func TestEntityTable_RejectsBadNames(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, name := range []string{"", "items; DROP TABLE x", "1items", "it-ems"} {
		err := db.EnsureEntityTable(ctx, name)
		assert.ErrorIs(t, err, ErrInvalidTable, name)
	}
}

func TestEntityLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.EnsureEntityTable(ctx, "items"))

	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, db.PutEntity(ctx, "items", &Entity{
		ID:         "i1",
		Payload:    json.RawMessage(`{"name":"Lamp"}`),
		ModifiedAt: t0,
		ModifiedBy: "ana",
		DeviceID:   "phone",
	}))
	require.NoError(t, db.PutEntity(ctx, "items", &Entity{
		ID:         "i0",
		Payload:    json.RawMessage(`{"name":"Chair"}`),
		ModifiedAt: t0.Add(-time.Hour),
	}))

	dirty, err := db.ListDirty(ctx, "items")
	require.NoError(t, err)
	require.Len(t, dirty, 2)
	assert.Equal(t, "i0", dirty[0].ID, "oldest edit first")
	assert.Equal(t, "i1", dirty[1].ID)
	assert.True(t, dirty[1].Dirty)
	assert.EqualValues(t, 0, dirty[1].Version)
	assert.True(t, t0.Equal(dirty[1].ModifiedAt))
	assert.JSONEq(t, `{"name":"Lamp"}`, string(dirty[1].Payload))

	require.NoError(t, db.MarkSynced(ctx, "items", "i1", 1, json.RawMessage(`{"name":"Lamp"}`), false, t0))

	got, err := db.GetEntity(ctx, "items", "i1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Dirty)
	assert.EqualValues(t, 1, got.Version)

	missing, err := db.GetEntity(ctx, "items", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMarkSynced_KeepsNewerLocalEdit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.EnsureEntityTable(ctx, "items"))

	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, db.PutEntity(ctx, "items", &Entity{ID: "i1", Payload: json.RawMessage(`{"v":1}`), ModifiedAt: t0}))

	// edited again while the upload was in flight
	require.NoError(t, db.PutEntity(ctx, "items", &Entity{ID: "i1", Payload: json.RawMessage(`{"v":2}`), ModifiedAt: t0.Add(time.Second)}))

	require.NoError(t, db.MarkSynced(ctx, "items", "i1", 4, json.RawMessage(`{"v":1}`), false, t0))

	got, err := db.GetEntity(ctx, "items", "i1")
	require.NoError(t, err)
	assert.True(t, got.Dirty)
	assert.EqualValues(t, 4, got.Version)
	assert.JSONEq(t, `{"v":2}`, string(got.Payload))
}

func TestUpdateEntityIfVersion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.EnsureEntityTable(ctx, "items"))

	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, db.InsertEntity(ctx, "items", &Entity{ID: "i1", Payload: json.RawMessage(`{"v":1}`), Version: 1, ModifiedAt: t0}))

	next := &Entity{ID: "i1", Payload: json.RawMessage(`{"v":2}`), Version: 2, ModifiedAt: t0.Add(time.Minute)}
	ok, err := db.UpdateEntityIfVersion(ctx, "items", next, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	stale := &Entity{ID: "i1", Payload: json.RawMessage(`{"v":3}`), Version: 2, ModifiedAt: t0.Add(2 * time.Minute)}
	ok, err = db.UpdateEntityIfVersion(ctx, "items", stale, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := db.GetEntity(ctx, "items", "i1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Version)
	assert.JSONEq(t, `{"v":2}`, string(got.Payload))
}

func TestLookupProduct(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.EnsureProductTable(ctx))
	require.NoError(t, db.PutProduct(ctx, &Product{Barcode: "4006381333931", Name: "Highlighter", Brand: "Stabilo"}))

	p, err := db.LookupProduct(ctx, "4006381333931")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Highlighter", p.Name)

	p, err = db.LookupProduct(ctx, "0000000000000")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestExecTx_RollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.EnsureEntityTable(ctx, "items"))

	err := db.ExecTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertEntity(ctx, tx, "items", &Entity{ID: "i1", Payload: json.RawMessage(`{}`), ModifiedAt: time.Now()}); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err := db.GetEntity(ctx, "items", "i1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
