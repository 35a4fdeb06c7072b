package conflict

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_NoConflictForEquivalentPayloads(t *testing.T) {
	e := NewEngine()
	c, err := e.Detect(EntityItem, "item-1",
		Version{Payload: json.RawMessage(`{"name":"Lamp","price":10.0}`), ModifiedAt: t0},
		Version{Payload: json.RawMessage(`{ "price":10.0, "name":"Lamp" }`), ModifiedAt: t1},
		true)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDetect_BothRenamed(t *testing.T) {
	e := NewEngine(WithClock(fixedClock()))
	local := Version{Payload: json.RawMessage(`{"id":"item-1","name":"Desk Lamp","quantity":1}`), ModifiedAt: t0, DeviceID: "phone"}
	remote := Version{Payload: json.RawMessage(`{"id":"item-1","name":"Reading Lamp","quantity":1}`), ModifiedAt: t1, DeviceID: "tablet"}

	c, err := e.Detect(EntityItem, "item-1", local, remote, true)
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, TypeUpdate, c.Type)
	assert.Equal(t, fixedClock()(), c.DetectedAt)
	require.Len(t, c.Fields, 1)
	assert.Equal(t, "name", c.Fields[0].FieldName)
	assert.Equal(t, "Name", c.Fields[0].DisplayName)
	assert.True(t, c.Fields[0].IsConflicting)
	assert.Equal(t, "Desk Lamp", *c.Fields[0].OldValue)
	assert.Equal(t, "Reading Lamp", *c.Fields[0].NewValue)

	res, err := e.Resolve(c, KeepRemote())
	require.NoError(t, err)
	assert.Equal(t, string(remote.Payload), string(res.Payload))
}

func TestDetect_Classification(t *testing.T) {
	e := NewEngine()
	live := Version{Payload: json.RawMessage(`{"name":"Lamp"}`), ModifiedAt: t0}
	other := Version{Payload: json.RawMessage(`{"name":"Desk Lamp"}`), ModifiedAt: t1}
	gone := Version{ModifiedAt: t1}

	c, err := e.Detect(EntityItem, "item-1", live, gone, true)
	require.NoError(t, err)
	assert.Equal(t, TypeDelete, c.Type)

	c, err = e.Detect(EntityItem, "item-1", live, other, false)
	require.NoError(t, err)
	assert.Equal(t, TypeCreate, c.Type)
}

func TestDetect_EntityMismatch(t *testing.T) {
	e := NewEngine()
	_, err := e.Detect(EntityItem, "item-1",
		Version{Payload: json.RawMessage(`{"id":"item-9"}`)},
		Version{Payload: json.RawMessage(`{"id":"item-1"}`)},
		true)
	assert.ErrorIs(t, err, ErrEntityMismatch)
}

func TestDiffFields(t *testing.T) {
	changes, err := DiffFields(
		json.RawMessage(`{"name":"Lamp","purchasePrice":12.5,"tags":["a"],"room":"den"}`),
		json.RawMessage(`{"name":"Lamp","purchasePrice":13,"tags":["a"],"brand":"Ikea"}`),
	)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	assert.Equal(t, "brand", changes[0].FieldName)
	assert.Nil(t, changes[0].OldValue)
	assert.Equal(t, "Ikea", *changes[0].NewValue)
	assert.False(t, changes[0].IsConflicting)

	assert.Equal(t, "purchasePrice", changes[1].FieldName)
	assert.Equal(t, "Purchase Price", changes[1].DisplayName)
	assert.Equal(t, "12.5", *changes[1].OldValue)
	assert.Equal(t, "13", *changes[1].NewValue)
	assert.True(t, changes[1].IsConflicting)

	assert.Equal(t, "room", changes[2].FieldName)
	assert.Nil(t, changes[2].NewValue)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Location", DisplayName("locationId"))
	assert.Equal(t, "Serial Number", DisplayName("serial_number"))
	assert.Equal(t, "Warranty End", DisplayName("warrantyEnd"))
	assert.Equal(t, "Entity ID", DisplayName("entityID"))
}

func TestCanonicalAndHash(t *testing.T) {
	a, err := Canonical(json.RawMessage(`{"b":1.50,"a":{"y":"<x>","x":true}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"x":true,"y":"<x>"},"b":1.50}`, string(a))

	h1, err := Hash(json.RawMessage(`{"b":1,"a":2}`))
	require.NoError(t, err)
	h2, err := Hash(json.RawMessage(`{"a":2, "b":1}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	_, err = Hash(json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestHistory(t *testing.T) {
	h, err := NewHistory(2)
	require.NoError(t, err)

	h.Record(&Result{ConflictID: "a"})
	h.Record(&Result{ConflictID: "b"})
	h.Record(&Result{ConflictID: "c"})

	_, ok := h.Get("a")
	assert.False(t, ok, "oldest evicted")

	recent := h.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ConflictID)
	assert.Equal(t, "b", recent[1].ConflictID)

	assert.Len(t, h.Recent(1), 1)
}
