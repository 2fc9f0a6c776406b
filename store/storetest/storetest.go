// Package storetest holds a conformance suite run against every store backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-crm-sync/schema"
	"github.com/c0deZ3R0/go-crm-sync/store"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) store.Backend

// Run exercises the store contract against backends produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Backend)
	}{
		{"ItemLifecycle", testItemLifecycle},
		{"SetRemoteIDKeepsPayload", testSetRemoteID},
		{"FindByRemoteIDIsPerCollection", testFindIsPerCollection},
		{"Watermark", testWatermark},
		{"OutboxOrderAndAck", testOutbox},
		{"RemoveCapturesRemoteID", testRemoveCapturesRemoteID},
		{"Settings", testSettings},
		{"ListItems", testListItems},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testItemLifecycle(t *testing.T, s store.Backend) {
	ctx := context.Background()
	payload := schema.Contact{GivenName: "Ada", FamilyName: "Lovelace", Emails: []string{"ada@example.com"}}

	created, err := s.CreateItem(ctx, "c1", "r-1", payload)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "c1", created.CollectionID)
	assert.Equal(t, "r-1", created.RemoteID)

	found, err := s.FindItemByRemoteID(ctx, "c1", "r-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, payload, found.Payload)

	found.Payload = schema.Contact{GivenName: "Augusta"}
	found.RemoteID = "r-2"
	require.NoError(t, s.UpdateItem(ctx, found))

	got, err := s.GetItem(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r-2", got.RemoteID)
	assert.Equal(t, schema.Contact{GivenName: "Augusta"}, got.Payload)
	assert.Equal(t, "c1", got.CollectionID, "update keeps the parent collection")

	require.NoError(t, s.DeleteItem(ctx, got))
	gone, err := s.FindItemByRemoteID(ctx, "c1", "r-2")
	require.NoError(t, err)
	assert.Nil(t, gone)

	missing, err := s.GetItem(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testSetRemoteID(t *testing.T, s store.Backend) {
	ctx := context.Background()

	added, err := s.AddLocalItem(ctx, "c1", schema.Contact{GivenName: "Grace"})
	require.NoError(t, err)
	added.Payload = schema.Contact{GivenName: "Grace", FamilyName: "Hopper"}
	require.NoError(t, s.ChangeLocalItem(ctx, added, "name"))

	before, err := s.GetItem(ctx, added.ID)
	require.NoError(t, err)
	require.NotNil(t, before)

	require.NoError(t, s.SetRemoteID(ctx, added.ID, "r-9"))

	got, err := s.GetItem(ctx, added.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r-9", got.RemoteID)
	assert.Equal(t, schema.Contact{GivenName: "Grace", FamilyName: "Hopper"}, got.Payload)
	assert.True(t, before.UpdatedAt.Equal(got.UpdatedAt), "remote id write leaves UpdatedAt alone")

	found, err := s.FindItemByRemoteID(ctx, "c1", "r-9")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, added.ID, found.ID)

	assert.Error(t, s.SetRemoteID(ctx, "nope", "r-10"))
}

func testFindIsPerCollection(t *testing.T, s store.Backend) {
	ctx := context.Background()
	_, err := s.CreateItem(ctx, "contacts", "same", schema.Contact{FamilyName: "a"})
	require.NoError(t, err)

	other, err := s.FindItemByRemoteID(ctx, "leads", "same")
	require.NoError(t, err)
	assert.Nil(t, other)

	none, err := s.FindItemByRemoteID(ctx, "contacts", "")
	require.NoError(t, err)
	assert.Nil(t, none, "empty remote id never matches")
}

func testWatermark(t *testing.T, s store.Backend) {
	ctx := context.Background()

	_, ok, err := s.GetCollectionWatermark(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	wm := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetCollectionWatermark(ctx, "c1", wm))
	got, ok, err := s.GetCollectionWatermark(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, wm.Equal(got), "got %v", got)

	later := wm.Add(time.Hour)
	require.NoError(t, s.SetCollectionWatermark(ctx, "c1", later))
	got, _, err = s.GetCollectionWatermark(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, later.Equal(got))

	_, ok, err = s.GetCollectionWatermark(ctx, "c2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testOutbox(t *testing.T, s store.Backend) {
	ctx := context.Background()

	item, err := s.AddLocalItem(ctx, "c1", schema.Task{Name: "write report"})
	require.NoError(t, err)
	assert.Empty(t, item.RemoteID)

	item.Payload = schema.Task{Name: "write report", Description: "q3"}
	require.NoError(t, s.ChangeLocalItem(ctx, item, "description"))

	pending, err := s.PendingMutations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, store.MutationAdded, pending[0].Kind)
	assert.Equal(t, store.MutationChanged, pending[1].Kind)
	assert.Less(t, pending[0].Seq, pending[1].Seq)
	assert.Equal(t, item.ID, pending[0].ItemID)
	assert.Equal(t, "c1", pending[0].CollectionID)
	assert.Equal(t, []string{"description"}, pending[1].ChangedParts)

	limited, err := s.PendingMutations(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, s.AckMutation(ctx, pending[0].Seq))
	pending, err = s.PendingMutations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, store.MutationChanged, pending[0].Kind)

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.Task{Name: "write report", Description: "q3"}, got.Payload)
}

func testRemoveCapturesRemoteID(t *testing.T, s store.Backend) {
	ctx := context.Background()

	item, err := s.CreateItem(ctx, "c1", "r-9", schema.Case{Name: "broken"})
	require.NoError(t, err)
	require.NoError(t, s.RemoveLocalItem(ctx, item))

	pending, err := s.PendingMutations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, store.MutationRemoved, pending[0].Kind)
	assert.Equal(t, "r-9", pending[0].RemoteID)

	gone, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func testSettings(t *testing.T, s store.Backend) {
	ctx := context.Background()

	v, err := s.GetSetting(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	cache := store.NewSessionCache(s, "")
	require.NoError(t, cache.SaveSession(ctx, "sess-1"))
	require.NoError(t, cache.SaveSession(ctx, "sess-2"))
	got, err := cache.LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", got)
}

func testListItems(t *testing.T, s store.Backend) {
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.CreateItem(ctx, "c1", id, schema.Contact{FamilyName: id})
		require.NoError(t, err)
	}
	_, err := s.CreateItem(ctx, "c2", "z", schema.Contact{FamilyName: "z"})
	require.NoError(t, err)

	items, err := s.ListItems(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, items, 3)
}
