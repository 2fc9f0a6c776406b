package synckit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/remote"
	"github.com/c0deZ3R0/go-crm-sync/schema"
	"github.com/c0deZ3R0/go-crm-sync/synckit"
)

func TestCollectionID(t *testing.T) {
	assert.Equal(t, "admin@http://crm.test#Contacts", synckit.CollectionID("admin", "http://crm.test/", "Contacts"))
	assert.Equal(t, "http://crm.test#Tasks", synckit.CollectionID("", "http://crm.test", "Tasks"))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := synckit.New(nil, schema.Default(), nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))
}

func TestTrack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	coll := h.track(t, "Contacts")
	assert.Equal(t, "admin@http://crm.test#Contacts", coll.ID)
	assert.Equal(t, "Contacts", coll.EntityType)
	assert.False(t, coll.HasWatermark)

	again := h.track(t, "Contacts")
	assert.Equal(t, coll, again)
	assert.Len(t, h.engine.Collections(), 1)

	_, err := h.engine.Track(ctx, "Accounts")
	assert.True(t, errors.IsUnknownType(err))
}

func TestTrackRestoresWatermark(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.engine.CollectionID("Tasks")
	require.NoError(t, h.store.SetCollectionWatermark(ctx, id, at(5)))

	coll := h.track(t, "Tasks")
	assert.True(t, coll.HasWatermark)
	assert.True(t, coll.Watermark.Equal(at(5)))
}

func TestDiscover(t *testing.T) {
	ctx := context.Background()

	t.Run("intersects with registry", func(t *testing.T) {
		h := newHarness(t)
		colls, err := h.engine.Discover(ctx)
		require.NoError(t, err)

		var types []string
		for _, c := range colls {
			types = append(types, c.EntityType)
		}
		assert.Equal(t, []string{"Cases", "Contacts", "Leads", "Tasks"}, types)
	})

	t.Run("allow list", func(t *testing.T) {
		h := newHarness(t, synckit.WithEntityTypes("Tasks", "Accounts", "Contacts"))
		colls, err := h.engine.Discover(ctx)
		require.NoError(t, err)
		require.Len(t, colls, 2)
		assert.Equal(t, "Contacts", colls[0].EntityType)
		assert.Equal(t, "Tasks", colls[1].EntityType)
	})

	t.Run("remote failure", func(t *testing.T) {
		h := newHarness(t)
		h.fake.FailNext("get_available_modules", fmt.Errorf("connection refused"))
		_, err := h.engine.Discover(ctx)
		assert.True(t, errors.IsRemote(err))
		assert.Empty(t, h.engine.Collections())
	})
}

func TestUntrackUnknownCollection(t *testing.T) {
	h := newHarness(t)
	err := h.engine.Untrack("nope")
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))

	_, err = h.engine.SyncOnce(context.Background(), "nope")
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))
}

func TestSetPollInterval(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, synckit.DefaultPollInterval, h.engine.PollInterval())

	h.engine.SetPollInterval(0)
	assert.Equal(t, synckit.DefaultPollInterval, h.engine.PollInterval())

	h.engine.SetPollInterval(5 * time.Second)
	assert.Equal(t, 5*time.Second, h.engine.PollInterval())
}

func TestRunSchedulesTrackedCollections(t *testing.T) {
	h := newHarness(t, synckit.WithPollInterval(10*time.Millisecond))
	h.putContact("Ada", "Lovelace")
	contacts := h.track(t, "Contacts")

	results := make(chan synckit.PassResult, 64)
	h.engine.Subscribe(func(r synckit.PassResult) {
		select {
		case results <- r:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	select {
	case r := <-results:
		assert.Equal(t, contacts.ID, r.CollectionID)
		assert.Equal(t, 1, r.Created)
		assert.NotEmpty(t, r.PassID)
	case <-time.After(5 * time.Second):
		t.Fatal("no pass reported")
	}

	err := h.engine.Run(ctx)
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err), "second Run must be rejected")

	// Collections tracked while running get a scheduler too.
	h.fake.Put("Leads", contactFields("Grace", "Hopper"))
	leads := h.track(t, "Leads")
	require.Eventually(t, func() bool {
		items, err := h.store.ListItems(context.Background(), leads.ID)
		return err == nil && len(items) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Local additions are pushed by the outbox loop.
	item, err := h.store.AddLocalItem(context.Background(), contacts.ID, schema.Contact{GivenName: "Alan", FamilyName: "Turing"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := h.store.GetItem(context.Background(), item.ID)
		return err == nil && got != nil && got.RemoteID != ""
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSubscriberPanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	coll := h.track(t, "Contacts")

	got := make(chan synckit.PassResult, 1)
	h.engine.Subscribe(func(synckit.PassResult) { panic("boom") })
	h.engine.Subscribe(func(r synckit.PassResult) { got <- r })

	_, err := h.engine.SyncOnce(context.Background(), coll.ID)
	require.NoError(t, err)

	select {
	case r := <-got:
		assert.Equal(t, coll.ID, r.CollectionID)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber not called")
	}
}

func TestCollectionsReportLastPass(t *testing.T) {
	h := newHarness(t)
	h.fake.Users = map[string]string{"admin": remote.HashPassword("other")}
	coll := h.track(t, "Contacts")

	_, err := h.engine.SyncOnce(context.Background(), coll.ID)
	require.Error(t, err)

	st, ok := h.engine.Collection(coll.ID)
	require.True(t, ok)
	assert.Equal(t, synckit.StateIdle, st.State)
	require.NotNil(t, st.LastPass)
	assert.True(t, errors.IsAuth(st.LastPass.Err))
	assert.NotEmpty(t, st.LastPass.ErrorText())
}

func TestCloseUntracksEverything(t *testing.T) {
	h := newHarness(t)
	h.track(t, "Contacts")
	h.track(t, "Tasks")

	require.NoError(t, h.engine.Close())
	assert.Empty(t, h.engine.Collections())

	_, err := h.engine.Track(context.Background(), "Leads")
	assert.Error(t, err)
	assert.Error(t, h.engine.Run(context.Background()))
}

func TestStats(t *testing.T) {
	s := synckit.NewStats()
	s.RecordPass("c", time.Second, synckit.PassResult{Created: 2, Updated: 1, Failed: 1})
	s.RecordPass("c", time.Second, synckit.PassResult{Err: errors.NewAuthError(errors.OpLogin, fmt.Errorf("bad"))})
	s.RecordRemoteCall("login", 10*time.Millisecond, nil)
	s.RecordRemoteCall("login", 20*time.Millisecond, fmt.Errorf("down"))
	s.RecordPropagation("added", nil)
	s.RecordPropagation("changed", fmt.Errorf("down"))

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Passes)
	assert.Equal(t, 1, snap.FailedPasses)
	assert.Equal(t, 1, snap.AuthFailures)
	assert.Equal(t, 2, snap.Created)
	assert.Equal(t, 1, snap.Updated)
	assert.Equal(t, 1, snap.RecordErrors)
	assert.Equal(t, 1, snap.Pushed)
	assert.Equal(t, 1, snap.PushErrors)
	assert.Equal(t, synckit.CallStats{Count: 2, Errors: 1, TotalTime: 30 * time.Millisecond}, snap.RemoteCalls["login"])
	assert.NotEmpty(t, snap.LastPassError)

	snap.RemoteCalls["login"] = synckit.CallStats{}
	assert.Equal(t, 2, s.Snapshot().RemoteCalls["login"].Count)
}
