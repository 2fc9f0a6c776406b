package remote_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/remote"
	"github.com/c0deZ3R0/go-crm-sync/remote/remotetest"
	"github.com/c0deZ3R0/go-crm-sync/schema"
)

func newClient(t *testing.T, fake *remotetest.Transport, opts ...remote.Option) *remote.Client {
	t.Helper()
	opts = append([]remote.Option{
		remote.WithLogger(logging.Discard().Logger),
		remote.WithCredentials("admin", "secret"),
	}, opts...)
	return remote.New(fake, schema.Default(), opts...)
}

func TestLoginHashesPassword(t *testing.T) {
	fake := remotetest.New()
	fake.Users = map[string]string{"admin": remote.HashPassword("secret")}
	c := remote.New(fake, schema.Default(), remote.WithLogger(logging.Discard().Logger))

	session, err := c.Login(context.Background(), "admin", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, session)
	assert.Equal(t, session, c.Session())
	assert.Equal(t, "5ebe2294ecd0e0f08eab7690d2a6ee69", remote.HashPassword("secret"))
}

func TestLoginFailureClearsSession(t *testing.T) {
	fake := remotetest.New()
	fake.Users = map[string]string{"admin": remote.HashPassword("secret")}
	c := remote.New(fake, schema.Default(), remote.WithLogger(logging.Discard().Logger))
	ctx := context.Background()

	_, err := c.Login(ctx, "admin", "secret")
	require.NoError(t, err)

	_, err = c.Login(ctx, "admin", "wrong")
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))
	assert.Contains(t, err.Error(), "Invalid Login")
	assert.Empty(t, c.Session())

	// Re-callable after a failure.
	_, err = c.Login(ctx, "admin", "secret")
	require.NoError(t, err)
}

func TestCallWithoutCredentials(t *testing.T) {
	c := remote.New(remotetest.New(), schema.Default(), remote.WithLogger(logging.Discard().Logger))

	_, err := c.ListEntityTypes(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))
}

func TestAutoLogin(t *testing.T) {
	fake := remotetest.New()
	c := newClient(t, fake)

	types, err := c.ListEntityTypes(context.Background())
	require.NoError(t, err)
	assert.Contains(t, types, "Contacts")
	assert.Equal(t, 1, fake.Calls("login"))
}

func TestReloginOnExpiredSession(t *testing.T) {
	fake := remotetest.New()
	c := newClient(t, fake)
	ctx := context.Background()

	_, err := c.ListEntityTypes(ctx)
	require.NoError(t, err)
	before := c.Session()

	fake.ExpireSessions()

	_, err = c.ListEntityTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Calls("login"))
	assert.NotEqual(t, before, c.Session())
}

func TestReloginHappensOnce(t *testing.T) {
	fake := remotetest.New()
	c := newClient(t, fake)
	ctx := context.Background()

	_, err := c.ListEntityTypes(ctx)
	require.NoError(t, err)

	invalid := &remote.Fault{Number: remote.FaultInvalidSession, Name: "Invalid Session ID"}
	fake.FailNext("get_available_modules", invalid)
	fake.FailNext("get_available_modules", invalid)

	_, err = c.ListEntityTypes(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))
	assert.Equal(t, 2, fake.Calls("login"))
	assert.Equal(t, 3, fake.Calls("get_available_modules"))
}

func TestServerFaultIsRemoteError(t *testing.T) {
	fake := remotetest.New()
	c := newClient(t, fake)

	fake.FailNext("set_entry", &remote.Fault{Number: 40, Name: "Access Denied", Description: "You do not have access"})
	_, err := c.UpsertEntity(context.Background(), "Contacts", schema.Fields{"last_name": "x"}, "")
	require.Error(t, err)
	assert.True(t, errors.IsRemote(err))

	var se *errors.SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 40, se.Metadata["fault_number"])
	assert.Equal(t, errors.ErrCodeServerFault, se.Code)
}

func TestNetworkErrorIsRemoteError(t *testing.T) {
	fake := remotetest.New()
	c := newClient(t, fake)

	fake.FailNext("get_entry_list", fmt.Errorf("connection reset by peer"))
	_, err := c.ListChangesSince("Contacts", time.Time{}).Collect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRemote(err))
	assert.True(t, errors.IsRetryable(err))
}

func TestCallTimeout(t *testing.T) {
	fake := remotetest.New()
	fake.Block = true
	c := newClient(t, fake, remote.WithCallTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := c.ListEntityTypes(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRemote(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCallerCancellation(t *testing.T) {
	fake := remotetest.New()
	fake.Block = true
	c := newClient(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.FetchEntity(ctx, "Contacts", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPaginationCompleteness(t *testing.T) {
	const pageSize = 3

	for _, n := range []int{0, 1, pageSize, pageSize + 1, 3*pageSize - 1} {
		t.Run(fmt.Sprintf("N=%d", n), func(t *testing.T) {
			fake := remotetest.New()
			for i := 0; i < n; i++ {
				fake.Put("Contacts", schema.Fields{"last_name": fmt.Sprintf("c%d", i)})
			}
			c := newClient(t, fake, remote.WithPageSize(pageSize))

			records, err := c.ListChangesSince("Contacts", time.Time{}).Collect(context.Background())
			require.NoError(t, err)
			require.Len(t, records, n)

			seen := map[string]bool{}
			for _, r := range records {
				assert.False(t, seen[r.ID], "duplicate %s", r.ID)
				seen[r.ID] = true
			}
			wantCalls := (n+pageSize-1)/pageSize + 1
			assert.Equal(t, wantCalls, fake.Calls("get_entry_list"))
		})
	}
}

func TestServerPageCapIsHonoured(t *testing.T) {
	fake := remotetest.New()
	fake.MaxPageSize = 2
	for i := 0; i < 5; i++ {
		fake.Put("Tasks", schema.Fields{"name": fmt.Sprintf("t%d", i)})
	}
	c := newClient(t, fake, remote.WithPageSize(100))

	records, err := c.ListChangesSince("Tasks", time.Time{}).Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestListChangesRequests(t *testing.T) {
	fake := remotetest.New()
	c := newClient(t, fake)
	ctx := context.Background()

	_, err := c.ListChangesSince("Contacts", time.Time{}).Collect(ctx)
	require.NoError(t, err)

	wm := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	_, err = c.ListChangesSince("Contacts", wm).Collect(ctx)
	require.NoError(t, err)

	reqs := fake.ListRequests()
	require.Len(t, reqs, 2)

	assert.False(t, reqs[0].Deleted)
	assert.Empty(t, reqs[0].Query)
	assert.Equal(t, "date_modified ASC", reqs[0].OrderBy)
	assert.Equal(t, schema.ChangeFields, reqs[0].SelectFields)

	assert.True(t, reqs[1].Deleted)
	assert.Equal(t,
		"contacts.date_modified > '2024-01-01 00:00:05' OR contacts.date_entered > '2024-01-01 00:00:05'",
		reqs[1].Query)
}

func TestListChangesSinceFiltersAndOrders(t *testing.T) {
	fake := remotetest.New()
	old := fake.Put("Contacts", schema.Fields{"last_name": "old"})
	oldRec, _ := fake.Record("Contacts", old)
	wm, _ := schema.ParseTime(oldRec["date_modified"])

	b := fake.Put("Contacts", schema.Fields{"last_name": "b"})
	gone := fake.Put("Contacts", schema.Fields{"last_name": "gone", "deleted": "1"})

	c := newClient(t, fake)
	records, err := c.ListChangesSince("Contacts", wm).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, b, records[0].ID)
	assert.Equal(t, gone, records[1].ID)
	assert.True(t, records[1].Deleted)
	assert.True(t, records[0].Modified.After(wm))
	assert.False(t, records[0].Created.IsZero())

	all, err := c.ListChangesSince("Contacts", time.Time{}).Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2, "initial listing excludes deleted records")
}

func TestChangeSequenceIsRestartable(t *testing.T) {
	fake := remotetest.New()
	fake.Put("Leads", schema.Fields{"last_name": "a"})
	c := newClient(t, fake)

	seq := c.ListChangesSince("Leads", time.Time{})
	for i := 0; i < 2; i++ {
		records, err := seq.Collect(context.Background())
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.NotEmpty(t, records[0].ID)
	}

	fake.Put("Leads", schema.Fields{"last_name": "b"})
	records, err := seq.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestUnknownTypeRejected(t *testing.T) {
	fake := remotetest.New()
	c := newClient(t, fake)
	ctx := context.Background()

	_, err := c.ListChangesSince("Accounts", time.Time{}).Collect(ctx)
	assert.True(t, errors.IsUnknownType(err))

	_, err = c.FetchEntity(ctx, "Accounts", "1")
	assert.True(t, errors.IsUnknownType(err))

	_, err = c.UpsertEntity(ctx, "Accounts", schema.Fields{"name": "x"}, "")
	assert.True(t, errors.IsUnknownType(err))

	assert.Zero(t, fake.Calls("login"), "unknown types never reach the server")
}

func TestFetchEntity(t *testing.T) {
	fake := remotetest.New()
	id := fake.Put("Contacts", schema.Fields{"first_name": "Ada", "last_name": "Lovelace", "email1": "ada@example.com", "secret": "nope"})
	c := newClient(t, fake)

	fields, err := c.FetchEntity(context.Background(), "Contacts", id)
	require.NoError(t, err)
	assert.Equal(t, id, fields["id"])
	assert.Equal(t, "Ada", fields["first_name"])
	assert.NotContains(t, fields, "secret", "only schema fields are requested")
}

func TestFetchEntityNotFound(t *testing.T) {
	c := newClient(t, remotetest.New())

	_, err := c.FetchEntity(context.Background(), "Contacts", "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestUpsertEntity(t *testing.T) {
	fake := remotetest.New()
	c := newClient(t, fake)
	ctx := context.Background()

	id, err := c.UpsertEntity(ctx, "Contacts", schema.Fields{"last_name": "Hopper"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := c.UpsertEntity(ctx, "Contacts", schema.Fields{"first_name": "Grace"}, id)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	rec, ok := fake.Record("Contacts", id)
	require.True(t, ok)
	assert.Equal(t, "Grace", rec["first_name"])
	assert.Equal(t, "Hopper", rec["last_name"])

	require.NoError(t, c.DeleteEntity(ctx, "Contacts", id))
	rec, _ = fake.Record("Contacts", id)
	assert.Equal(t, "1", rec["deleted"])
	assert.Equal(t, 0, fake.Len("Contacts"))
}

func TestTombstoneRequiresID(t *testing.T) {
	fake := remotetest.New()
	c := newClient(t, fake)

	_, err := c.UpsertEntity(context.Background(), "Contacts", schema.Tombstone(), "")
	require.Error(t, err)
	assert.Zero(t, fake.Calls("set_entry"))
}

type memCache struct {
	mu      sync.Mutex
	session string
	saves   int
}

func (m *memCache) LoadSession(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, nil
}

func (m *memCache) SaveSession(_ context.Context, s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
	m.saves++
	return nil
}

func TestSessionCache(t *testing.T) {
	fake := remotetest.New()
	cache := &memCache{}
	ctx := context.Background()

	first := newClient(t, fake, remote.WithSessionCache(cache))
	_, err := first.ListEntityTypes(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, cache.session)
	require.Equal(t, 1, fake.Calls("login"))

	second := newClient(t, fake, remote.WithSessionCache(cache))
	_, err = second.ListEntityTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls("login"), "cached session is reused")

	fake.ExpireSessions()
	third := newClient(t, fake, remote.WithSessionCache(cache))
	_, err = third.ListEntityTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Calls("login"), "stale cached session triggers login")
	assert.Equal(t, 2, cache.saves)
}

func TestCallObserver(t *testing.T) {
	fake := remotetest.New()
	var mu sync.Mutex
	methods := map[string]int{}
	c := newClient(t, fake, remote.WithCallObserver(func(method string, _ time.Duration, _ error) {
		mu.Lock()
		defer mu.Unlock()
		methods[method]++
	}))

	_, err := c.ListEntityTypes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"login": 1, "get_available_modules": 1}, methods)
}

func TestConcurrentCallsShareSession(t *testing.T) {
	fake := remotetest.New()
	c := newClient(t, fake)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ListEntityTypes(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fake.Calls("login"))
}
