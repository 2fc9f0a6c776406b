package synckit_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/remote"
	"github.com/c0deZ3R0/go-crm-sync/remote/remotetest"
	"github.com/c0deZ3R0/go-crm-sync/schema"
	"github.com/c0deZ3R0/go-crm-sync/store/memory"
	"github.com/c0deZ3R0/go-crm-sync/synckit"
)

const testEndpoint = "http://crm.test"

type harness struct {
	fake   *remotetest.Transport
	client *remote.Client
	store  *memory.Store
	engine *synckit.Engine
}

// newHarness wires an engine to the in-memory CRM and store. The remote
// client lists two records per page.
func newHarness(t *testing.T, opts ...synckit.Option) *harness {
	t.Helper()
	fake := remotetest.New()
	reg := schema.Default()
	client := remote.New(fake, reg,
		remote.WithCredentials("admin", "secret"),
		remote.WithPageSize(2),
		remote.WithLogger(logging.Discard().Logger),
	)
	st := memory.New()

	base := []synckit.Option{
		synckit.WithLogger(logging.Discard()),
		synckit.WithEndpoint("admin", testEndpoint),
	}
	eng, err := synckit.New(client, reg, st, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	return &harness{fake: fake, client: client, store: st, engine: eng}
}

func (h *harness) track(t *testing.T, entityType string) synckit.TrackedCollection {
	t.Helper()
	coll, err := h.engine.Track(context.Background(), entityType)
	require.NoError(t, err)
	return coll
}

func (h *harness) putContact(first, last string) string {
	return h.fake.Put("Contacts", schema.Fields{"first_name": first, "last_name": last})
}

func (h *harness) watermark(t *testing.T, collectionID string) (time.Time, bool) {
	t.Helper()
	wm, ok, err := h.store.GetCollectionWatermark(context.Background(), collectionID)
	require.NoError(t, err)
	return wm, ok
}

func (h *harness) items(t *testing.T, collectionID string) int {
	t.Helper()
	items, err := h.store.ListItems(context.Background(), collectionID)
	require.NoError(t, err)
	return len(items)
}

func modifiedOf(t *testing.T, fake *remotetest.Transport, module, id string) time.Time {
	t.Helper()
	rec, ok := fake.Record(module, id)
	require.True(t, ok)
	ts, ok := schema.ParseTime(rec.Get(schema.FieldDateModified))
	require.True(t, ok)
	return ts
}

// stubClient is a scripted RemoteClient.
type stubClient struct {
	mu       sync.Mutex
	types    []string
	records  []remote.ChangeRecord
	listErr  error
	fields   map[string]schema.Fields
	fetchErr map[string]error
	upserts  []string
	nextID   int

	// gate, when set, blocks ListChanges until it is closed.
	gate      chan struct{}
	entered   chan struct{}
	enterOnce sync.Once
}

func newStubClient() *stubClient {
	return &stubClient{
		fields:   make(map[string]schema.Fields),
		fetchErr: make(map[string]error),
	}
}

func (s *stubClient) ListEntityTypes(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types, nil
}

func (s *stubClient) ListChanges(ctx context.Context, entityType string, watermark time.Time) ([]remote.ChangeRecord, error) {
	if s.gate != nil {
		if s.entered != nil {
			s.enterOnce.Do(func() { close(s.entered) })
		}
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, errors.NewRemoteError(errors.OpListChanges, ctx.Err())
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]remote.ChangeRecord(nil), s.records...), nil
}

func (s *stubClient) FetchEntity(ctx context.Context, entityType, id string) (schema.Fields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fetchErr[id]; err != nil {
		return nil, err
	}
	f, ok := s.fields[id]
	if !ok {
		return nil, errors.NewNotFoundError(errors.OpFetch, entityType, id)
	}
	return f.Clone(), nil
}

func (s *stubClient) UpsertEntity(ctx context.Context, entityType string, fields schema.Fields, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		s.nextID++
		id = fmt.Sprintf("stub-%d", s.nextID)
	}
	s.upserts = append(s.upserts, id)
	return id, nil
}

func (s *stubClient) DeleteEntity(ctx context.Context, entityType, id string) error {
	_, err := s.UpsertEntity(ctx, entityType, schema.Tombstone(), id)
	return err
}

func newStubEngine(t *testing.T, client synckit.RemoteClient, opts ...synckit.Option) (*synckit.Engine, *memory.Store) {
	t.Helper()
	st := memory.New()
	base := []synckit.Option{
		synckit.WithLogger(logging.Discard()),
		synckit.WithEndpoint("admin", testEndpoint),
	}
	eng, err := synckit.New(client, schema.Default(), st, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng, st
}

func at(minute int) time.Time {
	return time.Date(2024, 3, 1, 12, minute, 0, 0, time.UTC)
}

func (s *stubClient) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

func contactFields(first, last string) schema.Fields {
	return schema.Fields{"first_name": first, "last_name": last}
}
