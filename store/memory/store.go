// Package memory is an in-process local store, used for dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/schema"
	"github.com/c0deZ3R0/go-crm-sync/store"
)

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.NewLocalStoreError(errors.OpStore, fmt.Errorf("store is closed"))

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu         sync.Mutex
	closed     bool
	items      map[string]*store.Item
	watermarks map[string]time.Time
	settings   map[string]string
	outbox     []store.Mutation
	seq        int64
	signal     chan struct{}

	// FailNext, when set, is returned once by the next store call.
	failNext error
}

var (
	_ store.Backend  = (*Store)(nil)
	_ store.Notifier = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		items:      make(map[string]*store.Item),
		watermarks: make(map[string]time.Time),
		settings:   make(map[string]string),
		signal:     make(chan struct{}, 1),
	}
}

// FailNext makes the next call return err wrapped as a LocalStoreError.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Store) check(op string) error {
	if s.closed {
		return ErrStoreClosed
	}
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return errors.E(errors.Op(op), errors.Component("store/memory"), errors.KindLocalStore, err)
	}
	return nil
}

func copyItem(it *store.Item) *store.Item {
	cp := *it
	return &cp
}

func (s *Store) GetItem(ctx context.Context, itemID string) (*store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.GetItem"); err != nil {
		return nil, err
	}
	if it, ok := s.items[itemID]; ok {
		return copyItem(it), nil
	}
	return nil, nil
}

func (s *Store) FindItemByRemoteID(ctx context.Context, collectionID, remoteID string) (*store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.FindItemByRemoteID"); err != nil {
		return nil, err
	}
	if remoteID == "" {
		return nil, nil
	}
	for _, it := range s.items {
		if it.CollectionID == collectionID && it.RemoteID == remoteID {
			return copyItem(it), nil
		}
	}
	return nil, nil
}

func (s *Store) CreateItem(ctx context.Context, collectionID, remoteID string, payload schema.Payload) (*store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.CreateItem"); err != nil {
		return nil, err
	}
	return copyItem(s.createLocked(collectionID, remoteID, payload)), nil
}

func (s *Store) createLocked(collectionID, remoteID string, payload schema.Payload) *store.Item {
	it := &store.Item{
		ID:           uuid.NewString(),
		CollectionID: collectionID,
		RemoteID:     remoteID,
		Payload:      payload,
		UpdatedAt:    time.Now().UTC(),
	}
	s.items[it.ID] = it
	return it
}

func (s *Store) UpdateItem(ctx context.Context, item *store.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.UpdateItem"); err != nil {
		return err
	}
	it, ok := s.items[item.ID]
	if !ok {
		return errors.E(errors.Op("memory.UpdateItem"), errors.Component("store/memory"), errors.KindLocalStore, "item "+item.ID+" does not exist")
	}
	it.RemoteID = item.RemoteID
	it.Payload = item.Payload
	it.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SetRemoteID(ctx context.Context, itemID, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.SetRemoteID"); err != nil {
		return err
	}
	it, ok := s.items[itemID]
	if !ok {
		return errors.E(errors.Op("memory.SetRemoteID"), errors.Component("store/memory"), errors.KindLocalStore, "item "+itemID+" does not exist")
	}
	it.RemoteID = remoteID
	return nil
}

func (s *Store) DeleteItem(ctx context.Context, item *store.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.DeleteItem"); err != nil {
		return err
	}
	delete(s.items, item.ID)
	return nil
}

func (s *Store) ListItems(ctx context.Context, collectionID string) ([]*store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.ListItems"); err != nil {
		return nil, err
	}
	var out []*store.Item
	for _, it := range s.items {
		if it.CollectionID == collectionID {
			out = append(out, copyItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetCollectionWatermark(ctx context.Context, collectionID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.GetCollectionWatermark"); err != nil {
		return time.Time{}, false, err
	}
	wm, ok := s.watermarks[collectionID]
	return wm, ok, nil
}

func (s *Store) SetCollectionWatermark(ctx context.Context, collectionID string, watermark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.SetCollectionWatermark"); err != nil {
		return err
	}
	s.watermarks[collectionID] = watermark.UTC()
	return nil
}

func (s *Store) enqueueLocked(m store.Mutation) {
	s.seq++
	m.Seq = s.seq
	m.CreatedAt = time.Now().UTC()
	s.outbox = append(s.outbox, m)
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Store) AddLocalItem(ctx context.Context, collectionID string, payload schema.Payload) (*store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.AddLocalItem"); err != nil {
		return nil, err
	}
	it := s.createLocked(collectionID, "", payload)
	s.enqueueLocked(store.Mutation{Kind: store.MutationAdded, ItemID: it.ID, CollectionID: collectionID})
	return copyItem(it), nil
}

func (s *Store) ChangeLocalItem(ctx context.Context, item *store.Item, parts ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.ChangeLocalItem"); err != nil {
		return err
	}
	it, ok := s.items[item.ID]
	if !ok {
		return errors.E(errors.Op("memory.ChangeLocalItem"), errors.Component("store/memory"), errors.KindLocalStore, "item "+item.ID+" does not exist")
	}
	it.Payload = item.Payload
	it.UpdatedAt = time.Now().UTC()
	s.enqueueLocked(store.Mutation{
		Kind:         store.MutationChanged,
		ItemID:       it.ID,
		CollectionID: it.CollectionID,
		RemoteID:     it.RemoteID,
		ChangedParts: append([]string(nil), parts...),
	})
	return nil
}

func (s *Store) RemoveLocalItem(ctx context.Context, item *store.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.RemoveLocalItem"); err != nil {
		return err
	}
	it, ok := s.items[item.ID]
	if !ok {
		return nil
	}
	delete(s.items, item.ID)
	s.enqueueLocked(store.Mutation{
		Kind:         store.MutationRemoved,
		ItemID:       it.ID,
		CollectionID: it.CollectionID,
		RemoteID:     it.RemoteID,
	})
	return nil
}

func (s *Store) PendingMutations(ctx context.Context, limit int) ([]store.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.PendingMutations"); err != nil {
		return nil, err
	}
	n := len(s.outbox)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]store.Mutation, n)
	copy(out, s.outbox[:n])
	return out, nil
}

func (s *Store) AckMutation(ctx context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.AckMutation"); err != nil {
		return err
	}
	for i, m := range s.outbox {
		if m.Seq == seq {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.GetSetting"); err != nil {
		return "", err
	}
	return s.settings[key], nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("memory.SetSetting"); err != nil {
		return err
	}
	s.settings[key] = value
	return nil
}

// MutationSignal fires after a local change is queued.
func (s *Store) MutationSignal() <-chan struct{} { return s.signal }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
