// Package store defines the local item store the sync engine reads from and
// writes to, plus the outbox of local mutations waiting to be pushed.
package store

import (
	"context"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/schema"
)

// Item is a local copy of one remote record. RemoteID is empty until the
// record has been created remotely.
type Item struct {
	ID           string
	CollectionID string
	RemoteID     string
	Payload      schema.Payload
	UpdatedAt    time.Time
}

// Store is what the engine needs from the local item store. Lookups that
// find nothing return a nil item and a nil error.
type Store interface {
	GetItem(ctx context.Context, itemID string) (*Item, error)
	FindItemByRemoteID(ctx context.Context, collectionID, remoteID string) (*Item, error)
	CreateItem(ctx context.Context, collectionID, remoteID string, payload schema.Payload) (*Item, error)
	// UpdateItem writes the item's payload and remote id.
	UpdateItem(ctx context.Context, item *Item) error
	// SetRemoteID records the remote id alone, leaving the payload and
	// UpdatedAt as they are.
	SetRemoteID(ctx context.Context, itemID, remoteID string) error
	DeleteItem(ctx context.Context, item *Item) error
	ListItems(ctx context.Context, collectionID string) ([]*Item, error)

	// GetCollectionWatermark reports false when no watermark was ever set.
	GetCollectionWatermark(ctx context.Context, collectionID string) (time.Time, bool, error)
	SetCollectionWatermark(ctx context.Context, collectionID string, watermark time.Time) error
}

// MutationKind names a local change waiting to be propagated.
type MutationKind string

const (
	MutationAdded   MutationKind = "added"
	MutationChanged MutationKind = "changed"
	MutationRemoved MutationKind = "removed"
)

// Mutation is one entry of the outbox. For removals RemoteID is captured at
// removal time since the item itself is gone.
type Mutation struct {
	Seq          int64
	Kind         MutationKind
	ItemID       string
	CollectionID string
	RemoteID     string
	ChangedParts []string
	CreatedAt    time.Time
}

// Outbox lists local mutations in the order they happened. A mutation stays
// pending until acknowledged.
type Outbox interface {
	PendingMutations(ctx context.Context, limit int) ([]Mutation, error)
	AckMutation(ctx context.Context, seq int64) error
}

// Editor is the local side: changes made through it are applied to the
// store and queued in the outbox in one step.
type Editor interface {
	AddLocalItem(ctx context.Context, collectionID string, payload schema.Payload) (*Item, error)
	ChangeLocalItem(ctx context.Context, item *Item, parts ...string) error
	RemoveLocalItem(ctx context.Context, item *Item) error
}

// Settings is a small key/value area for engine state such as the session.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Notifier is implemented by stores that can signal new outbox entries.
// The channel receives at most one pending value at a time.
type Notifier interface {
	MutationSignal() <-chan struct{}
}

// Backend is a complete local store.
type Backend interface {
	Store
	Outbox
	Editor
	Settings
	Close() error
}

// SessionKey is the settings key holding the remote session token.
const SessionKey = "remote.session"

// SessionCache adapts Settings to the remote client's session cache.
type SessionCache struct {
	Settings Settings
	Key      string
}

// NewSessionCache stores the session under key, or SessionKey when empty.
func NewSessionCache(s Settings, key string) *SessionCache {
	if key == "" {
		key = SessionKey
	}
	return &SessionCache{Settings: s, Key: key}
}

func (c *SessionCache) LoadSession(ctx context.Context) (string, error) {
	return c.Settings.GetSetting(ctx, c.Key)
}

func (c *SessionCache) SaveSession(ctx context.Context, session string) error {
	return c.Settings.SetSetting(ctx, c.Key, session)
}
