package synckit

import (
	"context"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/schema"
	"github.com/c0deZ3R0/go-crm-sync/store"
)

// collectionAccess resolves and locks a tracked collection.
type collectionAccess interface {
	acquireCollection(ctx context.Context, collectionID string) (TrackedCollection, func(), error)
}

// Propagator pushes local mutations to the remote side. Each call holds
// the collection's lock, so it never interleaves with a polling pass of the
// same collection.
type Propagator struct {
	client      RemoteClient
	registry    *schema.Registry
	store       store.Store
	collections collectionAccess
	logger      *logging.Logger
	metrics     MetricsCollector
}

// DrainResult counts what one Drain did.
type DrainResult struct {
	Pushed   int `json:"pushed" yaml:"pushed"`
	Failed   int `json:"failed" yaml:"failed"`
	Deferred int `json:"deferred" yaml:"deferred"`
}

// ItemAdded creates the item remotely and writes the new remote id back.
// For types that fill in fields on creation the record is fetched back and
// the local payload refreshed. An item that already has a remote id is
// updated instead.
func (p *Propagator) ItemAdded(ctx context.Context, item *store.Item) error {
	coll, release, err := p.collections.acquireCollection(ctx, item.CollectionID)
	if err != nil {
		return err
	}
	defer release()
	return p.create(ctx, coll, item)
}

// ItemChanged pushes the item's payload to its remote record. An item that
// was never created remotely is created.
func (p *Propagator) ItemChanged(ctx context.Context, item *store.Item, parts []string) error {
	coll, release, err := p.collections.acquireCollection(ctx, item.CollectionID)
	if err != nil {
		return err
	}
	defer release()

	if item.RemoteID == "" {
		p.logger.Debug("changed item has no remote record yet, creating it",
			slog.String("collection", coll.ID),
			slog.String("item_id", item.ID))
		return p.create(ctx, coll, item)
	}

	sch, fields, err := p.encode(coll, item)
	if err != nil {
		return err
	}
	if _, err := p.client.UpsertEntity(ctx, sch.EntityType, fields, item.RemoteID); err != nil {
		return err
	}
	p.logger.Debug("pushed local change",
		slog.String("collection", coll.ID),
		slog.String("remote_id", item.RemoteID),
		slog.Any("parts", parts))
	return nil
}

// ItemRemoved writes a tombstone for the item's remote record. Items that
// never reached the remote side need nothing.
func (p *Propagator) ItemRemoved(ctx context.Context, item *store.Item) error {
	coll, release, err := p.collections.acquireCollection(ctx, item.CollectionID)
	if err != nil {
		return err
	}
	defer release()

	if item.RemoteID == "" {
		return nil
	}
	if err := p.client.DeleteEntity(ctx, coll.EntityType, item.RemoteID); err != nil {
		return err
	}
	p.logger.Debug("pushed local removal",
		slog.String("collection", coll.ID),
		slog.String("remote_id", item.RemoteID))
	return nil
}

func (p *Propagator) create(ctx context.Context, coll TrackedCollection, item *store.Item) error {
	sch, fields, err := p.encode(coll, item)
	if err != nil {
		return err
	}

	remoteID, err := p.client.UpsertEntity(ctx, sch.EntityType, fields, item.RemoteID)
	if err != nil {
		return err
	}
	item.RemoteID = remoteID

	// Only the id is written: the item may have been edited locally while
	// the remote call was in flight.
	if err := p.store.SetRemoteID(ctx, item.ID, remoteID); err != nil {
		return localStoreError(errors.OpPropagate, err)
	}
	p.logger.Debug("created remote record",
		slog.String("collection", coll.ID),
		slog.String("item_id", item.ID),
		slog.String("remote_id", remoteID))

	if sch.RefreshOnCreate {
		p.refreshItem(ctx, coll, sch, item)
	}
	return nil
}

// refreshItem replaces the local payload with the freshly created remote
// record, unless the item changed locally since it was read. An item
// without UpdatedAt is always refreshed. Failures are
// logged only; the next poll brings the derived fields.
func (p *Propagator) refreshItem(ctx context.Context, coll TrackedCollection, sch schema.Schema, item *store.Item) {
	log := p.logger.WithCollection(coll.ID)
	attrs := []slog.Attr{slog.String("item_id", item.ID), slog.String("remote_id", item.RemoteID)}

	payload, err := p.refresh(ctx, sch, item.RemoteID)
	if err != nil {
		log.LogError(ctx, err, "refresh after create failed", attrs...)
		return
	}

	current, err := p.store.GetItem(ctx, item.ID)
	if err != nil {
		log.LogError(ctx, localStoreError(errors.OpLoad, err), "refresh after create failed", attrs...)
		return
	}
	if current == nil || (!item.UpdatedAt.IsZero() && !current.UpdatedAt.Equal(item.UpdatedAt)) {
		log.LogAttrs(ctx, slog.LevelDebug, "item changed locally during create, refresh skipped", attrs...)
		return
	}

	current.Payload = payload
	if err := p.store.UpdateItem(ctx, current); err != nil {
		log.LogError(ctx, localStoreError(errors.OpStore, err), "refresh after create failed", attrs...)
		return
	}
	item.Payload = payload
}

func (p *Propagator) encode(coll TrackedCollection, item *store.Item) (schema.Schema, schema.Fields, error) {
	sch, err := p.registry.Lookup(coll.EntityType)
	if err != nil {
		return schema.Schema{}, nil, err
	}
	fields, err := sch.Encode(item.Payload)
	if err != nil {
		return schema.Schema{}, nil, err
	}
	return sch, fields, nil
}

func (p *Propagator) refresh(ctx context.Context, sch schema.Schema, remoteID string) (schema.Payload, error) {
	fields, err := p.client.FetchEntity(ctx, sch.EntityType, remoteID)
	if err != nil {
		return nil, err
	}
	return sch.Decode(fields)
}

// Drain pushes up to limit pending mutations in order and acknowledges each
// one that succeeded. After a failure the remaining mutations of the same
// item stay pending so they are never applied out of order.
func (p *Propagator) Drain(ctx context.Context, outbox store.Outbox, limit int) (DrainResult, error) {
	var res DrainResult

	pending, err := outbox.PendingMutations(ctx, limit)
	if err != nil {
		return res, localStoreError(errors.OpLoad, err)
	}

	blocked := make(map[string]bool)
	for _, m := range pending {
		if ctx.Err() != nil {
			return res, errCanceled(errors.Op("synckit.Drain"), ctx.Err())
		}
		if blocked[m.ItemID] {
			res.Deferred++
			continue
		}

		err := p.apply(ctx, m)
		p.metrics.RecordPropagation(m.Kind, err)
		if err != nil {
			blocked[m.ItemID] = true
			res.Failed++
			p.logger.LogError(ctx, err, "local change left pending",
				slog.String("collection", m.CollectionID),
				slog.String("item_id", m.ItemID),
				slog.String("mutation", string(m.Kind)),
				slog.Int64("seq", m.Seq))
			continue
		}

		if err := outbox.AckMutation(ctx, m.Seq); err != nil {
			return res, localStoreError(errors.OpStore, err)
		}
		res.Pushed++
	}

	if res.Pushed > 0 || res.Failed > 0 {
		p.logger.Info("outbox drained",
			slog.Int("pushed", res.Pushed),
			slog.Int("failed", res.Failed),
			slog.Int("deferred", res.Deferred))
	}
	return res, nil
}

func (p *Propagator) apply(ctx context.Context, m store.Mutation) error {
	switch m.Kind {
	case store.MutationAdded, store.MutationChanged:
		item, err := p.store.GetItem(ctx, m.ItemID)
		if err != nil {
			return localStoreError(errors.OpLoad, err)
		}
		if item == nil {
			// Removed since; the removal entry handles the remote side.
			return nil
		}
		if m.Kind == store.MutationAdded {
			return p.ItemAdded(ctx, item)
		}
		return p.ItemChanged(ctx, item, m.ChangedParts)
	case store.MutationRemoved:
		return p.ItemRemoved(ctx, &store.Item{ID: m.ItemID, CollectionID: m.CollectionID, RemoteID: m.RemoteID})
	default:
		return errors.E(errors.Op("synckit.apply"), errors.Component("synckit"), errors.KindInvalid, "unknown mutation kind "+string(m.Kind))
	}
}

// drainLoop drains the outbox every poll interval and whenever the store
// signals a new mutation.
func (e *Engine) drainLoop(ctx context.Context) {
	var signal <-chan struct{}
	if n, ok := e.store.(store.Notifier); ok {
		signal = n.MutationSignal()
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-signal:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if _, err := e.Drain(ctx); err != nil && ctx.Err() == nil {
			e.logger.LogError(ctx, err, "outbox drain failed")
		}
		timer.Reset(e.PollInterval())
	}
}
