package synckit

import (
	"context"
	"log/slog"

	"github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/remote"
	"github.com/c0deZ3R0/go-crm-sync/schema"
	"github.com/c0deZ3R0/go-crm-sync/store"
)

// Outcome is what reconciling one change record did to the local store.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeCreated
	OutcomeUpdated
	OutcomeDeleted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Reconciler turns change records into local creates, updates and deletes.
type Reconciler struct {
	client RemoteClient
	store  store.Store
}

// NewReconciler returns a reconciler writing to s.
func NewReconciler(client RemoteClient, s store.Store) *Reconciler {
	return &Reconciler{client: client, store: s}
}

// Apply reconciles one change record into coll. Whether a local item
// already exists is checked first and decides between update and create,
// whatever the record's timestamps say. During an initial pass records are
// only ever created.
//
// A NotFound fetch is reported as OutcomeSkipped with a nil error. Any other
// failure returns OutcomeFailed and the error; the local store is untouched.
func (r *Reconciler) Apply(ctx context.Context, coll TrackedCollection, sch schema.Schema, rec remote.ChangeRecord, initial bool, logger *logging.Logger) (Outcome, error) {
	log := logger.With(slog.String("entity_type", coll.EntityType), slog.String("remote_id", rec.ID))

	if rec.ID == "" {
		log.Warn("change record without id")
		return OutcomeSkipped, nil
	}

	existing, err := r.store.FindItemByRemoteID(ctx, coll.ID, rec.ID)
	if err != nil {
		return OutcomeFailed, localStoreError(errors.OpReconcile, err)
	}

	if rec.Deleted {
		if existing == nil || initial {
			log.Debug("deleted record has no local item")
			return OutcomeSkipped, nil
		}
		if err := r.store.DeleteItem(ctx, existing); err != nil {
			return OutcomeFailed, localStoreError(errors.OpReconcile, err)
		}
		log.Debug("deleted local item", slog.String("item_id", existing.ID))
		return OutcomeDeleted, nil
	}

	if existing != nil && initial {
		log.Debug("record already present locally", slog.String("item_id", existing.ID))
		return OutcomeSkipped, nil
	}

	payload, err := r.fetch(ctx, coll.EntityType, sch, rec.ID)
	if errors.IsNotFound(err) {
		log.Info("record vanished before fetch")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	if existing != nil {
		existing.Payload = payload
		if err := r.store.UpdateItem(ctx, existing); err != nil {
			return OutcomeFailed, localStoreError(errors.OpReconcile, err)
		}
		log.Debug("updated local item", slog.String("item_id", existing.ID))
		return OutcomeUpdated, nil
	}

	item, err := r.store.CreateItem(ctx, coll.ID, rec.ID, payload)
	if err != nil {
		return OutcomeFailed, localStoreError(errors.OpReconcile, err)
	}
	log.Debug("created local item", slog.String("item_id", item.ID))
	return OutcomeCreated, nil
}

func (r *Reconciler) fetch(ctx context.Context, entityType string, sch schema.Schema, id string) (schema.Payload, error) {
	fields, err := r.client.FetchEntity(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	return sch.Decode(fields)
}

// localStoreError keeps an existing SyncError and wraps anything else.
func localStoreError(op errors.Operation, err error) error {
	if errors.IsLocalStore(err) {
		return err
	}
	return errors.NewLocalStoreError(op, err)
}
