package synckit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
)

// schedule runs passes for cs until the engine stops or cs is untracked.
// The next pass is armed only after the previous one finished.
func (e *Engine) schedule(ctx context.Context, cs *collectionState) {
	defer e.schedulers.Done()
	defer func() {
		e.mu.Lock()
		cs.started = false
		e.mu.Unlock()
	}()

	log := e.logger.WithCollection(cs.id)
	log.Debug("scheduler started")

	for {
		if ctx.Err() != nil || cs.ctx.Err() != nil {
			log.Debug("scheduler stopped")
			return
		}

		e.runPass(ctx, cs)

		timer := time.NewTimer(e.PollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Debug("scheduler stopped")
			return
		case <-cs.ctx.Done():
			timer.Stop()
			log.Debug("scheduler stopped, collection untracked")
			return
		case <-timer.C:
		}
	}
}

// passContext derives the context of one pass: it ends with ctx, when the
// collection is untracked, or after the pass timeout.
func (e *Engine) passContext(ctx context.Context, cs *collectionState) (context.Context, context.CancelFunc) {
	passCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cs.ctx, cancel)
	if e.passTimeout > 0 {
		var cancelTimeout context.CancelFunc
		passCtx, cancelTimeout = context.WithTimeout(passCtx, e.passTimeout)
		return passCtx, func() {
			cancelTimeout()
			stop()
			cancel()
		}
	}
	return passCtx, func() {
		stop()
		cancel()
	}
}

// runPass runs one Polling -> Reconciling pass for cs while holding the
// collection lock.
func (e *Engine) runPass(ctx context.Context, cs *collectionState) PassResult {
	res := PassResult{
		CollectionID: cs.id,
		PassID:       uuid.NewString(),
		StartedAt:    time.Now(),
	}
	log := e.logger.WithCollection(cs.id).WithPass(res.PassID)

	passCtx, cancel := e.passContext(ctx, cs)
	defer cancel()

	if err := e.lock(passCtx, cs); err != nil {
		res.Err = err
		return e.finishPass(passCtx, cs, res, log)
	}
	res = e.poll(passCtx, cs, res, log)
	e.unlock(cs)
	return e.finishPass(passCtx, cs, res, log)
}

// poll lists the changes since the stored watermark, reconciles them and
// advances the watermark to the latest modification time seen. The
// watermark is left alone when listing fails, when a record fails on the
// session or the local store, or when the pass is aborted.
func (e *Engine) poll(ctx context.Context, cs *collectionState, res PassResult, log *logging.Logger) PassResult {
	e.setState(cs, StatePolling)
	defer e.setState(cs, StateIdle)

	sch, err := e.registry.Lookup(cs.entityType)
	if err != nil {
		res.Err = err
		return res
	}

	wm, has, err := e.store.GetCollectionWatermark(ctx, cs.id)
	if err != nil {
		res.Err = localStoreError(errors.OpLoad, err)
		return res
	}
	res.Initial = !has
	res.WatermarkBefore = wm
	res.WatermarkAfter = wm

	var since time.Time
	if has {
		since = wm
	}
	records, err := e.client.ListChanges(ctx, cs.entityType, since)
	if err != nil {
		if ctx.Err() != nil {
			res.Err = errCanceled(errors.Op("synckit.poll"), err)
		} else {
			res.Err = err
		}
		return res
	}
	log.Debug("listed changes",
		slog.Int("records", len(records)),
		slog.Bool("initial", res.Initial),
		slog.Time("watermark", wm))

	e.setState(cs, StateReconciling)

	coll := TrackedCollection{ID: cs.id, EntityType: cs.entityType, Watermark: wm, HasWatermark: has}
	latest := wm
	for _, rec := range records {
		if ctx.Err() != nil {
			res.Err = errCanceled(errors.Op("synckit.poll"), ctx.Err())
			return res
		}
		res.Seen++

		outcome, err := e.reconciler.Apply(ctx, coll, sch, rec, res.Initial, log)
		switch outcome {
		case OutcomeCreated:
			res.Created++
		case OutcomeUpdated:
			res.Updated++
		case OutcomeDeleted:
			res.Deleted++
		case OutcomeSkipped:
			res.Skipped++
		case OutcomeFailed:
			if ctx.Err() != nil {
				res.Err = errCanceled(errors.Op("synckit.poll"), ctx.Err())
				return res
			}
			res.Failed++
			// A dead session or local store fails every record after this
			// one too; stop before the watermark moves past them.
			if errors.IsAuth(err) || errors.IsLocalStore(err) {
				res.Err = err
				return res
			}
			log.LogError(ctx, err, "record skipped", slog.String("remote_id", rec.ID))
		}

		if rec.Modified.After(latest) {
			latest = rec.Modified
		}
	}

	if ctx.Err() != nil {
		res.Err = errCanceled(errors.Op("synckit.poll"), ctx.Err())
		return res
	}

	if latest.After(wm) {
		if err := e.store.SetCollectionWatermark(ctx, cs.id, latest); err != nil {
			res.Err = localStoreError(errors.OpStore, err)
			return res
		}
		res.WatermarkAfter = latest

		e.mu.Lock()
		cs.coll.Watermark = latest
		cs.coll.HasWatermark = true
		e.mu.Unlock()
	}
	return res
}

func (e *Engine) finishPass(ctx context.Context, cs *collectionState, res PassResult, log *logging.Logger) PassResult {
	res.Duration = time.Since(res.StartedAt)

	e.mu.Lock()
	last := res
	cs.last = &last
	e.mu.Unlock()

	e.metrics.RecordPass(cs.id, res.Duration, res)

	attrs := []slog.Attr{
		slog.Bool("initial", res.Initial),
		slog.Int("seen", res.Seen),
		slog.Int("created", res.Created),
		slog.Int("updated", res.Updated),
		slog.Int("deleted", res.Deleted),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
		slog.Time("watermark", res.WatermarkAfter),
		slog.Duration("duration", res.Duration),
	}
	switch {
	case res.Err == nil:
		log.LogAttrs(ctx, slog.LevelInfo, "pass completed", attrs...)
	case errors.KindOf(res.Err) == errors.KindCanceled:
		log.LogAttrs(context.Background(), slog.LevelInfo, "pass aborted", attrs...)
	default:
		log.LogError(context.Background(), res.Err, "pass failed, retrying next cycle", attrs...)
	}

	e.notifySubscribers(res)
	return res
}
