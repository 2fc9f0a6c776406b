// Package synckit is the CRM sync engine: it polls tracked collections for
// remote changes, reconciles them into the local store and pushes local
// mutations back to the remote side.
package synckit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/remote"
	"github.com/c0deZ3R0/go-crm-sync/schema"
	"github.com/c0deZ3R0/go-crm-sync/store"
)

// RemoteClient is the part of the remote client the engine uses.
// *remote.Client implements it.
type RemoteClient interface {
	ListEntityTypes(ctx context.Context) ([]string, error)
	ListChanges(ctx context.Context, entityType string, watermark time.Time) ([]remote.ChangeRecord, error)
	FetchEntity(ctx context.Context, entityType, id string) (schema.Fields, error)
	UpsertEntity(ctx context.Context, entityType string, fields schema.Fields, id string) (string, error)
	DeleteEntity(ctx context.Context, entityType, id string) error
}

var _ RemoteClient = (*remote.Client)(nil)

// PassHandler is called after every polling pass.
type PassHandler func(PassResult)

// Engine owns the tracked collections and their schedulers.
type Engine struct {
	client     RemoteClient
	registry   *schema.Registry
	store      store.Store
	outbox     store.Outbox
	reconciler *Reconciler
	propagator *Propagator
	logger     *logging.Logger
	metrics    MetricsCollector

	interval    atomic.Int64
	passTimeout time.Duration
	drainBatch  int
	user        string
	endpoint    string
	allow       []string

	mu          sync.Mutex
	collections map[string]*collectionState
	subscribers []PassHandler
	running     bool
	runCtx      context.Context
	closed      bool
	schedulers  sync.WaitGroup
}

// collectionState is the engine side of one tracked collection. lock
// serializes polling passes and propagation for the collection; ctx ends
// when the collection is untracked.
type collectionState struct {
	id         string
	entityType string
	lock       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc

	// guarded by Engine.mu
	coll    TrackedCollection
	state   State
	last    *PassResult
	started bool
}

// New creates an engine. The remote client, registry and store are required.
func New(client RemoteClient, registry *schema.Registry, s store.Store, opts ...Option) (*Engine, error) {
	if client == nil || registry == nil || s == nil {
		return nil, errors.E(
			errors.Op("synckit.New"),
			errors.Component("synckit"),
			errors.KindInvalid,
			"remote client, schema registry and store are required",
		)
	}

	e := &Engine{
		client:      client,
		registry:    registry,
		store:       s,
		logger:      logging.Default().WithComponent("synckit"),
		metrics:     &NoOpMetricsCollector{},
		drainBatch:  DefaultDrainBatch,
		collections: make(map[string]*collectionState),
	}
	e.interval.Store(int64(DefaultPollInterval))
	if o, ok := s.(store.Outbox); ok {
		e.outbox = o
	}
	for _, opt := range opts {
		opt(e)
	}

	e.reconciler = NewReconciler(client, s)
	e.propagator = &Propagator{
		client:      client,
		registry:    registry,
		store:       s,
		collections: e,
		logger:      e.logger,
		metrics:     e.metrics,
	}
	return e, nil
}

// Propagator returns the change propagator bound to this engine's collections.
func (e *Engine) Propagator() *Propagator {
	return e.propagator
}

// PollInterval returns the current delay between passes.
func (e *Engine) PollInterval() time.Duration {
	return time.Duration(e.interval.Load())
}

// SetPollInterval changes the delay between passes. Running schedulers pick
// it up when they next re-arm.
func (e *Engine) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	if old := e.PollInterval(); old != d {
		e.interval.Store(int64(d))
		e.logger.Info("poll interval changed", slog.Duration("old", old), slog.Duration("new", d))
	}
}

// CollectionID returns the id the engine uses for entityType.
func (e *Engine) CollectionID(entityType string) string {
	return CollectionID(e.user, e.endpoint, entityType)
}

// Track starts tracking entityType. Tracking an already tracked type returns
// the existing collection.
func (e *Engine) Track(ctx context.Context, entityType string) (TrackedCollection, error) {
	if _, err := e.registry.Lookup(entityType); err != nil {
		return TrackedCollection{}, err
	}
	id := e.CollectionID(entityType)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return TrackedCollection{}, errEngineClosed(errors.Op("synckit.Track"))
	}
	if cs, ok := e.collections[id]; ok {
		coll := cs.coll
		e.mu.Unlock()
		return coll, nil
	}
	e.mu.Unlock()

	wm, has, err := e.store.GetCollectionWatermark(ctx, id)
	if err != nil {
		return TrackedCollection{}, localStoreError(errors.OpLoad, err)
	}

	collCtx, cancel := context.WithCancel(context.Background())
	cs := &collectionState{
		id:         id,
		entityType: entityType,
		lock:       make(chan struct{}, 1),
		ctx:        collCtx,
		cancel:     cancel,
		coll:       TrackedCollection{ID: id, EntityType: entityType, Watermark: wm, HasWatermark: has},
		state:      StateIdle,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		cancel()
		return TrackedCollection{}, errEngineClosed(errors.Op("synckit.Track"))
	}
	if existing, ok := e.collections[id]; ok {
		cancel()
		return existing.coll, nil
	}
	e.collections[id] = cs
	e.startSchedulerLocked(cs)

	e.logger.Info("tracking collection",
		slog.String("collection", id),
		slog.String("entity_type", entityType),
		slog.Bool("has_watermark", has))
	return cs.coll, nil
}

// Untrack stops tracking a collection and aborts its in-flight pass. An
// aborted pass does not write a watermark.
func (e *Engine) Untrack(collectionID string) error {
	e.mu.Lock()
	cs, ok := e.collections[collectionID]
	if ok {
		delete(e.collections, collectionID)
	}
	e.mu.Unlock()

	if !ok {
		return errNotTracked(errors.Op("synckit.Untrack"), collectionID)
	}
	cs.cancel()
	e.logger.Info("untracked collection", slog.String("collection", collectionID))
	return nil
}

// Collections returns a snapshot of the tracked collections sorted by id.
func (e *Engine) Collections() []CollectionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]CollectionStatus, 0, len(e.collections))
	for _, cs := range e.collections {
		st := CollectionStatus{TrackedCollection: cs.coll, State: cs.state}
		if cs.last != nil {
			last := *cs.last
			st.LastPass = &last
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Collection returns the status of one tracked collection.
func (e *Engine) Collection(collectionID string) (CollectionStatus, bool) {
	for _, st := range e.Collections() {
		if st.ID == collectionID {
			return st, true
		}
	}
	return CollectionStatus{}, false
}

// Discover tracks every entity type that both the server exposes and the
// registry knows, limited to WithEntityTypes when set. Types missing on
// either side are skipped silently.
func (e *Engine) Discover(ctx context.Context) ([]TrackedCollection, error) {
	available, err := e.client.ListEntityTypes(ctx)
	if err != nil {
		return nil, err
	}

	types := e.registry.Intersect(available)
	if len(e.allow) > 0 {
		allowed := make(map[string]bool, len(e.allow))
		for _, t := range e.allow {
			allowed[t] = true
		}
		filtered := types[:0]
		for _, t := range types {
			if allowed[t] {
				filtered = append(filtered, t)
			}
		}
		types = filtered
	}

	tracked := make([]TrackedCollection, 0, len(types))
	for _, t := range types {
		coll, err := e.Track(ctx, t)
		if err != nil {
			return tracked, err
		}
		tracked = append(tracked, coll)
	}
	e.logger.Info("discovered entity types",
		slog.Int("remote", len(available)),
		slog.Int("tracked", len(tracked)))
	return tracked, nil
}

// SyncOnce runs one polling pass for a tracked collection and waits for it.
// The returned error is the pass's Err.
func (e *Engine) SyncOnce(ctx context.Context, collectionID string) (PassResult, error) {
	e.mu.Lock()
	cs, ok := e.collections[collectionID]
	e.mu.Unlock()
	if !ok {
		return PassResult{}, errNotTracked(errors.Op("synckit.SyncOnce"), collectionID)
	}
	res := e.runPass(ctx, cs)
	return res, res.Err
}

// SyncAll runs one pass for every tracked collection, one after another.
func (e *Engine) SyncAll(ctx context.Context) []PassResult {
	var results []PassResult
	for _, st := range e.Collections() {
		if ctx.Err() != nil {
			break
		}
		res, _ := e.SyncOnce(ctx, st.ID)
		results = append(results, res)
	}
	return results
}

// Drain pushes pending outbox entries through the propagator.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	if e.outbox == nil {
		return DrainResult{}, nil
	}
	return e.propagator.Drain(ctx, e.outbox, e.drainBatch)
}

// Run starts a scheduler per tracked collection, including collections
// tracked later, drains the outbox, and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errEngineClosed(errors.Op("synckit.Run"))
	}
	if e.running {
		e.mu.Unlock()
		return errors.E(errors.Op("synckit.Run"), errors.Component("synckit"), errors.KindInvalid, "engine already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.running = true
	e.runCtx = runCtx
	for _, cs := range e.collections {
		e.startSchedulerLocked(cs)
	}
	e.mu.Unlock()

	e.logger.Info("engine started", slog.Duration("poll_interval", e.PollInterval()))

	g, gctx := errgroup.WithContext(runCtx)
	if e.outbox != nil {
		g.Go(func() error {
			e.drainLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err := g.Wait()

	e.mu.Lock()
	e.running = false
	e.runCtx = nil
	e.mu.Unlock()
	cancel()
	e.schedulers.Wait()

	e.logger.Info("engine stopped")
	return err
}

// Subscribe adds a handler called after every polling pass.
func (e *Engine) Subscribe(handler PassHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, handler)
}

// Close untracks every collection. A running Run returns once its context
// is canceled; Close does not cancel it.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	states := make([]*collectionState, 0, len(e.collections))
	for id, cs := range e.collections {
		states = append(states, cs)
		delete(e.collections, id)
	}
	e.subscribers = nil
	e.mu.Unlock()

	for _, cs := range states {
		cs.cancel()
	}
	return nil
}

// startSchedulerLocked starts cs's scheduler when the engine is running.
func (e *Engine) startSchedulerLocked(cs *collectionState) {
	if !e.running || cs.started {
		return
	}
	cs.started = true
	e.schedulers.Add(1)
	go e.schedule(e.runCtx, cs)
}

// notifySubscribers calls every handler on its own goroutine.
func (e *Engine) notifySubscribers(result PassResult) {
	e.mu.Lock()
	subscribers := make([]PassHandler, len(e.subscribers))
	copy(subscribers, e.subscribers)
	e.mu.Unlock()

	for _, handler := range subscribers {
		go func(h PassHandler) {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("pass handler panicked", slog.Any("panic", r))
				}
			}()
			h(result)
		}(handler)
	}
}

// acquireCollection locks a tracked collection for the caller. The returned
// function releases it.
func (e *Engine) acquireCollection(ctx context.Context, collectionID string) (TrackedCollection, func(), error) {
	e.mu.Lock()
	cs, ok := e.collections[collectionID]
	e.mu.Unlock()
	if !ok {
		return TrackedCollection{}, nil, errNotTracked(errors.Op("synckit.acquire"), collectionID)
	}
	if err := e.lock(ctx, cs); err != nil {
		return TrackedCollection{}, nil, err
	}

	e.mu.Lock()
	coll := cs.coll
	e.mu.Unlock()
	return coll, func() { e.unlock(cs) }, nil
}

func (e *Engine) lock(ctx context.Context, cs *collectionState) error {
	select {
	case cs.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errCanceled(errors.Op("synckit.lock"), ctx.Err())
	case <-cs.ctx.Done():
		return errCanceled(errors.Op("synckit.lock"), fmt.Errorf("collection %s untracked", cs.id))
	}
}

func (e *Engine) unlock(cs *collectionState) {
	<-cs.lock
}

func (e *Engine) setState(cs *collectionState, s State) {
	e.mu.Lock()
	cs.state = s
	e.mu.Unlock()
}

func errEngineClosed(op errors.Op) error {
	return errors.E(op, errors.Component("synckit"), errors.KindInvalid, "engine closed")
}

func errNotTracked(op errors.Op, collectionID string) error {
	return errors.E(op, errors.Component("synckit"), errors.KindInvalid, fmt.Sprintf("collection %q is not tracked", collectionID))
}

func errCanceled(op errors.Op, cause error) error {
	return errors.E(op, errors.Component("synckit"), errors.KindCanceled, cause)
}
