// Package status serves a small HTTP surface over a running sync engine:
// health, tracked collections with their last pass, engine totals, a manual
// sync trigger and a server-sent event stream of finished passes.
package status

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/synckit"
)

// Engine is the part of *synckit.Engine the server reads.
type Engine interface {
	Collections() []synckit.CollectionStatus
	Collection(collectionID string) (synckit.CollectionStatus, bool)
	SyncOnce(ctx context.Context, collectionID string) (synckit.PassResult, error)
	PollInterval() time.Duration
	Subscribe(handler synckit.PassHandler)
}

var _ Engine = (*synckit.Engine)(nil)

// Server exposes an Engine over HTTP.
type Server struct {
	engine Engine
	stats  *synckit.Stats
	logger *logging.Logger
	opts   Options
	events *broker
}

// NewServer returns a server for engine. stats may be nil, in which case
// /metrics answers 404.
func NewServer(engine Engine, stats *synckit.Stats, logger *logging.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		engine: engine,
		stats:  stats,
		logger: logger.WithComponent(logging.Component("status")),
		opts:   applyOptions(opts...),
		events: newBroker(),
	}
	engine.Subscribe(s.events.publish)
	return s
}

// CollectionView is the JSON form of one tracked collection.
type CollectionView struct {
	synckit.CollectionStatus
	LastError string `json:"last_error,omitempty"`
}

func viewOf(st synckit.CollectionStatus) CollectionView {
	v := CollectionView{CollectionStatus: st}
	if st.LastPass != nil {
		v.LastError = st.LastPass.ErrorText()
	}
	return v
}

// PassView is the JSON form of a pass result.
type PassView struct {
	synckit.PassResult
	Error string `json:"error,omitempty"`
}

// RegisterHTTP mounts the routes on r.
func (s *Server) RegisterHTTP(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Get("/collections", s.handleCollections)
	r.Get("/collections/{id}", s.handleCollection)
	r.Post("/collections/{id}/sync", s.handleSync)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/events", s.handleEvents)
}

// Handler returns a router serving every route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	s.RegisterHTTP(r)
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.E(errors.Op("status.ListenAndServe"), errors.Component("status"), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("status server listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.E(errors.Op("status.Serve"), errors.Component("status"), err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.E(errors.Op("status.Serve"), errors.Component("status"), err, "shutdown")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	all := s.engine.Collections()
	out := make([]CollectionView, 0, len(all))
	for _, st := range all {
		out = append(out, viewOf(st))
	}
	respondWithJSON(w, r, http.StatusOK, out, s.opts)
}

// collectionParam decodes {id}. Collection ids carry '/' and '#', so clients
// path-escape them and chi matches on the raw path.
func collectionParam(r *http.Request) (string, bool) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	id, ok := collectionParam(r)
	if !ok {
		respondWithError(w, r, http.StatusBadRequest, "invalid collection id", s.opts)
		return
	}
	st, ok := s.engine.Collection(id)
	if !ok {
		respondWithError(w, r, http.StatusNotFound, "collection not tracked", s.opts)
		return
	}
	respondWithJSON(w, r, http.StatusOK, viewOf(st), s.opts)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id, ok := collectionParam(r)
	if !ok {
		respondWithError(w, r, http.StatusBadRequest, "invalid collection id", s.opts)
		return
	}
	if _, ok := s.engine.Collection(id); !ok {
		respondWithError(w, r, http.StatusNotFound, "collection not tracked", s.opts)
		return
	}

	ctx := r.Context()
	if s.opts.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.SyncTimeout)
		defer cancel()
	}

	res, err := s.engine.SyncOnce(ctx, id)
	view := PassView{PassResult: res, Error: res.ErrorText()}
	if err == nil {
		respondWithJSON(w, r, http.StatusOK, view, s.opts)
		return
	}

	s.logger.LogError(ctx, err, "manual sync failed", slog.String("collection", id))
	respondWithJSON(w, r, statusFor(err), errorBody{
		Error:  err.Error(),
		Kind:   string(errors.KindOf(err)),
		Result: view,
	}, s.opts)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		respondWithError(w, r, http.StatusNotFound, "metrics not enabled", s.opts)
		return
	}
	respondWithJSON(w, r, http.StatusOK, struct {
		PollInterval string `json:"poll_interval"`
		synckit.StatsSnapshot
	}{s.engine.PollInterval().String(), s.stats.Snapshot()}, s.opts)
}

// statusFor maps a pass error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.IsAuth(err), errors.IsRemote(err):
		return http.StatusBadGateway
	case errors.KindOf(err) == errors.KindCanceled:
		return http.StatusServiceUnavailable
	case errors.IsNotFound(err), errors.IsUnknownType(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
