// Package remote talks to the CRM service. The Client owns the session,
// re-authenticates when the server drops it, paginates listings and bounds
// every call with a deadline.
package remote

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/schema"
)

const (
	DefaultPageSize        = 100
	DefaultCallTimeout     = 30 * time.Second
	DefaultApplicationName = "crmsync"
	protocolVersion        = "1"
)

// Client issues authenticated calls to the remote service. Calls are
// serialized: a caller waits until the previous call, including any
// re-login it triggered, has finished.
type Client struct {
	transport   Transport
	registry    *schema.Registry
	logger      *slog.Logger
	pageSize    int
	callTimeout time.Duration
	appName     string
	cache       SessionCache
	observe     CallObserver

	sem          chan struct{}
	session      string
	userName     string
	passwordHash string
	cacheLoaded  bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPageSize sets how many records a single listing call asks for.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithCallTimeout bounds every transport call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithApplicationName sets the name reported at login.
func WithApplicationName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.appName = name
		}
	}
}

// WithSessionCache makes the client reuse and persist its session token.
func WithSessionCache(cache SessionCache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithCallObserver registers a hook run after every transport call.
func WithCallObserver(fn CallObserver) Option {
	return func(c *Client) {
		c.observe = fn
	}
}

// WithCredentials stores credentials for automatic login without calling
// the server. The secret is hashed immediately.
func WithCredentials(user, secret string) Option {
	return func(c *Client) {
		c.userName = user
		c.passwordHash = HashPassword(secret)
	}
}

// New creates a Client. registry decides which entity types are accepted
// and which fields are fetched.
func New(transport Transport, registry *schema.Registry, opts ...Option) *Client {
	c := &Client{
		transport:   transport,
		registry:    registry,
		logger:      logging.Default().Logger,
		pageSize:    DefaultPageSize,
		callTimeout: DefaultCallTimeout,
		appName:     DefaultApplicationName,
		sem:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "remote")
	return c
}

// HashPassword returns the one-way hash sent in place of the secret.
func HashPassword(secret string) string {
	sum := md5.Sum([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// PageSize returns the listing page size.
func (c *Client) PageSize() int { return c.pageSize }

// Session returns the currently held session token.
func (c *Client) Session() Session {
	if err := c.acquire(context.Background()); err != nil {
		return ""
	}
	defer c.release()
	return Session(c.session)
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.sem }

// Login authenticates and stores the resulting session. It replaces any
// session already held; on failure the held session is cleared.
func (c *Client) Login(ctx context.Context, user, secret string) (Session, error) {
	if err := c.acquire(ctx); err != nil {
		return "", errors.NewRemoteError(errors.OpLogin, err)
	}
	defer c.release()

	c.userName = user
	c.passwordHash = HashPassword(secret)
	c.cacheLoaded = true
	if err := c.loginLocked(ctx); err != nil {
		return "", err
	}
	return Session(c.session), nil
}

func (c *Client) loginLocked(ctx context.Context) error {
	c.session = ""
	if c.userName == "" {
		return errors.NewAuthError(errors.OpLogin, fmt.Errorf("no credentials configured"))
	}

	var session string
	err := c.call(ctx, "login", func(ctx context.Context) error {
		var err error
		session, err = c.transport.Login(ctx, Credentials{
			UserName:        c.userName,
			PasswordHash:    c.passwordHash,
			Version:         protocolVersion,
			ApplicationName: c.appName,
		})
		return err
	})
	if err != nil {
		var fault *Fault
		if errors.As(err, &fault) {
			authErr := errors.NewAuthError(errors.OpLogin, fault)
			authErr.WithMetadata("fault_number", fault.Number).WithMetadata("fault_name", fault.Name)
			c.logger.Warn("login rejected", "user", c.userName, "reason", fault.Description)
			return authErr
		}
		return errors.NewRemoteError(errors.OpLogin, err)
	}
	if session == "" {
		return errors.NewAuthError(errors.OpLogin, fmt.Errorf("server returned an empty session"))
	}

	c.session = session
	c.logger.Info("logged in", "user", c.userName)
	if c.cache != nil {
		if err := c.cache.SaveSession(ctx, session); err != nil {
			c.logger.Warn("failed to persist session", "error", err)
		}
	}
	return nil
}

// call runs fn under the per-call deadline and reports it to the observer.
func (c *Client) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	if c.observe != nil {
		c.observe(method, time.Since(start), err)
	}
	c.logger.Log(ctx, slog.Level(logging.LevelTrace), "remote call", "method", method, "duration", time.Since(start), "error", err)
	return err
}

// do runs one authenticated operation. A missing session triggers a login
// first; a session the server rejects triggers exactly one re-login and retry.
func (c *Client) do(ctx context.Context, op errors.Operation, method string, fn func(ctx context.Context, session string) error) error {
	if err := c.acquire(ctx); err != nil {
		return errors.NewRemoteError(op, err)
	}
	defer c.release()

	if c.session == "" && c.cache != nil && !c.cacheLoaded {
		c.cacheLoaded = true
		if cached, err := c.cache.LoadSession(ctx); err != nil {
			c.logger.Warn("failed to load cached session", "error", err)
		} else {
			c.session = cached
		}
	}

	relogged := false
	if c.session == "" {
		if err := c.loginLocked(ctx); err != nil {
			return err
		}
		relogged = true
	}

	run := func() error {
		session := c.session
		return c.call(ctx, method, func(ctx context.Context) error { return fn(ctx, session) })
	}

	err := run()
	if isInvalidSession(err) && !relogged {
		c.logger.Info("session rejected, logging in again", "method", method)
		if lerr := c.loginLocked(ctx); lerr != nil {
			return lerr
		}
		err = run()
	}
	return c.classify(op, err)
}

func isInvalidSession(err error) bool {
	var fault *Fault
	return errors.As(err, &fault) && fault.Number == FaultInvalidSession
}

func (c *Client) classify(op errors.Operation, err error) error {
	if err == nil {
		return nil
	}
	var fault *Fault
	if errors.As(err, &fault) {
		if fault.Number == FaultInvalidSession || fault.Number == FaultInvalidLogin {
			c.session = ""
			return errors.NewAuthError(op, fault).WithMetadata("fault_number", fault.Number)
		}
		remoteErr := errors.NewRemoteError(op, fault)
		remoteErr.Code = errors.ErrCodeServerFault
		return remoteErr.WithMetadata("fault_number", fault.Number).WithMetadata("fault_name", fault.Name)
	}
	return errors.NewRemoteError(op, err)
}

// ListEntityTypes returns the entity types the server exposes. The caller
// intersects the result with the registry.
func (c *Client) ListEntityTypes(ctx context.Context) ([]string, error) {
	var modules []string
	err := c.do(ctx, errors.OpListTypes, "get_available_modules", func(ctx context.Context, session string) error {
		var err error
		modules, err = c.transport.AvailableModules(ctx, session)
		return err
	})
	if err != nil {
		return nil, err
	}
	return modules, nil
}

// ListChangesSince returns the records of entityType changed after
// watermark. A zero watermark lists every live record.
func (c *Client) ListChangesSince(entityType string, watermark time.Time) *ChangeSequence {
	return &ChangeSequence{client: c, entityType: entityType, watermark: watermark}
}

// ListChanges collects ListChangesSince in one call.
func (c *Client) ListChanges(ctx context.Context, entityType string, watermark time.Time) ([]ChangeRecord, error) {
	return c.ListChangesSince(entityType, watermark).Collect(ctx)
}

// changesQuery builds the incremental filter for a module.
func changesQuery(entityType string, watermark time.Time) string {
	table := strings.ToLower(entityType)
	ts := schema.FormatTime(watermark)
	return fmt.Sprintf("%[1]s.date_modified > '%[2]s' OR %[1]s.date_entered > '%[2]s'", table, ts)
}

func (c *Client) listPage(ctx context.Context, req EntryListRequest) (EntryListPage, error) {
	var page EntryListPage
	err := c.do(ctx, errors.OpListChanges, "get_entry_list", func(ctx context.Context, session string) error {
		var err error
		page, err = c.transport.GetEntryList(ctx, session, req)
		return err
	})
	return page, err
}

// FetchEntity fetches the schema's fields of one record.
func (c *Client) FetchEntity(ctx context.Context, entityType, id string) (schema.Fields, error) {
	s, err := c.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.NewValidationError(errors.OpFetch, fmt.Errorf("empty record id"))
	}

	var fields schema.Fields
	err = c.do(ctx, errors.OpFetch, "get_entry", func(ctx context.Context, session string) error {
		var err error
		fields, err = c.transport.GetEntry(ctx, session, entityType, id, s.RequiredFields)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, errors.NewNotFoundError(errors.OpFetch, entityType, id)
	}
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = schema.Fields{}
	}
	if fields.Get(schema.FieldID) == "" {
		fields[schema.FieldID] = id
	}
	return fields, nil
}

// UpsertEntity updates record id, or creates a record when id is empty,
// and returns the record's id. A tombstone field set removes the record.
func (c *Client) UpsertEntity(ctx context.Context, entityType string, fields schema.Fields, id string) (string, error) {
	if _, err := c.registry.Lookup(entityType); err != nil {
		return "", err
	}
	if id == "" && fields.Get(schema.FieldDeleted) == "1" {
		return "", errors.NewValidationError(errors.OpUpsert, fmt.Errorf("tombstone for %s without a record id", entityType))
	}

	body := fields.Clone()
	if id != "" {
		body[schema.FieldID] = id
	} else {
		delete(body, schema.FieldID)
	}

	var newID string
	err := c.do(ctx, errors.OpUpsert, "set_entry", func(ctx context.Context, session string) error {
		var err error
		newID, err = c.transport.SetEntry(ctx, session, entityType, body)
		return err
	})
	if err != nil {
		return "", err
	}
	if newID == "" {
		return "", errors.NewRemoteError(errors.OpUpsert, fmt.Errorf("server returned no id for %s", entityType))
	}
	return newID, nil
}

// DeleteEntity writes a tombstone for record id.
func (c *Client) DeleteEntity(ctx context.Context, entityType, id string) error {
	_, err := c.UpsertEntity(ctx, entityType, schema.Tombstone(), id)
	return err
}
