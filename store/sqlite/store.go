// Package sqlite provides a SQLite implementation of the local item store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/schema"
	"github.com/c0deZ3R0/go-crm-sync/store"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = "store/sqlite"

// Operation constants for consistent error reporting
const (
	opGetItem       = "sqlite.GetItem"
	opFindItem      = "sqlite.FindItemByRemoteID"
	opCreateItem    = "sqlite.CreateItem"
	opUpdateItem    = "sqlite.UpdateItem"
	opSetRemoteID   = "sqlite.SetRemoteID"
	opDeleteItem    = "sqlite.DeleteItem"
	opListItems     = "sqlite.ListItems"
	opGetWatermark  = "sqlite.GetCollectionWatermark"
	opSetWatermark  = "sqlite.SetCollectionWatermark"
	opAddLocal      = "sqlite.AddLocalItem"
	opChangeLocal   = "sqlite.ChangeLocalItem"
	opRemoveLocal   = "sqlite.RemoveLocalItem"
	opPending       = "sqlite.PendingMutations"
	opAck           = "sqlite.AckMutation"
	opGetSetting    = "sqlite.GetSetting"
	opSetSetting    = "sqlite.SetSetting"
	timestampLayout = time.RFC3339Nano
)

// ErrStoreClosed is returned by every call after Close.
var ErrStoreClosed = fmt.Errorf("store is closed")

// Config holds configuration options for the SQLite store.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:crmsync.db"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode. When true,
	// "_journal_mode=WAL" is added to DataSourceName.
	EnableWAL bool

	// Logger is an optional logger. Defaults to the package logger.
	Logger *slog.Logger

	// Connection pool settings.
	MaxOpenConns    int           // Default: 1 - SQLite allows a single writer
	MaxIdleConns    int           // Default: 1
	ConnMaxLifetime time.Duration // Default: 1h
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component(component)).Logger
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 1
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 1
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with WAL enabled.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store implements store.Backend on SQLite.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *slog.Logger
	signal chan struct{}
}

// Compile-time check to ensure Store satisfies the store interfaces
var (
	_ store.Backend  = (*Store)(nil)
	_ store.Notifier = (*Store)(nil)
)

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// New opens the database and creates the schema if needed.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	config.Logger.Info("opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: config.Logger,
		signal: make(chan struct{}, 1),
	}
	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}
	return s, nil
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS items (
        id              TEXT PRIMARY KEY,
        collection_id   TEXT NOT NULL,
        remote_id       TEXT NOT NULL DEFAULT '',
        kind            TEXT NOT NULL,
        payload         TEXT NOT NULL,
        updated_at      TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_items_collection ON items (collection_id);
    CREATE UNIQUE INDEX IF NOT EXISTS idx_items_remote ON items (collection_id, remote_id) WHERE remote_id <> '';

    CREATE TABLE IF NOT EXISTS collections (
        id              TEXT PRIMARY KEY,
        watermark       TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS outbox (
        seq             INTEGER PRIMARY KEY AUTOINCREMENT,
        kind            TEXT NOT NULL,
        item_id         TEXT NOT NULL,
        collection_id   TEXT NOT NULL,
        remote_id       TEXT NOT NULL DEFAULT '',
        changed_parts   TEXT,
        created_at      TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS settings (
        key             TEXT PRIMARY KEY,
        value           TEXT NOT NULL
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func wrap(err error, op string) error {
	return syncErrors.E(syncErrors.Op(op), syncErrors.Component(component), syncErrors.KindLocalStore, err)
}

func (s *Store) checkOpen(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return wrap(ErrStoreClosed, op)
	}
	return nil
}

func now() string { return time.Now().UTC().Format(timestampLayout) }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*store.Item, error) {
	var (
		it      store.Item
		kind    string
		payload string
		updated string
	)
	if err := row.Scan(&it.ID, &it.CollectionID, &it.RemoteID, &kind, &payload, &updated); err != nil {
		return nil, err
	}
	p, err := schema.UnmarshalPayload(schema.Kind(kind), []byte(payload))
	if err != nil {
		return nil, err
	}
	it.Payload = p
	it.UpdatedAt, _ = time.Parse(timestampLayout, updated)
	return &it, nil
}

const itemColumns = `id, collection_id, remote_id, kind, payload, updated_at`

func (s *Store) queryItem(ctx context.Context, op, where string, args ...any) (*store.Item, error) {
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE `+where, args...)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, op)
	}
	return it, nil
}

func (s *Store) GetItem(ctx context.Context, itemID string) (*store.Item, error) {
	return s.queryItem(ctx, opGetItem, `id = ?`, itemID)
}

func (s *Store) FindItemByRemoteID(ctx context.Context, collectionID, remoteID string) (*store.Item, error) {
	if remoteID == "" {
		return nil, s.checkOpen(opFindItem)
	}
	return s.queryItem(ctx, opFindItem, `collection_id = ? AND remote_id = ?`, collectionID, remoteID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertItem(ctx context.Context, db execer, collectionID, remoteID string, payload schema.Payload) (*store.Item, error) {
	data, err := schema.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	it := &store.Item{
		ID:           uuid.NewString(),
		CollectionID: collectionID,
		RemoteID:     remoteID,
		Payload:      payload,
		UpdatedAt:    time.Now().UTC(),
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		it.ID, collectionID, remoteID, string(payload.Kind()), string(data), it.UpdatedAt.Format(timestampLayout))
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (s *Store) CreateItem(ctx context.Context, collectionID, remoteID string, payload schema.Payload) (*store.Item, error) {
	if err := s.checkOpen(opCreateItem); err != nil {
		return nil, err
	}
	it, err := insertItem(ctx, s.db, collectionID, remoteID, payload)
	if err != nil {
		return nil, wrap(err, opCreateItem)
	}
	return it, nil
}

func (s *Store) UpdateItem(ctx context.Context, item *store.Item) error {
	if err := s.checkOpen(opUpdateItem); err != nil {
		return err
	}
	data, err := schema.MarshalPayload(item.Payload)
	if err != nil {
		return wrap(err, opUpdateItem)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET remote_id = ?, kind = ?, payload = ?, updated_at = ? WHERE id = ?`,
		item.RemoteID, string(item.Payload.Kind()), string(data), now(), item.ID)
	if err != nil {
		return wrap(err, opUpdateItem)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(fmt.Errorf("item %s does not exist", item.ID), opUpdateItem)
	}
	return nil
}

func (s *Store) SetRemoteID(ctx context.Context, itemID, remoteID string) error {
	if err := s.checkOpen(opSetRemoteID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE items SET remote_id = ? WHERE id = ?`, remoteID, itemID)
	if err != nil {
		return wrap(err, opSetRemoteID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(fmt.Errorf("item %s does not exist", itemID), opSetRemoteID)
	}
	return nil
}

func (s *Store) DeleteItem(ctx context.Context, item *store.Item) error {
	if err := s.checkOpen(opDeleteItem); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, item.ID); err != nil {
		return wrap(err, opDeleteItem)
	}
	return nil
}

func (s *Store) ListItems(ctx context.Context, collectionID string) ([]*store.Item, error) {
	if err := s.checkOpen(opListItems); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE collection_id = ? ORDER BY id`, collectionID)
	if err != nil {
		return nil, wrap(err, opListItems)
	}
	defer rows.Close()

	var items []*store.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, wrap(err, opListItems)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, opListItems)
	}
	return items, nil
}

func (s *Store) GetCollectionWatermark(ctx context.Context, collectionID string) (time.Time, bool, error) {
	if err := s.checkOpen(opGetWatermark); err != nil {
		return time.Time{}, false, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT watermark FROM collections WHERE id = ?`, collectionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrap(err, opGetWatermark)
	}
	wm, err := time.Parse(timestampLayout, raw)
	if err != nil {
		return time.Time{}, false, wrap(err, opGetWatermark)
	}
	return wm, true, nil
}

func (s *Store) SetCollectionWatermark(ctx context.Context, collectionID string, watermark time.Time) error {
	if err := s.checkOpen(opSetWatermark); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (id, watermark) VALUES (?, ?)
         ON CONFLICT(id) DO UPDATE SET watermark = excluded.watermark`,
		collectionID, watermark.UTC().Format(timestampLayout))
	if err != nil {
		return wrap(err, opSetWatermark)
	}
	return nil
}

func enqueue(ctx context.Context, db execer, m store.Mutation) error {
	var parts any
	if len(m.ChangedParts) > 0 {
		data, err := json.Marshal(m.ChangedParts)
		if err != nil {
			return err
		}
		parts = string(data)
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO outbox (kind, item_id, collection_id, remote_id, changed_parts, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(m.Kind), m.ItemID, m.CollectionID, m.RemoteID, parts, now())
	return err
}

func (s *Store) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// inTx runs fn in a transaction and signals the outbox on commit.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if err := s.checkOpen(op); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err, op)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return wrap(err, op)
	}
	if err := tx.Commit(); err != nil {
		return wrap(err, op)
	}
	s.notify()
	return nil
}

func (s *Store) AddLocalItem(ctx context.Context, collectionID string, payload schema.Payload) (*store.Item, error) {
	var it *store.Item
	err := s.inTx(ctx, opAddLocal, func(tx *sql.Tx) error {
		var err error
		if it, err = insertItem(ctx, tx, collectionID, "", payload); err != nil {
			return err
		}
		return enqueue(ctx, tx, store.Mutation{Kind: store.MutationAdded, ItemID: it.ID, CollectionID: collectionID})
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (s *Store) ChangeLocalItem(ctx context.Context, item *store.Item, parts ...string) error {
	data, err := schema.MarshalPayload(item.Payload)
	if err != nil {
		return wrap(err, opChangeLocal)
	}
	return s.inTx(ctx, opChangeLocal, func(tx *sql.Tx) error {
		var collectionID, remoteID string
		err := tx.QueryRowContext(ctx, `SELECT collection_id, remote_id FROM items WHERE id = ?`, item.ID).Scan(&collectionID, &remoteID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("item %s does not exist", item.ID)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE items SET kind = ?, payload = ?, updated_at = ? WHERE id = ?`,
			string(item.Payload.Kind()), string(data), now(), item.ID); err != nil {
			return err
		}
		return enqueue(ctx, tx, store.Mutation{
			Kind:         store.MutationChanged,
			ItemID:       item.ID,
			CollectionID: collectionID,
			RemoteID:     remoteID,
			ChangedParts: parts,
		})
	})
}

func (s *Store) RemoveLocalItem(ctx context.Context, item *store.Item) error {
	return s.inTx(ctx, opRemoveLocal, func(tx *sql.Tx) error {
		var collectionID, remoteID string
		err := tx.QueryRowContext(ctx, `SELECT collection_id, remote_id FROM items WHERE id = ?`, item.ID).Scan(&collectionID, &remoteID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, item.ID); err != nil {
			return err
		}
		return enqueue(ctx, tx, store.Mutation{
			Kind:         store.MutationRemoved,
			ItemID:       item.ID,
			CollectionID: collectionID,
			RemoteID:     remoteID,
		})
	})
}

func (s *Store) PendingMutations(ctx context.Context, limit int) ([]store.Mutation, error) {
	if err := s.checkOpen(opPending); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, item_id, collection_id, remote_id, changed_parts, created_at FROM outbox ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, wrap(err, opPending)
	}
	defer rows.Close()

	var out []store.Mutation
	for rows.Next() {
		var (
			m       store.Mutation
			kind    string
			parts   sql.NullString
			created string
		)
		if err := rows.Scan(&m.Seq, &kind, &m.ItemID, &m.CollectionID, &m.RemoteID, &parts, &created); err != nil {
			return nil, wrap(err, opPending)
		}
		m.Kind = store.MutationKind(kind)
		if parts.Valid && parts.String != "" {
			if err := json.Unmarshal([]byte(parts.String), &m.ChangedParts); err != nil {
				return nil, wrap(err, opPending)
			}
		}
		m.CreatedAt, _ = time.Parse(timestampLayout, created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, opPending)
	}
	return out, nil
}

func (s *Store) AckMutation(ctx context.Context, seq int64) error {
	if err := s.checkOpen(opAck); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, seq); err != nil {
		return wrap(err, opAck)
	}
	return nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	if err := s.checkOpen(opGetSetting); err != nil {
		return "", err
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", wrap(err, opGetSetting)
	}
	return v, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if err := s.checkOpen(opSetSetting); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return wrap(err, opSetSetting)
	}
	return nil
}

// MutationSignal fires after a local change is committed.
func (s *Store) MutationSignal() <-chan struct{} { return s.signal }

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
