package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/c0deZ3R0/go-crm-sync/config"
	"github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/remote"
	"github.com/c0deZ3R0/go-crm-sync/schema"
	"github.com/c0deZ3R0/go-crm-sync/store"
	"github.com/c0deZ3R0/go-crm-sync/store/memory"
	"github.com/c0deZ3R0/go-crm-sync/store/postgres"
	"github.com/c0deZ3R0/go-crm-sync/store/sqlite"
	"github.com/c0deZ3R0/go-crm-sync/synckit"
)

// app is everything a command needs, built from the configuration.
type app struct {
	cfg     *config.Config
	cfgFile string
	logger  *logging.Logger

	registry *schema.Registry
	store    store.Backend
	client   *remote.Client
	stats    *synckit.Stats
	engine   *synckit.Engine
}

func loadConfig(opts *RootOptions) (*config.Config, *viper.Viper, error) {
	v := config.NewViper(opts.ConfigFile)
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, nil, WrapExitError("load config", err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, v, nil
}

// openApp loads the configuration and wires store, remote client and engine.
func openApp(opts *RootOptions) (*app, error) {
	cfg, v, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logging.Init(cfg.Log)
	logger := logging.Default()

	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, WrapExitError("open store", err)
	}

	a := &app{
		cfg:      cfg,
		cfgFile:  config.File(v),
		logger:   logger,
		registry: schema.Default(),
		store:    st,
		stats:    synckit.NewStats(),
	}

	transport := opts.Transport
	if transport == nil {
		transport = remote.NewRESTTransport(cfg.URL,
			remote.WithRESTLogger(logger.WithComponent(logging.Component("remote/rest")).Logger))
	}
	a.client = remote.New(transport, a.registry,
		remote.WithCredentials(cfg.Username, cfg.Password),
		remote.WithCallTimeout(cfg.CallTimeout),
		remote.WithPageSize(cfg.PageSize),
		remote.WithApplicationName(cfg.ApplicationName),
		remote.WithSessionCache(store.NewSessionCache(st, "")),
		remote.WithCallObserver(a.stats.RecordRemoteCall),
		remote.WithLogger(logger.WithComponent(logging.Component("remote")).Logger),
	)

	a.engine, err = synckit.New(a.client, a.registry, st,
		synckit.WithLogger(logger),
		synckit.WithMetrics(a.stats),
		synckit.WithPollInterval(cfg.Interval()),
		synckit.WithEndpoint(cfg.Username, cfg.URL),
		synckit.WithEntityTypes(cfg.EntityTypes...),
	)
	if err != nil {
		_ = st.Close()
		return nil, WrapExitError("create engine", err)
	}
	return a, nil
}

func (a *app) Close() error {
	var first error
	if err := a.engine.Close(); err != nil {
		first = err
	}
	if err := a.store.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// trackConfigured tracks the configured entity types, or every registered
// type when none are configured, without asking the server.
func (a *app) trackConfigured(ctx context.Context) error {
	types := a.cfg.EntityTypes
	if len(types) == 0 {
		types = a.registry.Types()
	}
	for _, t := range types {
		if _, err := a.engine.Track(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// trackOrDiscover tracks the named types, or discovers what the server
// offers when none are named.
func (a *app) trackOrDiscover(ctx context.Context, types []string) error {
	if len(types) == 0 {
		_, err := a.engine.Discover(ctx)
		return err
	}
	for _, t := range types {
		if _, err := a.engine.Track(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// openStore opens the backend named by cfg.Driver.
func openStore(cfg config.StoreConfig, logger *logging.Logger) (store.Backend, error) {
	log := logger.WithComponent(logging.Component("store")).Logger
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		return sqlite.New(&sqlite.Config{
			DataSourceName: cfg.DSN,
			EnableWAL:      cfg.WAL,
			Logger:         log,
		})
	case config.DriverPostgres:
		return postgres.New(&postgres.Config{
			ConnectionString: cfg.DSN,
			Listen:           cfg.Listen,
			Logger:           log,
		})
	default:
		return nil, errors.E(errors.OpConfig, errors.Component("cli"), errors.KindInvalid, "unknown store driver "+cfg.Driver)
	}
}

func logAttrs(a *app) []slog.Attr {
	return []slog.Attr{
		slog.String("url", a.cfg.URL),
		slog.String("user", a.cfg.Username),
		slog.String("store", a.cfg.Store.Driver),
	}
}
