// Package config loads the sync engine configuration from a file and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/logging"
)

const (
	// EnvPrefix prefixes every environment override, e.g. CRMSYNC_PASSWORD.
	EnvPrefix = "CRMSYNC"

	// EnvConfigFile names the config file when --config is not given.
	EnvConfigFile = "CRMSYNC_CONFIG"

	// FileName is the config file base name searched for.
	FileName = "crmsync"

	UnitSeconds = "seconds"
	UnitMinutes = "minutes"

	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects the local store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" json:"driver" toml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn" json:"dsn" toml:"dsn"`

	// WAL enables write-ahead logging for SQLite.
	WAL bool `mapstructure:"wal" yaml:"wal" json:"wal" toml:"wal"`

	// Listen wakes the outbox loop through LISTEN/NOTIFY on Postgres.
	Listen bool `mapstructure:"listen" yaml:"listen" json:"listen" toml:"listen"`
}

// StatusConfig configures the HTTP status surface. Empty Listen disables it.
type StatusConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen" json:"listen" toml:"listen"`
}

// Config is the complete engine configuration.
type Config struct {
	URL             string        `mapstructure:"url" yaml:"url" json:"url"`
	Username        string        `mapstructure:"username" yaml:"username" json:"username"`
	Password        string        `mapstructure:"password" yaml:"password" json:"-"`
	PollInterval    int           `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	PollUnit        string        `mapstructure:"poll_unit" yaml:"poll_unit" json:"poll_unit"`
	CallTimeout     time.Duration `mapstructure:"call_timeout" yaml:"call_timeout" json:"call_timeout"`
	PageSize        int           `mapstructure:"page_size" yaml:"page_size" json:"page_size"`
	ApplicationName string        `mapstructure:"application_name" yaml:"application_name" json:"application_name"`
	EntityTypes     []string      `mapstructure:"entity_types" yaml:"entity_types" json:"entity_types"`

	Store  StoreConfig    `mapstructure:"store" yaml:"store" json:"store"`
	Status StatusConfig   `mapstructure:"status" yaml:"status" json:"status"`
	Log    logging.Config `mapstructure:"log" yaml:"log" json:"log"`
}

// Default returns the configuration used for keys that are not set.
func Default() Config {
	return Config{
		PollInterval:    60,
		PollUnit:        UnitSeconds,
		CallTimeout:     30 * time.Second,
		PageSize:        100,
		ApplicationName: "crmsync",
		Store:           StoreConfig{Driver: DriverSQLite, DSN: "crmsync.db", WAL: true},
		Log:             logging.DefaultConfig,
	}
}

// setDefaults registers every key so environment overrides apply to keys
// missing from the file.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("url", "")
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("poll_unit", d.PollUnit)
	v.SetDefault("call_timeout", d.CallTimeout)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("application_name", d.ApplicationName)
	v.SetDefault("entity_types", []string{})
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.wal", d.Store.WAL)
	v.SetDefault("store.listen", d.Store.Listen)
	v.SetDefault("status.listen", "")
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.add_source", d.Log.AddSource)
	v.SetDefault("log.environment", d.Log.Environment)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// NewViper returns a viper instance reading path, or when path is empty
// $CRMSYNC_CONFIG, then crmsync.{toml,yaml,json} in the working directory
// and $HOME/.config/crmsync.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
		return v
	}
	v.SetConfigName(FileName)
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", FileName))
	}
	return v
}

// Load reads, normalizes and validates the configuration.
func Load(path string) (*Config, error) {
	return FromViper(NewViper(path))
}

// FromViper reads the configuration from v. A missing file is not an error
// when no explicit file was set.
func FromViper(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.E(errors.OpConfig, errors.Component("config"), errors.KindInvalid, err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.E(errors.OpConfig, errors.Component("config"), errors.KindInvalid, err, "decode config")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// File returns the config file v read from, if any.
func File(v *viper.Viper) string {
	return v.ConfigFileUsed()
}

var extraSlashes = regexp.MustCompile(`(?i)^(https?):/{2,}`)

// NormalizeURL collapses repeated slashes after the scheme and adds http://
// to scheme-less input.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if extraSlashes.MatchString(u) {
		return extraSlashes.ReplaceAllString(u, "${1}://")
	}
	if !strings.Contains(u, "://") {
		return "http://" + strings.TrimLeft(u, "/")
	}
	return u
}

// Normalize cleans up user input in place.
func (c *Config) Normalize() {
	c.URL = NormalizeURL(c.URL)
	c.Username = strings.TrimSpace(c.Username)
	c.PollUnit = strings.ToLower(strings.TrimSpace(c.PollUnit))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))

	types := c.EntityTypes[:0]
	for _, t := range c.EntityTypes {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	c.EntityTypes = types
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.E(errors.OpConfig, errors.Component("config"), errors.KindInvalid, fmt.Sprintf(format, args...))
	}

	switch {
	case c.URL == "":
		return invalid("url is required")
	case c.Username == "":
		return invalid("username is required")
	case c.PollInterval <= 0:
		return invalid("poll_interval must be positive, got %d", c.PollInterval)
	case c.CallTimeout < 0:
		return invalid("call_timeout must not be negative")
	case c.PageSize < 0:
		return invalid("page_size must not be negative")
	}

	switch c.PollUnit {
	case UnitSeconds, UnitMinutes:
	default:
		return invalid("poll_unit must be %q or %q, got %q", UnitSeconds, UnitMinutes, c.PollUnit)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return invalid("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return invalid("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// Interval is the poll interval as a duration.
func (c *Config) Interval() time.Duration {
	unit := time.Second
	if c.PollUnit == UnitMinutes {
		unit = time.Minute
	}
	return time.Duration(c.PollInterval) * unit
}

// fileLayout is how a config is written to TOML.
type fileLayout struct {
	URL             string         `toml:"url"`
	Username        string         `toml:"username"`
	Password        string         `toml:"password,omitempty"`
	PollInterval    int            `toml:"poll_interval"`
	PollUnit        string         `toml:"poll_unit"`
	CallTimeout     string         `toml:"call_timeout"`
	PageSize        int            `toml:"page_size"`
	ApplicationName string         `toml:"application_name"`
	EntityTypes     []string       `toml:"entity_types,omitempty"`
	Store           StoreConfig    `toml:"store"`
	Status          StatusConfig   `toml:"status"`
	Log             logging.Config `toml:"log"`
}

// WriteFile writes cfg as TOML. An existing file is only replaced when
// overwrite is set.
func WriteFile(path string, cfg Config, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.E(errors.OpConfig, errors.Component("config"), err)
		}
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return errors.E(errors.OpConfig, errors.Component("config"), err)
	}
	defer f.Close()

	layout := fileLayout{
		URL:             cfg.URL,
		Username:        cfg.Username,
		Password:        cfg.Password,
		PollInterval:    cfg.PollInterval,
		PollUnit:        cfg.PollUnit,
		CallTimeout:     cfg.CallTimeout.String(),
		PageSize:        cfg.PageSize,
		ApplicationName: cfg.ApplicationName,
		EntityTypes:     cfg.EntityTypes,
		Store:           cfg.Store,
		Status:          cfg.Status,
		Log:             cfg.Log,
	}
	if err := toml.NewEncoder(f).Encode(layout); err != nil {
		return errors.E(errors.OpConfig, errors.Component("config"), err, "encode config")
	}
	return f.Close()
}
