package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-crm-sync/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "crmsync.toml", `
url = "http:///crm.example.com/"
username = "admin"
password = "secret"
poll_interval = 5
poll_unit = "Minutes"
call_timeout = "10s"
entity_types = ["Contacts", " ", "Tasks"]

[store]
driver = "postgres"
dsn = "postgres://localhost/crm"
listen = true

[log]
level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://crm.example.com/", cfg.URL)
	assert.Equal(t, "admin", cfg.Username)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, UnitMinutes, cfg.PollUnit)
	assert.Equal(t, 5*time.Minute, cfg.Interval())
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	assert.Equal(t, 100, cfg.PageSize, "default applies to keys missing from the file")
	assert.Equal(t, []string{"Contacts", "Tasks"}, cfg.EntityTypes)
	assert.Equal(t, StoreConfig{Driver: DriverPostgres, DSN: "postgres://localhost/crm", WAL: true, Listen: true}, cfg.Store)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "crmsync.yaml", `
url: crm.example.com
username: admin
store:
  driver: memory
status:
  listen: 127.0.0.1:8089
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://crm.example.com", cfg.URL)
	assert.Equal(t, 60*time.Second, cfg.Interval())
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "127.0.0.1:8089", cfg.Status.Listen)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "crmsync.toml", `
url = "https://crm.example.com"
username = "admin"
`)
	t.Setenv("CRMSYNC_PASSWORD", "from-env")
	t.Setenv("CRMSYNC_STORE_DSN", "/var/lib/crmsync.db")
	t.Setenv("CRMSYNC_POLL_INTERVAL", "15")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Password)
	assert.Equal(t, "/var/lib/crmsync.db", cfg.Store.DSN)
	assert.Equal(t, 15*time.Second, cfg.Interval())
}

func TestConfigFileFromEnvironment(t *testing.T) {
	path := writeFile(t, t.TempDir(), "other.toml", `
url = "https://crm.example.com"
username = "ops"
`)
	t.Setenv(EnvConfigFile, path)

	v := NewViper("")
	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.Username)
	assert.Equal(t, path, File(v))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.toml"))
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err), "an explicit file must exist")

	broken := writeFile(t, dir, "broken.toml", "url = ")
	_, err = Load(broken)
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.URL = "http://crm"
		c.Username = "admin"
		return c
	}
	require.NoError(t, func() error { c := valid(); return c.Validate() }())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.URL = "" }},
		{"missing username", func(c *Config) { c.Username = "" }},
		{"zero interval", func(c *Config) { c.PollInterval = 0 }},
		{"unknown unit", func(c *Config) { c.PollUnit = "hours" }},
		{"negative timeout", func(c *Config) { c.CallTimeout = -time.Second }},
		{"negative page size", func(c *Config) { c.PageSize = -1 }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"sqlite without dsn", func(c *Config) { c.Store.DSN = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Equal(t, errors.KindInvalid, errors.KindOf(err))
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := map[string]string{
		"":                           "",
		"  http://crm.example.com  ": "http://crm.example.com",
		"http:///crm.example.com":    "http://crm.example.com",
		"HTTPS:////crm.example.com":  "HTTPS://crm.example.com",
		"crm.example.com/sugar":      "http://crm.example.com/sugar",
		"https://crm.example.com":    "https://crm.example.com",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeURL(in), in)
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "crmsync.toml")
	cfg := Default()
	cfg.URL = "https://crm.example.com"
	cfg.Username = "admin"
	cfg.EntityTypes = []string{"Contacts"}
	cfg.CallTimeout = 45 * time.Second

	require.NoError(t, WriteFile(path, cfg, false))
	assert.Error(t, WriteFile(path, cfg, false), "existing file is kept")
	require.NoError(t, WriteFile(path, cfg, true))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.URL, loaded.URL)
	assert.Equal(t, cfg.EntityTypes, loaded.EntityTypes)
	assert.Equal(t, 45*time.Second, loaded.CallTimeout)
	assert.Equal(t, cfg.Store, loaded.Store)
	assert.Equal(t, cfg.Log.MaxBackups, loaded.Log.MaxBackups)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "crmsync.toml", "url = \"http://crm\"\nusername = \"admin\"\npoll_interval = 60\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config, err error) {
			if err == nil {
				changes <- c
			}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "unrelated.toml", "x = 1")
	writeFile(t, dir, "crmsync.toml", "url = \"http://crm\"\nusername = \"admin\"\npoll_interval = 5\n")

	select {
	case c := <-changes:
		assert.Equal(t, 5*time.Second, c.Interval())
	case <-time.After(5 * time.Second):
		t.Fatal("change not reported")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return")
	}
}
