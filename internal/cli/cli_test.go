package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-crm-sync/remote"
	"github.com/c0deZ3R0/go-crm-sync/remote/remotetest"
	"github.com/c0deZ3R0/go-crm-sync/schema"
)

// writeConfig writes a config using a SQLite store in a temp dir and
// returns its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "crmsync.toml")
	content := `
url = "http://crm.test"
username = "admin"
password = "secret"
poll_interval = 1

[store]
driver = "sqlite"
dsn = "` + filepath.ToSlash(filepath.Join(dir, "crm.db")) + `"

[log]
level = "error"
` + extra
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, ctx context.Context, opts *RootOptions, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(nil)
	for _, name := range []string{"login", "types", "sync", "run", "status", "config"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	sub, _, err := cmd.Find([]string{"config", "init"})
	require.NoError(t, err)
	assert.Equal(t, "init", sub.Name())
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand(nil)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, context.Background(), &RootOptions{}, "status", "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crmsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`username = "admin"`), 0o600))

	_, err := execute(t, context.Background(), &RootOptions{}, "--config", path, "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crmsync.toml")

	out, err := execute(t, context.Background(), &RootOptions{},
		"config", "init", path, "--url", "crm.example.com", "--username", "ops", "--types", "Contacts, Tasks")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, context.Background(), &RootOptions{}, "config", "init", path)
	assert.Error(t, err, "existing file is kept without --force")

	out, err = execute(t, context.Background(), &RootOptions{}, "--config", path, "--format", "json", "config", "show")
	require.NoError(t, err)
	var shown map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "http://crm.example.com", shown["url"])
	assert.Equal(t, "ops", shown["username"])
	assert.Equal(t, []any{"Contacts", "Tasks"}, shown["entity_types"])
	assert.NotContains(t, shown, "password")
}

func TestLogin(t *testing.T) {
	fake := remotetest.New()
	fake.Users = map[string]string{"admin": remote.HashPassword("secret")}
	path := writeConfig(t, "")

	out, err := execute(t, context.Background(), &RootOptions{Transport: fake}, "--config", path, "--format", "json", "login")
	require.NoError(t, err)
	var res LoginResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.LoggedIn)
	assert.Equal(t, "admin", res.User)

	// The cached session is reused.
	_, err = execute(t, context.Background(), &RootOptions{Transport: fake}, "--config", path, "types")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls("login"))
}

func TestLoginRejected(t *testing.T) {
	fake := remotetest.New()
	fake.Users = map[string]string{"admin": remote.HashPassword("other")}
	path := writeConfig(t, "")

	_, err := execute(t, context.Background(), &RootOptions{Transport: fake}, "--config", path, "login")
	require.Error(t, err)
	assert.Equal(t, ExitAuthError, GetExitCode(err))
}

func TestTypes(t *testing.T) {
	fake := remotetest.New()
	path := writeConfig(t, "")

	out, err := execute(t, context.Background(), &RootOptions{Transport: fake}, "--config", path, "--format", "json", "types")
	require.NoError(t, err)
	var rows []EntityType
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	assert.Equal(t, []EntityType{
		{Name: "Cases", Supported: true},
		{Name: "Contacts", Supported: true},
		{Name: "Leads", Supported: true},
		{Name: "Tasks", Supported: true},
	}, rows)

	out, err = execute(t, context.Background(), &RootOptions{Transport: fake}, "--config", path, "types", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "Accounts")
}

func TestSyncThenStatus(t *testing.T) {
	fake := remotetest.New()
	fake.Put("Contacts", schema.Fields{"first_name": "Ada", "last_name": "Lovelace"})
	fake.Put("Contacts", schema.Fields{"first_name": "Grace", "last_name": "Hopper"})
	fake.Put("Tasks", schema.Fields{"name": "Call back"})
	path := writeConfig(t, `entity_types = ["Contacts", "Tasks"]`)
	opts := &RootOptions{Transport: fake}

	out, err := execute(t, context.Background(), opts, "--config", path, "--format", "json", "sync")
	require.NoError(t, err)
	var report SyncReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Passes, 2)
	created := map[string]int{}
	for _, p := range report.Passes {
		assert.Empty(t, p.Error)
		assert.True(t, p.Initial)
		created[p.CollectionID] = p.Created
	}
	assert.Equal(t, 2, created["admin@http://crm.test#Contacts"])
	assert.Equal(t, 1, created["admin@http://crm.test#Tasks"])
	assert.Zero(t, report.Failures)

	out, err = execute(t, context.Background(), opts, "--config", path, "--format", "yaml", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "admin@http://crm.test#Contacts")
	assert.Contains(t, out, "items: 2")
	assert.Contains(t, out, "has_watermark: true")
	assert.Contains(t, out, "pending_changes: 0")

	// A second sync is incremental.
	out, err = execute(t, context.Background(), opts, "--config", path, "--format", "json", "sync", "Contacts")
	require.NoError(t, err)
	report = SyncReport{}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Passes, 1)
	assert.False(t, report.Passes[0].Initial)
	assert.Zero(t, report.Passes[0].Seen)
}

func TestTextOutputIsPlainOffTerminal(t *testing.T) {
	fake := remotetest.New()
	fake.Put("Contacts", schema.Fields{"first_name": "Ada"})
	path := writeConfig(t, "")

	out, err := execute(t, context.Background(), &RootOptions{Transport: fake}, "--config", path, "sync", "Contacts")
	require.NoError(t, err)
	assert.Contains(t, out, "Pushed 0 local changes")
	assert.Contains(t, out, "admin@http://crm.test#Contacts")
	assert.Contains(t, out, "Sync complete")
	assert.NotContains(t, out, "\x1b[")
}

func TestSyncReportsPassFailure(t *testing.T) {
	fake := remotetest.New()
	fake.Users = map[string]string{"admin": remote.HashPassword("nope")}
	path := writeConfig(t, "")

	_, err := execute(t, context.Background(), &RootOptions{Transport: fake}, "--config", path, "sync", "Contacts")
	require.Error(t, err)
	assert.Equal(t, ExitAuthError, GetExitCode(err))
}

func TestRunStopsOnCancel(t *testing.T) {
	fake := remotetest.New()
	fake.Put("Contacts", schema.Fields{"first_name": "Ada"})
	path := writeConfig(t, `entity_types = ["Contacts"]`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, &RootOptions{Transport: fake}, "--config", path, "run", "--no-watch")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return fake.Calls("get_entry_list") >= 2
	}, 10*time.Second, 20*time.Millisecond, "scheduler re-arms after the first pass")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRunSurvivesFailedDiscovery(t *testing.T) {
	fake := remotetest.New()
	fake.Put("Contacts", schema.Fields{"first_name": "Ada"})
	fake.FailNext("get_available_modules", fmt.Errorf("connection refused"))
	path := writeConfig(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, &RootOptions{Transport: fake}, "--config", path, "run", "--no-watch")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return fake.Calls("get_entry_list") >= 1
	}, 10*time.Second, 20*time.Millisecond, "registered types are polled after discovery fails")
	assert.Equal(t, 1, fake.Calls("get_available_modules"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
}
