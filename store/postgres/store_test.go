package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/schema"
	"github.com/c0deZ3R0/go-crm-sync/store"
	"github.com/c0deZ3R0/go-crm-sync/store/storetest"
)

// getTestConnectionString returns the connection string from
// POSTGRES_TEST_CONNECTION, skipping the test when it is unset.
func getTestConnectionString(t *testing.T) string {
	t.Helper()
	connStr := os.Getenv("POSTGRES_TEST_CONNECTION")
	if connStr == "" {
		t.Skip("POSTGRES_TEST_CONNECTION not set")
	}
	return connStr
}

func setupTestStore(t *testing.T, listen bool) *Store {
	t.Helper()
	s, err := New(&Config{
		ConnectionString: getTestConnectionString(t),
		Logger:           logging.Discard().Logger,
		Listen:           listen,
		MaxOpenConns:     5,
	})
	require.NoError(t, err)

	_, err = s.db.Exec(`TRUNCATE items, collections, outbox, settings`)
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return setupTestStore(t, false)
	})
}

func TestNotifyWakesListener(t *testing.T) {
	s := setupTestStore(t, true)
	defer s.Close()

	_, err := s.AddLocalItem(context.Background(), "c1", schema.Contact{FamilyName: "x"})
	require.NoError(t, err)

	select {
	case <-s.MutationSignal():
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	_, err = New(&Config{})
	require.Error(t, err)
}
