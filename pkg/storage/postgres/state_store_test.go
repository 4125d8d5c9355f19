package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaselock/pkg/coordination"
	"leaselock/pkg/coordination/storetest"
)

// TestConformance needs a database at TEST_POSTGRES_DSN.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresStore(dsn, "leaselock_state_test")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storetest.Run(t, func(t *testing.T) coordination.StateStore { return store })
}

func TestFormatVersion(t *testing.T) {
	require.Equal(t, coordination.Version("42"), formatVersion(42))
}

func TestUnreachableServerIsUnavailable(t *testing.T) {
	store, err := NewPostgresStore("host=127.0.0.1 port=1 user=leaselock dbname=leaselock sslmode=disable connect_timeout=1", "")
	require.NoError(t, err, "opening does not dial")
	t.Cleanup(func() { store.Close() })

	_, _, err = store.Get(context.Background(), "lock")
	assert.ErrorIs(t, err, coordination.ErrUnavailable)

	_, err = store.CompareAndSet(context.Background(), "lock", coordination.NoVersion, []byte("x"), "claim")
	assert.ErrorIs(t, err, coordination.ErrUnavailable)
}
