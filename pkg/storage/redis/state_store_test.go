package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"leaselock/pkg/coordination"
	"leaselock/pkg/coordination/storetest"
)

// TestConformance needs a Redis server at TEST_REDIS_ADDR.
func TestConformance(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	cfg := DefaultRedisStoreConfig(addr)
	cfg.Prefix = "leaselock-test:"
	store := NewRedisStore(cfg)
	t.Cleanup(func() { store.Close() })

	storetest.Run(t, func(t *testing.T) coordination.StateStore { return store })
}

func TestUnreachableServerIsUnavailable(t *testing.T) {
	cfg := DefaultRedisStoreConfig("127.0.0.1:1")
	cfg.DialTimeout = time.Second
	store := NewRedisStore(cfg)
	t.Cleanup(func() { store.Close() })

	_, _, err := store.Get(context.Background(), "lock")
	assert.ErrorIs(t, err, coordination.ErrUnavailable)
	assert.True(t, coordination.IsTransient(err))

	_, err = store.CompareAndSet(context.Background(), "lock", coordination.NoVersion, []byte("x"), "claim")
	assert.ErrorIs(t, err, coordination.ErrUnavailable)
}
