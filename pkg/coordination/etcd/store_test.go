package etcd

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaselock/pkg/coordination"
	"leaselock/pkg/coordination/storetest"
)

// TestConformance needs an etcd cluster at TEST_ETCD_ENDPOINTS (comma separated).
func TestConformance(t *testing.T) {
	endpoints := os.Getenv("TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("TEST_ETCD_ENDPOINTS not set")
	}
	store, err := NewEtcdStore(Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
		Prefix:      "/leaselock-test/",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storetest.Run(t, func(t *testing.T) coordination.StateStore { return store })
}

func TestKeyPrefix(t *testing.T) {
	s := &EtcdStore{prefix: "/leaselock/"}
	assert.Equal(t, "/leaselock/state/active.lock", s.key("state/active.lock"))
	assert.Equal(t, "/leaselock/state/active.lock", s.key("/state/active.lock"))
}
