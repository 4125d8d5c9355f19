// Package storetest holds the compare-and-set behaviour every StateStore must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaselock/pkg/coordination"
)

// Factory returns a store with no prior state under the keys used by Run.
type Factory func(t *testing.T) coordination.StateStore

// Run exercises store semantics. Keys are randomized so backends backed by a
// shared service can run it repeatedly.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		ctx := testContext(t)
		require.NoError(t, s.Fetch(ctx))

		_, _, err := s.Get(ctx, key("missing"))
		assert.ErrorIs(t, err, coordination.ErrNotFound)
	})

	t.Run("CreateThenRead", func(t *testing.T) {
		s := newStore(t)
		ctx := testContext(t)
		k := key("create")

		_, base, err := s.Get(ctx, k)
		require.ErrorIs(t, err, coordination.ErrNotFound)

		v1, err := s.CompareAndSet(ctx, k, base, []byte("one\n"), "claim: test")
		require.NoError(t, err)
		assert.NotEqual(t, coordination.NoVersion, v1)

		require.NoError(t, s.Fetch(ctx))
		got, v, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, []byte("one\n"), got)
		assert.Equal(t, v1, v)
	})

	t.Run("CreateConflictsWhenKeyExists", func(t *testing.T) {
		s := newStore(t)
		ctx := testContext(t)
		k := key("exists")

		_, base, err := s.Get(ctx, k)
		require.ErrorIs(t, err, coordination.ErrNotFound)
		_, err = s.CompareAndSet(ctx, k, base, []byte("first"), "claim: a")
		require.NoError(t, err)

		_, err = s.CompareAndSet(ctx, k, base, []byte("second"), "claim: b")
		assert.ErrorIs(t, err, coordination.ErrConflict)

		got, _, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), got)
	})

	t.Run("SwapRequiresCurrentVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := testContext(t)
		k := key("swap")

		_, base, _ := s.Get(ctx, k)
		v1, err := s.CompareAndSet(ctx, k, base, []byte("v1"), "claim: a")
		require.NoError(t, err)
		v2, err := s.CompareAndSet(ctx, k, v1, []byte("v2"), "renew: a")
		require.NoError(t, err)
		assert.NotEqual(t, v1, v2)

		_, err = s.CompareAndSet(ctx, k, v1, []byte("stale"), "claim: b")
		assert.ErrorIs(t, err, coordination.ErrConflict)

		require.NoError(t, s.Fetch(ctx))
		got, v, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
		assert.Equal(t, v2, v)
	})

	t.Run("ConcurrentSwapsAcceptExactlyOne", func(t *testing.T) {
		s := newStore(t)
		ctx := testContext(t)
		k := key("race")

		_, base, _ := s.Get(ctx, k)
		v0, err := s.CompareAndSet(ctx, k, base, []byte("v0"), "claim: seed")
		require.NoError(t, err)

		const n = 4
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.CompareAndSet(ctx, k, v0, []byte(fmt.Sprintf("claim-%d", i)), "claim: racer")
				if err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, coordination.ErrConflict)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, accepted)
	})
}

func key(name string) string {
	return "storetest/" + name + "-" + uuid.New().String()[:8] + ".lock"
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
