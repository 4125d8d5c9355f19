package coordination

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the key holds no value on the canonical state.
	ErrNotFound = errors.New("key not found")

	// ErrConflict means a compare-and-set lost against a concurrent writer.
	ErrConflict = errors.New("concurrent update rejected")

	// ErrUnavailable wraps transient transport failures (store unreachable, timeouts).
	ErrUnavailable = errors.New("coordination store unavailable")
)

// Version is an opaque optimistic-concurrency token issued by a StateStore.
type Version string

// NoVersion conditions a CompareAndSet on the key not existing yet.
const NoVersion Version = ""

// StateStore is the shared medium the election coordinates through.
type StateStore interface {
	// Fetch synchronizes local knowledge with the canonical remote state.
	// Stores that always read the canonical state implement it as a no-op.
	Fetch(ctx context.Context) error

	// Get returns the value stored under key and the version to pass to CompareAndSet.
	// When the key is absent it returns ErrNotFound together with the version a
	// create must be conditioned on.
	Get(ctx context.Context, key string) ([]byte, Version, error)

	// CompareAndSet writes value under key only if the canonical state is still at
	// expected, recording message as provenance. It returns ErrConflict when
	// another writer got there first.
	CompareAndSet(ctx context.Context, key string, expected Version, value []byte, message string) (Version, error)

	// Name identifies the backend in logs and metrics.
	Name() string

	// Close releases connections held by the store.
	Close() error
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
