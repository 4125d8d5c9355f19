package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"leaselock/pkg/coordination"
)

type entry struct {
	value   []byte
	version int64
	message string
}

// Store is an in-process StateStore. It is safe for concurrent use and is the
// reference implementation other backends are tested against.
type Store struct {
	mu     sync.Mutex
	data   map[string]entry
	seq    int64
	writes int64

	// OnBeforeCompareAndSet, when set, runs before each CompareAndSet without the lock held.
	OnBeforeCompareAndSet func(key string)

	// FailWith, when set, is returned by every operation.
	FailWith error
}

func NewStore() *Store {
	return &Store{data: make(map[string]entry)}
}

func (s *Store) Name() string { return "memory" }

func (s *Store) Fetch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FailWith
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, coordination.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return nil, coordination.NoVersion, s.FailWith
	}
	e, ok := s.data[key]
	if !ok {
		return nil, coordination.NoVersion, coordination.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, formatVersion(e.version), nil
}

func (s *Store) CompareAndSet(ctx context.Context, key string, expected coordination.Version, value []byte, message string) (coordination.Version, error) {
	if s.OnBeforeCompareAndSet != nil {
		s.OnBeforeCompareAndSet(key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return coordination.NoVersion, s.FailWith
	}
	if err := ctx.Err(); err != nil {
		return coordination.NoVersion, fmt.Errorf("%w: %v", coordination.ErrUnavailable, err)
	}

	e, exists := s.data[key]
	switch {
	case expected == coordination.NoVersion && exists:
		return coordination.NoVersion, coordination.ErrConflict
	case expected != coordination.NoVersion && (!exists || formatVersion(e.version) != expected):
		return coordination.NoVersion, coordination.ErrConflict
	}

	s.seq++
	s.writes++
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = entry{value: stored, version: s.seq, message: message}
	return formatVersion(s.seq), nil
}

// Message returns the provenance recorded by the last successful write to key.
func (s *Store) Message(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key].message
}

// Writes returns how many CompareAndSet calls the store has accepted.
func (s *Store) Writes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Put overwrites key unconditionally. Tests use it to plant records.
func (s *Store) Put(key string, value []byte) coordination.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.data[key] = entry{value: append([]byte(nil), value...), version: s.seq, message: "put"}
	return formatVersion(s.seq)
}

func (s *Store) Close() error { return nil }

func formatVersion(v int64) coordination.Version {
	return coordination.Version(strconv.FormatInt(v, 10))
}
