package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var (
	errTransient = errors.New("transient")
	errBenign    = errors.New("benign")
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*CircuitBreaker, *manualClock) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: threshold,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
		IsFailure:        func(err error) bool { return errors.Is(err, errTransient) },
		Now:              clock.Now,
	})
	return cb, clock
}

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultCircuitBreakerConfig())
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, "test", cb.Name())
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail(errTransient)), errTransient)
	}
	assert.NoError(t, cb.Execute(ctx, fail(nil)), "success resets the count")
	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, fail(errTransient))
	}
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(ctx, fail(errTransient))
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	cb, _ := newTestBreaker(1)

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), fail(errBenign)), errBenign)
	}
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_IgnoresCallerCancellation(t *testing.T) {
	cb, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = cb.Execute(ctx, fail(errTransient))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, clock := newTestBreaker(1)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail(errTransient))
	assert.Equal(t, CircuitOpen, cb.State())

	clock.Advance(time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// failed probe re-opens for another cooldown
	_ = cb.Execute(ctx, fail(errTransient))
	assert.Equal(t, CircuitOpen, cb.State())

	clock.Advance(time.Minute)
	assert.NoError(t, cb.Execute(ctx, fail(nil)))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_SingleProbeAtATime(t *testing.T) {
	cb, clock := newTestBreaker(1)
	ctx := context.Background()
	_ = cb.Execute(ctx, fail(errTransient))
	clock.Advance(time.Minute)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()

	<-inProbe
	assert.ErrorIs(t, cb.Execute(ctx, fail(nil)), ErrCircuitOpen)
	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	clock := &manualClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker("store", CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), fail(errors.New("any error counts without a classifier")))
	clock.Advance(time.Second)
	_ = cb.Execute(context.Background(), fail(nil))

	assert.Equal(t, []string{"store:closed->open", "store:half-open->closed"}, transitions)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1)
	_ = cb.Execute(context.Background(), fail(errTransient))
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}
