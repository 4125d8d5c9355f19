// Package election decides, through a shared StateStore, which machine holds the lease.
//
// One invocation fetches the remote state, reads and verifies the signed lock
// record, and claims the lease with a compare-and-set when the record is absent,
// stale, or (under FailOpen) unverifiable. Leadership is only granted after the
// store accepted the write.
package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"leaselock/pkg/coordination"
	"leaselock/pkg/metrics"
	"leaselock/pkg/models"
	tracing "leaselock/pkg/observability"
	"leaselock/pkg/resilience"
	"leaselock/pkg/signer"
)

// ErrInvalidSignature is reported when a stored record was not signed with our key.
var ErrInvalidSignature = errors.New("lock record signature mismatch")

// Clock is the time source. Tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Option func(*Election)

func WithClock(c Clock) Option {
	return func(e *Election) { e.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Election) { e.log = l }
}

// WithBreaker routes every store call through cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(e *Election) { e.breaker = cb }
}

type Election struct {
	cfg     Config
	store   coordination.StateStore
	signer  signer.Signer
	clock   Clock
	log     *zap.Logger
	breaker *resilience.CircuitBreaker

	mu          sync.Mutex
	state       State
	last        *Decision
	lastVersion coordination.Version
}

func New(cfg Config, store coordination.StateStore, s signer.Signer, opts ...Option) (*Election, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", errInvalidConfig)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: nil signer", errInvalidConfig)
	}
	e := &Election{
		cfg:    cfg,
		store:  store,
		signer: s,
		clock:  systemClock{},
		log:    zap.NewNop(),
		state:  StateUnknown,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(zap.String("lock_key", cfg.Key), zap.String("backend", store.Name()))
	return e, nil
}

// State returns the state reached by the last invocation.
func (e *Election) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Last returns the most recent decision, nil before the first invocation.
func (e *Election) Last() *Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return nil
	}
	d := *e.last
	return &d
}

func (e *Election) Config() Config { return e.cfg }

// Check runs one invocation: it never publishes over an authoritative record,
// including one written by this machine.
func (e *Election) Check(ctx context.Context) (Decision, error) {
	return e.run(ctx, "election.check", false)
}

// Renew behaves like Check but re-publishes an authoritative record written by
// this machine with a strictly later timestamp.
func (e *Election) Renew(ctx context.Context) (Decision, error) {
	return e.run(ctx, "election.renew", true)
}

// Inspect reports the current holder without writing anything.
func (e *Election) Inspect(ctx context.Context) (Observation, error) {
	ctx, span := tracing.Start(ctx, "election.inspect", tracing.LockKeyKey.String(e.cfg.Key))
	defer span.End()

	obs := e.observe(ctx)
	if err := ctx.Err(); err != nil {
		return obs, err
	}
	tracing.SetAttributes(ctx, tracing.ReasonKey.String(string(obs.Reason)))
	if obs.Record != nil {
		metrics.LockAge.Set(obs.Age.Seconds())
	}
	return obs, nil
}

func (e *Election) run(ctx context.Context, name string, renew bool) (Decision, error) {
	ctx, span := tracing.Start(ctx, name,
		tracing.MachineIDKey.String(e.cfg.MachineID),
		tracing.BackendKey.String(e.store.Name()),
		tracing.LockKeyKey.String(e.cfg.Key),
	)
	defer span.End()

	e.setState(StateChecking)

	attempts := 0
	op := func() (Decision, error) {
		attempts++
		tracing.AddEvent(ctx, "attempt", tracing.AttemptKey.Int(attempts))
		d, err := e.attempt(ctx, renew)
		d.Attempts = attempts
		switch {
		case errors.Is(err, coordination.ErrConflict):
			return d, err
		case err != nil:
			return d, backoff.Permanent(err)
		}
		return d, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInitialInterval
	if e.cfg.RetryMaxInterval > 0 {
		b.MaxInterval = e.cfg.RetryMaxInterval
	}

	d, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.log.Info("claim lost to a concurrent writer, retrying",
				zap.Int("attempt", attempts), zap.Duration("backoff", next))
		}),
	)
	switch {
	case err == nil:
	case errors.Is(err, coordination.ErrConflict) && ctx.Err() == nil:
		d = e.follower(ReasonRejected, nil, err)
		d.Attempts = attempts
	default:
		e.setState(StateUnknown)
		tracing.SetError(ctx, err)
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return Decision{State: StateUnknown, Attempts: attempts}, err
	}

	tracing.SetAttributes(ctx,
		attribute.Bool("leaselock.leader", d.Leader),
		tracing.ActionKey.String(string(d.Action)),
		tracing.ReasonKey.String(string(d.Reason)),
	)
	e.finish(d)
	return d, nil
}

// attempt performs one observe-then-maybe-claim round. It returns ErrConflict
// when the claim lost a race, and other errors only for local faults.
func (e *Election) attempt(ctx context.Context, renew bool) (Decision, error) {
	obs := e.observe(ctx)
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	if obs.FetchErr != nil && e.cfg.Policy == FailClosed {
		return e.follower(ReasonUnavailable, &obs, obs.FetchErr), nil
	}

	switch obs.Reason {
	case ReasonAbsent, ReasonStale:
		return e.publish(ctx, ActionClaim, obs)
	case ReasonHeld:
		if renew && obs.Holder == e.cfg.MachineID {
			return e.publish(ctx, ActionRenew, obs)
		}
		return e.follower(ReasonHeld, &obs, nil), nil
	default:
		// invalid signature, malformed record, clock error or unreadable store
		if e.cfg.Policy == FailOpen {
			e.log.Warn("lock record unusable, claiming under fail-open policy",
				zap.String("reason", string(obs.Reason)), zap.Error(obs.Err))
			return e.publish(ctx, ActionClaim, obs)
		}
		return e.follower(obs.Reason, &obs, obs.Err), nil
	}
}

// observe reads and classifies the lock record. It never writes.
func (e *Election) observe(ctx context.Context) Observation {
	now := e.clock.Now()
	obs := Observation{CheckedAt: now.UTC()}

	if err := e.call(ctx, "fetch", e.store.Fetch); err != nil {
		obs.FetchErr = err
		e.log.Warn("fetch failed, using local view of the lock", zap.Error(err))
	}

	var (
		raw []byte
		ver coordination.Version
	)
	err := e.call(ctx, "get", func(ctx context.Context) error {
		var err error
		raw, ver, err = e.store.Get(ctx, e.cfg.Key)
		return err
	})
	switch {
	case errors.Is(err, coordination.ErrNotFound):
		e.remember(ver)
		obs.Version = ver
		obs.Reason = ReasonAbsent
		return obs
	case err != nil:
		obs.Version = e.knownVersion()
		obs.Reason = ReasonUnavailable
		obs.Err = err
		return obs
	}
	e.remember(ver)
	obs.Present = true
	obs.Version = ver

	rec, err := models.Decode(raw)
	if err != nil {
		obs.Err = err
		obs.Reason = ReasonMalformed
		if errors.Is(err, models.ErrClock) {
			obs.Reason = ReasonClock
		}
		return obs
	}
	obs.Record = &rec
	obs.Holder = rec.MachineID
	obs.Age = rec.Age(now)

	obs.Valid = e.signer.Verify(rec.SigningContent(), rec.Signature)

	// An expired lease is claimable whoever signed it.
	if !rec.IsFresh(now, e.cfg.LeaseDuration) {
		obs.Reason = ReasonStale
		return obs
	}
	if !obs.Valid {
		obs.Err = ErrInvalidSignature
		obs.Reason = ReasonInvalidSignature
		return obs
	}
	if ahead := -obs.Age; ahead > e.cfg.MaxClockSkew {
		obs.Err = fmt.Errorf("%w: record is %s ahead of local clock", models.ErrClock, ahead.Round(time.Second))
		obs.Reason = ReasonClock
		return obs
	}
	obs.Fresh = true
	obs.Reason = ReasonHeld
	return obs
}

// publish signs a record for this machine and writes it conditioned on obs.Version.
func (e *Election) publish(ctx context.Context, action Action, obs Observation) (Decision, error) {
	ts := e.clock.Now().UTC().Truncate(time.Second)
	if action == ActionRenew && obs.Record != nil {
		if floor := obs.Record.Timestamp.Add(time.Second); ts.Before(floor) {
			ts = floor
		}
	}

	rec := models.NewLockRecord(ts, e.cfg.MachineID)
	rec.Signature = e.signer.Sign(rec.SigningContent())
	if err := rec.Validate(); err != nil {
		return Decision{}, fmt.Errorf("build lock record: %w", err)
	}
	message := fmt.Sprintf("%s: %s at %s", action, rec.MachineID, rec.FormattedTimestamp())

	var ver coordination.Version
	err := e.call(ctx, "compare_and_set", func(ctx context.Context) error {
		var err error
		ver, err = e.store.CompareAndSet(ctx, e.cfg.Key, obs.Version, models.Encode(rec), message)
		return err
	})
	switch {
	case err == nil:
		e.remember(ver)
		metrics.ClaimsTotal.WithLabelValues(string(action), "accepted").Inc()
		reason := obs.Reason
		if action == ActionRenew {
			reason = ReasonRenewed
		}
		return Decision{
			Leader:    true,
			State:     StateLeader,
			Action:    action,
			Reason:    reason,
			Holder:    rec.MachineID,
			Record:    &rec,
			DecidedAt: ts,
			Err:       obs.Err,
		}, nil
	case errors.Is(err, coordination.ErrConflict):
		metrics.ClaimsTotal.WithLabelValues(string(action), "conflict").Inc()
		metrics.ConflictsTotal.Inc()
		d := e.follower(ReasonRejected, &obs, err)
		return d, err
	case ctx.Err() != nil:
		return Decision{}, ctx.Err()
	default:
		metrics.ClaimsTotal.WithLabelValues(string(action), "error").Inc()
		e.log.Warn("publish failed", zap.String("action", string(action)), zap.Error(err))
		return e.follower(ReasonUnavailable, &obs, err), nil
	}
}

func (e *Election) follower(reason Reason, obs *Observation, err error) Decision {
	d := Decision{
		State:     StateFollower,
		Action:    ActionNone,
		Reason:    reason,
		DecidedAt: e.clock.Now().UTC(),
		Err:       err,
	}
	if obs != nil && obs.Record != nil {
		d.Holder = obs.Holder
		d.Record = obs.Record
	}
	return d
}

// call bounds a store operation by the operation timeout and records it.
func (e *Election) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.Start(ctx, "store."+op, tracing.BackendKey.String(e.store.Name()))
	defer span.End()

	start := time.Now()
	bounded := func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
		defer cancel()
		return fn(opCtx)
	}

	var err error
	if e.breaker != nil {
		err = e.breaker.Execute(ctx, bounded)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			err = fmt.Errorf("%w: %v", coordination.ErrUnavailable, err)
		}
	} else {
		err = bounded(ctx)
	}

	var recorded error
	if err != nil && !errors.Is(err, coordination.ErrNotFound) {
		recorded = err
		tracing.SetError(ctx, err)
	}
	metrics.RecordStoreOp(e.store.Name(), op, recorded, time.Since(start))
	return err
}

func (e *Election) finish(d Decision) {
	e.mu.Lock()
	e.state = d.State
	e.last = &d
	e.mu.Unlock()

	var age time.Duration
	if d.Record != nil && !d.Leader {
		age = d.DecidedAt.Sub(d.Record.Timestamp)
	}
	metrics.RecordDecision(d.Leader, string(d.Reason), age)

	fields := []zap.Field{
		zap.Bool("leader", d.Leader),
		zap.String("action", string(d.Action)),
		zap.String("reason", string(d.Reason)),
		zap.String("holder", d.Holder),
		zap.Int("attempts", d.Attempts),
	}
	if d.Err != nil {
		fields = append(fields, zap.Error(d.Err))
	}
	e.log.Info("election decided", fields...)
}

func (e *Election) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Election) remember(v coordination.Version) {
	e.mu.Lock()
	e.lastVersion = v
	e.mu.Unlock()
}

func (e *Election) knownVersion() coordination.Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastVersion
}
