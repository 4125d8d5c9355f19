package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaselock/pkg/coordination/memory"
	"leaselock/pkg/election"
	"leaselock/pkg/executor"
	"leaselock/pkg/executor/runner"
	"leaselock/pkg/signer"
)

type fakeElector struct {
	mu       sync.Mutex
	decision election.Decision
	err      error
	renews   int
}

func (f *fakeElector) Renew(context.Context) (election.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews++
	return f.decision, f.err
}

func (f *fakeElector) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renews
}

type countingRunner struct {
	mu   sync.Mutex
	runs int
}

func (c *countingRunner) Run(context.Context, runner.Command) runner.Result {
	c.mu.Lock()
	c.runs++
	c.mu.Unlock()
	return runner.Result{ExitCode: 0, Duration: time.Millisecond}
}

func newCore(t *testing.T, el Elector, r runner.CommandRunner, command ...string) *Core {
	t.Helper()
	core, err := NewCore(Config{Schedule: "@every 1h", Command: command}, el, executor.NewExecutor(r, 0, nil, nil, nil), nil)
	require.NoError(t, err)
	return core
}

func leaderDecision() election.Decision {
	return election.Decision{Leader: true, State: election.StateLeader, Action: election.ActionClaim}
}

func followerDecision() election.Decision {
	return election.Decision{State: election.StateFollower, Reason: election.ReasonHeld}
}

func TestTick_LeaderRunsCommandEveryTick(t *testing.T) {
	el := &fakeElector{decision: leaderDecision()}
	r := &countingRunner{}
	core := newCore(t, el, r, "make", "report")

	tick := core.Tick(context.Background())
	assert.True(t, tick.Ran)
	tick = core.Tick(context.Background())
	assert.True(t, tick.Ran)
	assert.Equal(t, 2, el.calls())
	assert.Equal(t, 2, r.runs)
}

func TestTick_RestartedLeaderKeepsItsLease(t *testing.T) {
	s, err := signer.NewHMACSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	store := memory.NewStore()

	before, err := election.New(election.DefaultConfig("hostA-alice"), store, s)
	require.NoError(t, err)
	d, err := before.Check(context.Background())
	require.NoError(t, err)
	require.True(t, d.Leader)

	// a new process on the same machine starts with no local state
	after, err := election.New(election.DefaultConfig("hostA-alice"), store, s)
	require.NoError(t, err)
	r := &countingRunner{}
	core := newCore(t, after, r, "make", "report")

	tick := core.Tick(context.Background())
	assert.True(t, tick.Decision.Leader)
	assert.Equal(t, election.ActionRenew, tick.Decision.Action)
	assert.True(t, tick.Ran)
	assert.Equal(t, 1, r.runs)
}

func TestTick_OtherHolderStaysFollower(t *testing.T) {
	s, err := signer.NewHMACSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	store := memory.NewStore()

	holder, err := election.New(election.DefaultConfig("hostA-alice"), store, s)
	require.NoError(t, err)
	_, err = holder.Check(context.Background())
	require.NoError(t, err)

	other, err := election.New(election.DefaultConfig("hostB-bob"), store, s)
	require.NoError(t, err)
	r := &countingRunner{}
	core := newCore(t, other, r, "make", "report")

	tick := core.Tick(context.Background())
	assert.False(t, tick.Decision.Leader)
	assert.Equal(t, election.ReasonHeld, tick.Decision.Reason)
	assert.False(t, tick.Ran)
	assert.Equal(t, int64(1), store.Writes())
}

func TestTick_FollowerSkipsCommand(t *testing.T) {
	el := &fakeElector{decision: followerDecision()}
	r := &countingRunner{}
	core := newCore(t, el, r, "make", "report")

	tick := core.Tick(context.Background())
	assert.False(t, tick.Ran)
	assert.False(t, tick.Decision.Leader)
	assert.Equal(t, 0, r.runs)
}

func TestTick_LeaderWithoutCommandOnlyKeepsLease(t *testing.T) {
	el := &fakeElector{decision: leaderDecision()}
	r := &countingRunner{}
	core := newCore(t, el, r)

	tick := core.Tick(context.Background())
	assert.True(t, tick.Decision.Leader)
	assert.False(t, tick.Ran)
	assert.Equal(t, 0, r.runs)
}

func TestTick_CountsConsecutiveFailures(t *testing.T) {
	el := &fakeElector{err: errors.New("secret unreadable")}
	core := newCore(t, el, &countingRunner{})

	core.Tick(context.Background())
	tick := core.Tick(context.Background())
	assert.Equal(t, 2, tick.ConsecutiveFailures)
	assert.Equal(t, "secret unreadable", tick.Error)

	el.mu.Lock()
	el.err = nil
	el.decision = followerDecision()
	el.mu.Unlock()

	tick = core.Tick(context.Background())
	assert.Equal(t, 0, tick.ConsecutiveFailures)
	require.NotNil(t, core.Last())
	assert.Empty(t, core.Last().Error)
}

func TestNewCore_RejectsBadSchedule(t *testing.T) {
	_, err := NewCore(Config{Schedule: "every so often"}, &fakeElector{}, nil, nil)
	assert.Error(t, err)
}

func TestNext(t *testing.T) {
	core, err := NewCore(Config{Schedule: "*/5 * * * *"}, &fakeElector{}, nil, nil)
	require.NoError(t, err)

	from := time.Date(2026, 10, 14, 12, 1, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 14, 12, 5, 0, 0, time.UTC), core.Next(from))
}

func TestRun_TicksImmediatelyAndStops(t *testing.T) {
	el := &fakeElector{decision: followerDecision()}
	core := newCore(t, el, &countingRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, core.Run(ctx))
	assert.Equal(t, 1, el.calls())
	assert.NotNil(t, core.Last())
}
