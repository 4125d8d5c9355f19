package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"leaselock/pkg/auth"
	"leaselock/pkg/coordination/memory"
	"leaselock/pkg/election"
	"leaselock/pkg/scheduler"
	"leaselock/pkg/signer"
)

type fixedTick struct{ tick *scheduler.Tick }

func (f fixedTick) Last() *scheduler.Tick { return f.tick }

func newTestElection(t *testing.T, machineID string) (*election.Election, *memory.Store) {
	t.Helper()
	s, err := signer.NewHMACSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	store := memory.NewStore()
	el, err := election.New(election.DefaultConfig(machineID), store, s)
	require.NoError(t, err)
	return el, store
}

func get(t *testing.T, s *Server, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &body)
	}
	return w.Code, body
}

func TestLease_ReportsLatestDecision(t *testing.T) {
	el, _ := newTestElection(t, "hostA-alice")
	s := NewServer(Config{Election: el})

	code, body := get(t, s, "/api/v1/lease")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "unknown", body["state"])
	assert.Nil(t, body["decision"])

	_, err := el.Check(context.Background())
	require.NoError(t, err)

	code, body = get(t, s, "/api/v1/lease")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "leader", body["state"])
	assert.Equal(t, "hostA-alice", body["machine_id"])
	decision, ok := body["decision"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, decision["leader"])
	assert.Equal(t, "claim", decision["action"])
}

func TestHolder_ReadsStoreWithoutWriting(t *testing.T) {
	a, store := newTestElection(t, "hostA-alice")
	_, err := a.Check(context.Background())
	require.NoError(t, err)

	s, err := signer.NewHMACSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	b, err := election.New(election.DefaultConfig("hostB-bob"), store, s)
	require.NoError(t, err)

	srv := NewServer(Config{Election: b})
	code, body := get(t, srv, "/api/v1/lease/holder")
	assert.Equal(t, http.StatusOK, code)
	obs, ok := body["observation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hostA-alice", obs["holder"])
	assert.Equal(t, "held", obs["reason"])
	assert.Equal(t, int64(1), store.Writes())
}

func TestHolder_IsRateLimited(t *testing.T) {
	el, _ := newTestElection(t, "hostA-alice")
	s := NewServer(Config{Election: el, InspectRate: rate.Limit(0.001), InspectBurst: 1})

	code, _ := get(t, s, "/api/v1/lease/holder")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, s, "/api/v1/lease/holder")
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestHealth(t *testing.T) {
	el, _ := newTestElection(t, "hostA-alice")

	s := NewServer(Config{Election: el, Watch: fixedTick{&scheduler.Tick{ConsecutiveFailures: 1}}})
	code, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	s = NewServer(Config{Election: el, Watch: fixedTick{&scheduler.Tick{ConsecutiveFailures: 3}}})
	code, body = get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestWatch(t *testing.T) {
	el, _ := newTestElection(t, "hostA-alice")

	code, _ := get(t, NewServer(Config{Election: el}), "/api/v1/watch")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = get(t, NewServer(Config{Election: el, Watch: fixedTick{}}), "/api/v1/watch")
	assert.Equal(t, http.StatusNotFound, code)

	code, body := get(t, NewServer(Config{Election: el, Watch: fixedTick{&scheduler.Tick{Ran: true, ExitCode: 4}}}), "/api/v1/watch")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ran"])
	assert.Equal(t, float64(4), body["exit_code"])
}

func TestMetricsEndpoint(t *testing.T) {
	el, _ := newTestElection(t, "hostA-alice")
	s := NewServer(Config{Election: el})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "leaselock_")
}

func TestListenAndShutdown(t *testing.T) {
	el, _ := newTestElection(t, "hostA-alice")
	s := NewServer(Config{Addr: "127.0.0.1:0", Election: el})

	addr, err := s.Listen()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.NoError(t, <-done)
}

func TestAPIRequiresTokenWhenConfigured(t *testing.T) {
	el, _ := newTestElection(t, "hostA-alice")
	tokens, err := auth.NewTokenService([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	s := NewServer(Config{Election: el, Tokens: tokens})

	code, _ := get(t, s, "/api/v1/lease")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, s, "/health")
	assert.Equal(t, http.StatusOK, code, "health stays open")

	token, err := tokens.Issue("dashboard", "hostA-alice", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/lease", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
