package runner

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestShellRunner_Success(t *testing.T) {
	requireShell(t)
	res := NewShellRunner().Run(context.Background(), Command{
		Name:  "sh",
		Args:  []string{"-c", `read line; echo "$line-$LEASELOCK_TEST"; echo oops >&2`},
		Env:   []string{"LEASELOCK_TEST=ok"},
		Stdin: strings.NewReader("in\n"),
	})

	require.True(t, res.OK(), "error: %v", res.Error)
	assert.Equal(t, "in-ok\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestShellRunner_NonZeroExit(t *testing.T) {
	requireShell(t)
	res := NewShellRunner().Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "exit 3"}})

	assert.False(t, res.OK())
	assert.Equal(t, 3, res.ExitCode)
	assert.NoError(t, res.Error)
}

func TestShellRunner_MissingBinary(t *testing.T) {
	res := NewShellRunner().Run(context.Background(), Command{Name: "leaselock-no-such-binary"})

	assert.False(t, res.OK())
	assert.Equal(t, -1, res.ExitCode)
	assert.Error(t, res.Error)
}

func TestShellRunner_Timeout(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := NewShellRunner().Run(ctx, Command{Name: "sh", Args: []string{"-c", "sleep 30 & wait"}})

	assert.False(t, res.OK())
	assert.Error(t, res.Error)
	assert.Less(t, time.Since(start), 10*time.Second)
}
