// Package cli implements the leaselock command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Exit codes shared by check, renew and watch.
const (
	ExitLeader   = 0
	ExitFollower = 1
	ExitFault    = 2
)

// errNotLeader ends a command with ExitFollower without printing an error.
var errNotLeader = errors.New("not leader")

type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	jsonOutput bool
	logLevel   string
	backend    string
	policy     string
	machineID  string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "leaselock",
		Short: "leaselock - signed lease election over a shared store",
		Long: `leaselock decides which of several machines is the active one. Each
machine reads a signed lock record from a shared versioned store and claims it
only when it is absent, stale or unverifiable, publishing with compare-and-set.

check and renew exit 0 on the leader, 1 on followers and 2 on local faults.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/leaselock/config.yaml)")
	f.BoolVar(&a.jsonOutput, "json", false, "output in JSON format")
	f.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&a.backend, "backend", "", "coordination backend: git, etcd, redis, s3, postgres, memory")
	f.StringVar(&a.policy, "policy", "", "failure policy when the holder cannot be established: open or closed")
	f.StringVar(&a.machineID, "machine-id", "", "identity written into claims (default host-user)")

	root.AddCommand(
		a.checkCmd(),
		a.renewCmd(),
		a.statusCmd(),
		a.keyCmd(),
		a.watchCmd(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return ExitLeader
	case errors.Is(err, errNotLeader):
		return ExitFollower
	default:
		fmt.Fprintln(stderr, "error:", err)
		return ExitFault
	}
}

// outputJSON prints v as indented JSON.
func (a *app) outputJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.stdout, format, args...)
}
