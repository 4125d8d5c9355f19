package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"leaselock/pkg/election"
)

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [root]",
		Short: "Claim the lease if it is free and report leader or follower",
		Long: `check reads the lock record and claims it when it is absent, stale or cannot
be verified (under the open policy). It never overwrites a fresh, validly
signed record, including one this machine wrote.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.decide(cmd.Context(), rootArg(args), (*election.Election).Check)
		},
	}
}

func (a *app) renewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "renew [root]",
		Short: "Extend a lease held by this machine, or claim a free one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.decide(cmd.Context(), rootArg(args), (*election.Election).Renew)
		},
	}
}

func (a *app) decide(ctx context.Context, root string, op func(*election.Election, context.Context) (election.Decision, error)) error {
	s, err := a.openSession(ctx, sessionOptions{root: root})
	if err != nil {
		return err
	}
	defer s.Close()

	d, err := op(s.election, ctx)
	if err != nil {
		return err
	}

	if a.jsonOutput {
		if err := a.outputJSON(d); err != nil {
			return err
		}
	} else {
		a.printDecision(d)
	}
	if !d.Leader {
		return errNotLeader
	}
	return nil
}

func (a *app) printDecision(d election.Decision) {
	if d.Leader {
		a.printf("leader (%s)\n", d.Action)
		if d.Record != nil {
			a.printf("  Lease timestamp: %s\n", d.Record.FormattedTimestamp())
		}
		return
	}
	a.printf("follower (%s)\n", d.Reason)
	if d.Holder != "" {
		a.printf("  Holder: %s\n", d.Holder)
	}
	if d.Err != nil {
		a.printf("  Store error: %v\n", d.Err)
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [root]",
		Short: "Show the current lease holder without writing anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx, sessionOptions{root: rootArg(args), readOnly: true})
			if err != nil {
				return err
			}
			defer s.Close()

			obs, err := s.election.Inspect(ctx)
			if err != nil {
				return err
			}
			cfg := s.election.Config()

			if a.jsonOutput {
				return a.outputJSON(statusView(obs, cfg))
			}
			a.printStatus(obs, cfg)
			return nil
		},
	}
}

type statusOutput struct {
	Key        string               `json:"key"`
	MachineID  string               `json:"machine_id"`
	Policy     string               `json:"policy"`
	Lease      string               `json:"lease_duration"`
	HeldByMe   bool                 `json:"held_by_me"`
	Obs        election.Observation `json:"observation"`
	StoreError string               `json:"store_error,omitempty"`
	FetchError string               `json:"fetch_error,omitempty"`
}

func statusView(obs election.Observation, cfg election.Config) statusOutput {
	out := statusOutput{
		Key:       cfg.Key,
		MachineID: cfg.MachineID,
		Policy:    string(cfg.Policy),
		Lease:     cfg.LeaseDuration.String(),
		HeldByMe:  obs.Authoritative() && obs.Holder == cfg.MachineID,
		Obs:       obs,
	}
	if obs.Err != nil {
		out.StoreError = obs.Err.Error()
	}
	if obs.FetchErr != nil {
		out.FetchError = obs.FetchErr.Error()
	}
	return out
}

func (a *app) printStatus(obs election.Observation, cfg election.Config) {
	a.printf("Lock: %s\n", cfg.Key)
	switch {
	case obs.Err != nil && !obs.Present:
		a.printf("  State: unknown (%s)\n", obs.Reason)
		a.printf("  Error: %v\n", obs.Err)
		return
	case !obs.Present:
		a.printf("  State: free\n")
		return
	}

	state := "free"
	if obs.Authoritative() {
		state = "held"
		if obs.Holder == cfg.MachineID {
			state = "held by this machine"
		}
	}
	a.printf("  State: %s (%s)\n", state, obs.Reason)
	if obs.Holder != "" {
		a.printf("  Holder: %s\n", obs.Holder)
	}
	if obs.Record != nil {
		a.printf("  Timestamp: %s\n", obs.Record.FormattedTimestamp())
		a.printf("  Age: %s\n", obs.Age.Round(time.Second))
		if obs.Authoritative() {
			a.printf("  Expires in: %s\n", (cfg.LeaseDuration - obs.Age).Round(time.Second))
		}
	}
	if obs.FetchErr != nil {
		a.printf("  Warning: remote not reachable, showing local state: %v\n", obs.FetchErr)
	}
}
