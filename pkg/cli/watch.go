package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"leaselock/pkg/api"
	"leaselock/pkg/auth"
	"leaselock/pkg/executor"
	"leaselock/pkg/executor/runner"
	"leaselock/pkg/scheduler"
)

func (a *app) watchCmd() *cobra.Command {
	var (
		listen       string
		schedule     string
		timeout      time.Duration
		requireToken bool
	)

	cmd := &cobra.Command{
		Use:   "watch [root] [-- command args...]",
		Short: "Check or renew on a schedule and run a command while leader",
		Long: `watch runs renew on every tick, which claims a free lease and extends one this
machine already holds, then runs the command given after -- if the tick left it
leader. With
--listen it also serves /health, /metrics and /api/v1/lease.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if n := positional(cmd, args); len(n) > 1 {
				return fmt.Errorf("accepts at most 1 root argument before --, received %d", len(n))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx, sessionOptions{root: rootArg(positional(cmd, args)), breaker: true})
			if err != nil {
				return err
			}
			defer s.Close()

			w := s.cfg.Watch
			if listen != "" {
				w.Listen = listen
			}
			if schedule != "" {
				w.Schedule = schedule
			}
			if timeout > 0 {
				w.CommandTimeout = timeout
			}
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				w.Command = args[dash:]
			}

			exec := executor.NewExecutor(runner.NewShellRunner(), w.CommandTimeout, a.stdout, a.stderr, s.log.Named("executor"))
			core, err := scheduler.NewCore(scheduler.Config{Schedule: w.Schedule, Command: w.Command}, s.election, exec, s.log.Named("watch"))
			if err != nil {
				return err
			}

			if w.Listen != "" {
				apiCfg := api.Config{
					Addr:     w.Listen,
					Election: s.election,
					Watch:    core,
					Log:      s.log.Named("api"),
				}
				if requireToken || w.RequireToken {
					if apiCfg.Tokens, err = auth.NewTokenService(s.key); err != nil {
						return err
					}
				}
				srv := api.NewServer(apiCfg)
				if _, err := srv.Listen(); err != nil {
					return err
				}
				go func() {
					if err := srv.Start(); err != nil {
						s.log.Error("status API failed", zap.Error(err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			return core.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&listen, "listen", "", "serve the status API on this address, e.g. :9464")
	f.StringVar(&schedule, "schedule", "", `tick schedule, a cron spec or "@every 60s"`)
	f.DurationVar(&timeout, "command-timeout", 0, "kill the command after this long")
	f.BoolVar(&requireToken, "require-token", false, "require a bearer token from 'leaselock key token' on /api/v1")
	return cmd
}

// positional returns the arguments before --.
func positional(cmd *cobra.Command, args []string) []string {
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		return args[:dash]
	}
	return args
}
