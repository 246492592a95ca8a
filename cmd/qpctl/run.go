package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the reference lifecycle scenario",
		Long: `Run brings up the GSI QP of port 1 and a connected pair of RC QPs,
drains and suspends them, then destroys everything and checks the
simulated HCA for leaked resources.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			env, err := newEnvironment(cfg, opts.trace)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			runErr := runScenario(ctx, env.manager, out)
			stats := env.manager.Stats()
			fmt.Fprintf(out, "created=%d destroyed=%d transitions=%d failures=%d\n",
				stats.Created, stats.Destroyed, stats.Transitions, stats.TransitionFailures)
			return errors.Join(runErr, env.close(ctx, out))
		},
	}
}
