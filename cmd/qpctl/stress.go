package main

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/hcaqp-go/internal/config"
	"github.com/rocketbitz/hcaqp-go/qp"
)

type stressOptions struct {
	workers    int
	iterations int
	service    string
}

func newStressCmd(root *rootOptions) *cobra.Command {
	opts := &stressOptions{}
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Create, connect and destroy QPs from concurrent workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath, config.Options{
				LogLevel: root.logLevel,
				Metrics:  root.metrics,
				Ports:    root.ports,
				Workers:  opts.workers,
			})
			if err != nil {
				return err
			}
			if opts.iterations > 0 {
				cfg.Workload.Iterations = opts.iterations
			}
			if opts.service != "" {
				cfg.Workload.Service = opts.service
			}
			svc, err := config.ServiceFromName(cfg.Workload.Service)
			if err != nil {
				return err
			}
			env, err := newEnvironment(cfg, root.trace)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			start := time.Now()
			var busy atomic.Int64

			g, gctx := errgroup.WithContext(ctx)
			for w := 0; w < cfg.Workload.Workers; w++ {
				g.Go(func() error {
					for i := 0; i < cfg.Workload.Iterations; i++ {
						err := cycle(gctx, env.manager, svc, cfg.Workload.BufferSize, uint32(w<<16|i))
						if qp.Retryable(err) {
							busy.Add(1)
							continue
						}
						if err != nil {
							return fmt.Errorf("worker %d iteration %d: %w", w, i, err)
						}
					}
					return nil
				})
			}
			runErr := g.Wait()

			stats := env.manager.Stats()
			device := env.hca.Device.Metrics()
			env.logger.Info("stress finished",
				zap.Int("workers", cfg.Workload.Workers),
				zap.Int("iterations", cfg.Workload.Iterations),
				zap.Stringer("service", svc),
				zap.Duration("elapsed", time.Since(start)),
				zap.Int64("retryable", busy.Load()),
				zap.Int64("commands", device.Commands),
			)
			fmt.Fprintf(out, "created=%d destroyed=%d transitions=%d failures=%d retryable=%d\n",
				stats.Created, stats.Destroyed, stats.Transitions, stats.TransitionFailures, busy.Load())
			return errors.Join(runErr, env.close(ctx, out))
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.workers, "workers", "w", 0, "concurrent workers")
	flags.IntVarP(&opts.iterations, "iterations", "n", 0, "cycles per worker")
	flags.StringVar(&opts.service, "service", "", "transport service (rc, uc, ud)")
	return cmd
}
