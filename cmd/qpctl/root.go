package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rocketbitz/hcaqp-go/internal/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
	metrics    string
	ports      uint8
	trace      bool
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.configPath, config.Options{
		LogLevel: o.logLevel,
		Metrics:  o.metrics,
		Ports:    o.ports,
	})
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "qpctl",
		Short: "Exercise the HCA queue pair manager",
		Long: `qpctl runs queue pair lifecycle scenarios against a simulated HCA.

Profiles are read from --config, or qpctl.yaml in ., /etc/hcaqp or
$HOME/.hcaqp. Every key can be overridden from the environment with the
HCAQP_ prefix, e.g. HCAQP_DEVICE_PORTS=1 or HCAQP_LOG_LEVEL=debug.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "profile file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.metrics, "metrics", "", "metrics backend (none, prometheus, otel)")
	flags.Uint8Var(&opts.ports, "ports", 0, "number of HCA ports")
	flags.BoolVar(&opts.trace, "trace", false, "log a line per finished span")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newStressCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}
