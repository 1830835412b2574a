package main

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/arkilian/iobench/internal/app"
	"github.com/arkilian/iobench/internal/group"
)

type runFlags struct {
	config      string
	report      string
	metricsFile string
	rank        int
	size        int
	coordinator string
	startup     time.Duration
	logLevel    string
	noSummary   bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.config, "config", "c", "",
		"Workload configuration file (JSON, YAML or TOML)")
	flags.StringVar(&f.report, "report", "output.csv",
		"CSV report appended to by rank 0 (empty disables)")
	flags.StringVar(&f.metricsFile, "metrics-file", "",
		"Write Prometheus textfile metrics to this path")
	flags.IntVar(&f.rank, "rank", 0,
		"Rank of this process in the group")
	flags.IntVar(&f.size, "size", 1,
		"Number of processes in the group")
	flags.StringVar(&f.coordinator, "coordinator", app.DefaultCoordinator,
		"Address rank 0 serves the group coordinator on")
	flags.DurationVar(&f.startup, "startup-timeout", group.DefaultStartupTimeout,
		"How long a rank waits for the coordinator before its first barrier")
	flags.StringVar(&f.logLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	flags.BoolVar(&f.noSummary, "no-summary", false,
		"Do not print the summary table")
}

func newRunCmd(stdout, stderr io.Writer) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workloads of a configuration file on one rank",
		Long: `Run every workload of the configuration on this rank. With --size
greater than one, every rank must be started with the same configuration and
coordinator address; rank 0 serves the coordinator.

Any fatal error aborts the whole process group and exits with status 134.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return applyEnv(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(stderr, f.logLevel)
			if err != nil {
				return err
			}

			a, err := app.New(app.Options{
				ConfigPath:     f.config,
				ReportPath:     f.report,
				MetricsFile:    f.metricsFile,
				Summary:        !f.noSummary,
				Rank:           f.rank,
				Size:           f.size,
				Coordinator:    f.coordinator,
				StartupTimeout: f.startup,
				Stdout:         stdout,
				Logger:         logger,
			})
			if err == nil {
				err = a.Run(context.Background())
			}
			if err != nil {
				app.LogFatal(logger, err)
				exit(app.ExitFatal)
				return err
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
