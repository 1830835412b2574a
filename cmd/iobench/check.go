package main

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/spf13/cobra"

	"github.com/arkilian/iobench/internal/backend"
	"github.com/arkilian/iobench/internal/backend/builtin"
	"github.com/arkilian/iobench/internal/config"
	"github.com/arkilian/iobench/internal/driver"
	"github.com/arkilian/iobench/internal/group"
)

func newCheckCmd(stdout io.Writer) *cobra.Command {
	var (
		cfgPath string
		size    int
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration and print its iteration plan",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return applyEnv(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.ParseConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.Bind(0, size); err != nil {
				return err
			}

			registry := builtin.NewRegistry()
			steps, err := driver.New(cfg, registry, group.Solo(), nil, nil).Plan()
			if err != nil {
				return err
			}
			for _, s := range steps {
				b, err := registry.Instance(s.Iteration.BackendID)
				if err != nil {
					return err
				}
				if err := backend.CheckSupport(b, s.Iteration, size); err != nil {
					return fmt.Errorf("iteration %d (%s): %w", s.Iteration.Index, s.Iteration.Workload, err)
				}
			}

			writePlan(stdout, cfg, steps)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfgPath, "config", "c", "", "Workload configuration file")
	flags.IntVar(&size, "size", 1, "Process group size to plan for")
	return cmd
}

func writePlan(w io.Writer, cfg *config.RunConfig, steps []driver.Step) {
	fmt.Fprintf(w, "chunk: %d bytes requested, %d realized (%dx%d float64)\n",
		cfg.ChunkSizeBytes, cfg.RealizedChunkBytes(), cfg.ElementsPerDim, cfg.ElementsPerDim)
	fmt.Fprintf(w, "chunks per rank: %d, ranks: %d, dataset: %d bytes\n\n",
		cfg.ChunksPerRank, cfg.NumRanks, cfg.TotalBytes())

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row{"#", "workload", "backend", "direction", "participation", "filter", "params"})
	for _, s := range steps {
		it := s.Iteration
		t.AppendRow(table.Row{it.Index, it.Workload, it.BackendID, it.Direction, it.Participation, it.Filter, it.Params.Encode()})
	}
	t.Render()
}
