package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arkilian/iobench/internal/app"
)

func newLaunchCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		ranks       int
		coordinator string
		binary      string
	)

	cmd := &cobra.Command{
		Use:   "launch --ranks N -- [run flags]",
		Short: "Start N ranks of 'run' on this host",
		Long: `Start one 'iobench run' child per rank, all sharing one coordinator
address. Arguments after -- are passed to every child. The first child to
fail cancels the others.`,
		Example: "  iobench launch --ranks 4 -- --config bench.yaml --report out.csv",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return applyEnv(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if ranks < 1 {
				return fmt.Errorf("--ranks must be at least 1, got %d", ranks)
			}
			if binary == "" {
				exe, err := os.Executable()
				if err != nil {
					return fmt.Errorf("resolve executable: %w", err)
				}
				binary = exe
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return launch(ctx, binary, ranks, coordinator, args, stdout, stderr)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&ranks, "ranks", "n", 1,
		"Number of ranks to start")
	flags.StringVar(&coordinator, "coordinator", app.DefaultCoordinator,
		"Coordinator address passed to every rank")
	flags.StringVar(&binary, "binary", "",
		"iobench binary to run (default: this executable)")
	return cmd
}

// launch runs ranks children of binary and waits for all of them. Only
// rank 0 writes to stdout so the summary table appears once.
func launch(ctx context.Context, binary string, ranks int, coordinator string, args []string, stdout, stderr io.Writer) error {
	g, ctx := errgroup.WithContext(ctx)
	for r := 0; r < ranks; r++ {
		childArgs := append([]string{
			"run",
			"--rank", strconv.Itoa(r),
			"--size", strconv.Itoa(ranks),
			"--coordinator", coordinator,
		}, args...)

		cmd := exec.CommandContext(ctx, binary, childArgs...)
		cmd.Stderr = stderr
		if r == 0 {
			cmd.Stdout = stdout
		}

		rank := r
		g.Go(func() error {
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}
	return g.Wait()
}
